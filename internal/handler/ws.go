// Package handler adapts the transport layer (websocket + HTTP JSON) onto
// the orchestrator, result cache, and subscription registry.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"feedshield/internal/cache"
	"feedshield/internal/registry"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsInbound struct {
	Type string        `json:"type"`
	Data wsInboundData `json:"data"`
}

type wsInboundData struct {
	ImageURL string   `json:"image_url"`
	Filters  []string `json:"filters"`
}

// wsEnvelope is one queued outbound frame: either a JSON payload or a
// websocket-level ping.
type wsEnvelope struct {
	payload any
	ping    bool
}

// wsPeer is the registry's view of one connected client. Deliver and Ping
// enqueue onto the writer goroutine, which owns the connection.
type wsPeer struct {
	id      string
	writeCh chan wsEnvelope
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Deliver(n registry.Notification) error {
	select {
	case p.writeCh <- wsEnvelope{payload: n}:
		return nil
	default:
		return errors.New("subscriber write queue full")
	}
}

func (p *wsPeer) Ping() error {
	select {
	case p.writeCh <- wsEnvelope{ping: true}:
		return nil
	default:
		return errors.New("subscriber write queue full")
	}
}

// WSHandler serves the subscriber endpoint: clients connect, ask to wait for
// (image, filters) pairs, and receive image_processed events.
type WSHandler struct {
	registry *registry.Registry
	cache    *cache.Manager
}

func NewWSHandler(reg *registry.Registry, c *cache.Manager) *WSHandler {
	return &WSHandler{registry: reg, cache: c}
}

func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.Printf("ws: set read deadline failed: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		h.registry.Touch(userID)
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	peer := &wsPeer{id: userID, writeCh: make(chan wsEnvelope, 32)}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case out := <-peer.writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if out.ping {
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
					continue
				}
				if err := conn.WriteJSON(out.payload); err != nil {
					return
				}
			}
		}
	}()

	h.registry.Connect(peer)
	defer h.registry.Disconnect(userID)

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.registry.Touch(userID)

		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "wait_for_image":
			h.handleWait(ctx, peer, userID, in.Data)
		case "ping":
			push(peer, map[string]string{"type": "pong"})
		case "pong":
			// Activity already recorded above.
		default:
			push(peer, map[string]string{
				"type":    "error",
				"message": "unsupported type: " + in.Type,
			})
		}
	}
}

// handleWait is a read-through on the result cache: a hit answers
// immediately, a miss registers the wait for the completion path.
func (h *WSHandler) handleWait(ctx context.Context, peer *wsPeer, userID string, data wsInboundData) {
	if strings.TrimSpace(data.ImageURL) == "" {
		push(peer, map[string]string{"type": "error", "message": "image_url is required"})
		return
	}

	v, err := h.cache.Get(ctx, data.ImageURL, data.Filters)
	if err == nil {
		push(peer, registry.Notification{
			Type: "image_processed",
			Data: registry.NotificationData{
				ImageURL:  data.ImageURL,
				Result:    v.URL,
				Filters:   data.Filters,
				Base64URL: v.Base64,
			},
		})
		return
	}
	if !errors.Is(err, cache.ErrNotFound) {
		log.Printf("ws: cache lookup for %s failed: %v", data.ImageURL, err)
	}
	h.registry.RegisterWait(userID, data.ImageURL, data.Filters)
	log.Printf("ws: user %s waiting for %s with filters %v", userID, data.ImageURL, data.Filters)
}

func push(peer *wsPeer, payload any) {
	select {
	case peer.writeCh <- wsEnvelope{payload: payload}:
	default:
	}
}
