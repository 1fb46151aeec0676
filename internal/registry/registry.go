// Package registry tracks which connected clients are waiting for which
// (image, filter set) pairs and delivers completion notifications to them.
// It owns the only long-lived mutable state in the serving process besides
// the result cache, and a liveness sweep that evicts clients that vanished
// without a clean disconnect.
package registry

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"feedshield/internal/cache"
	"feedshield/internal/filtersig"
)

// Notification is the payload delivered to a waiting subscriber.
type Notification struct {
	Type string           `json:"type"`
	Data NotificationData `json:"data"`
}

type NotificationData struct {
	ImageURL  string   `json:"image_url"`
	Result    string   `json:"result"`
	Filters   []string `json:"filters"`
	Base64URL string   `json:"base64_url,omitempty"`
}

// Subscriber is one connected client. Deliver and Ping errors force a
// disconnect.
type Subscriber interface {
	ID() string
	Deliver(n Notification) error
	Ping() error
}

const (
	DefaultPingInterval = 30 * time.Second
	DefaultIdleTimeout  = 300 * time.Second
)

// Registry is safe for concurrent use from connection handlers and the
// asynchronous completion-delivery path.
type Registry struct {
	pingInterval time.Duration
	idleTimeout  time.Duration

	mu           sync.Mutex
	conns        map[string]Subscriber
	lastActivity map[string]time.Time
	// image URL -> subscriber IDs waiting on it
	waiting map[string]map[string]struct{}
	// subscriber ID -> image URL -> filter set the subscriber registered with
	waitFilters map[string]map[string][]string
}

// Option configures a Registry.
type Option func(*Registry)

func WithPingInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pingInterval = d
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		pingInterval: DefaultPingInterval,
		idleTimeout:  DefaultIdleTimeout,
		conns:        make(map[string]Subscriber),
		lastActivity: make(map[string]time.Time),
		waiting:      make(map[string]map[string]struct{}),
		waitFilters:  make(map[string]map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a subscriber connection. A reconnect under the same ID
// replaces the old connection.
func (r *Registry) Connect(sub Subscriber) {
	r.mu.Lock()
	r.conns[sub.ID()] = sub
	r.lastActivity[sub.ID()] = time.Now()
	r.mu.Unlock()
	log.Printf("registry: subscriber %s connected", sub.ID())
}

// Disconnect removes the subscriber and all of its wait registrations,
// cleaning up now-empty per-image sets.
func (r *Registry) Disconnect(subscriberID string) {
	r.mu.Lock()
	r.disconnectLocked(subscriberID)
	r.mu.Unlock()
}

func (r *Registry) disconnectLocked(subscriberID string) {
	delete(r.conns, subscriberID)
	delete(r.lastActivity, subscriberID)
	delete(r.waitFilters, subscriberID)
	for imageURL, waiters := range r.waiting {
		delete(waiters, subscriberID)
		if len(waiters) == 0 {
			delete(r.waiting, imageURL)
		}
	}
}

// Touch records subscriber activity so the liveness sweep leaves it alone.
func (r *Registry) Touch(subscriberID string) {
	r.mu.Lock()
	if _, ok := r.conns[subscriberID]; ok {
		r.lastActivity[subscriberID] = time.Now()
	}
	r.mu.Unlock()
}

// RegisterWait records that the subscriber wants to be told when this exact
// image+filter pair resolves. One subscriber may wait on many images; many
// subscribers may wait on one image with different filter sets.
func (r *Registry) RegisterWait(subscriberID, imageURL string, filters []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.waiting[imageURL]; !ok {
		r.waiting[imageURL] = make(map[string]struct{})
	}
	r.waiting[imageURL][subscriberID] = struct{}{}

	if _, ok := r.waitFilters[subscriberID]; !ok {
		r.waitFilters[subscriberID] = make(map[string][]string)
	}
	if filters == nil {
		filters = []string{}
	}
	r.waitFilters[subscriberID][imageURL] = filters
}

// WaitingCount reports how many subscribers are waiting on an image.
func (r *Registry) WaitingCount(imageURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting[imageURL])
}

// OnComplete delivers a completion to every matching waiter. Completions
// carrying a custom-marked filter match loosely: an empty registered filter
// set matches any custom completion, and a custom registration matches when
// its intervention-type fragment appears in the completion's custom filter
// string. Non-custom completions match exactly after normalization. Only
// matched waiters are deregistered.
func (r *Registry) OnComplete(c cache.Completion) {
	n := Notification{
		Type: "image_processed",
		Data: NotificationData{
			ImageURL:  c.ImageURL,
			Result:    c.Result.URL,
			Filters:   c.Filters,
			Base64URL: c.Result.Base64,
		},
	}

	r.mu.Lock()
	waiters, ok := r.waiting[c.ImageURL]
	if !ok {
		r.mu.Unlock()
		return
	}

	type delivery struct {
		sub Subscriber
		id  string
	}
	deliveries := make([]delivery, 0, len(waiters))
	for subscriberID := range waiters {
		registered := r.waitFilters[subscriberID][c.ImageURL]
		if !filterMatch(registered, c.Filters) {
			continue
		}
		sub, connected := r.conns[subscriberID]
		// Deregister matched waiters whether or not delivery can happen;
		// the completion for this pair has arrived.
		delete(waiters, subscriberID)
		if byImage, ok := r.waitFilters[subscriberID]; ok {
			delete(byImage, c.ImageURL)
			if len(byImage) == 0 {
				delete(r.waitFilters, subscriberID)
			}
		}
		if connected {
			deliveries = append(deliveries, delivery{sub: sub, id: subscriberID})
		}
	}
	if len(waiters) == 0 {
		delete(r.waiting, c.ImageURL)
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		if err := d.sub.Deliver(n); err != nil {
			log.Printf("registry: deliver to %s failed: %v", d.id, err)
			r.Disconnect(d.id)
		}
	}
}

func filterMatch(registered, completed []string) bool {
	if filtersig.HasCustom(completed) {
		if len(registered) == 0 {
			return true
		}
		for _, cf := range completed {
			if !filtersig.IsCustom(cf) {
				continue
			}
			interventionType := filtersig.CustomInterventionType(cf)
			if interventionType == "" {
				continue
			}
			for _, rf := range registered {
				if rf == interventionType {
					return true
				}
				if filtersig.IsCustom(rf) && strings.Contains(rf, interventionType) {
					return true
				}
			}
		}
		return false
	}
	return filtersig.Equivalent(registered, completed)
}

// Run drives the liveness sweep until ctx is done: subscribers idle past the
// ping interval get pinged, those idle past the timeout (or failing the ping)
// are forcibly disconnected and their registrations released.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	type pingTarget struct {
		sub Subscriber
		id  string
	}
	var stale []string
	var toPing []pingTarget
	for id, sub := range r.conns {
		idle := now.Sub(r.lastActivity[id])
		switch {
		case idle > r.idleTimeout:
			stale = append(stale, id)
		case idle > r.pingInterval:
			toPing = append(toPing, pingTarget{sub: sub, id: id})
		}
	}
	for _, id := range stale {
		log.Printf("registry: subscriber %s idle past timeout, disconnecting", id)
		r.disconnectLocked(id)
	}
	r.mu.Unlock()

	for _, p := range toPing {
		if err := p.sub.Ping(); err != nil {
			log.Printf("registry: ping to %s failed: %v", p.id, err)
			r.Disconnect(p.id)
		}
	}
}
