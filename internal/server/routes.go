package server

import (
	"net/http"

	"feedshield/internal/handler"
	"feedshield/internal/middleware"
)

func NewMux(
	processHandler *handler.ProcessHandler,
	resultHandler *handler.ResultHandler,
	wsHandler *handler.WSHandler,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/process", processHandler.HandleProcess)
	mux.HandleFunc("/api/result", resultHandler.HandleResult)
	mux.HandleFunc("/ws", wsHandler.HandleWS)
	mux.HandleFunc("/ping", handler.HandlePing)

	return middleware.CORS(mux)
}
