// Package server exposes the health check and the run-control API used to
// trigger and observe migrations remotely.
package server

import (
	"net/http"

	"github.com/hackclub/warehouse-scripts/internal/migration"
	"github.com/hackclub/warehouse-scripts/internal/websocket"
)

type Server struct {
	hub     *websocket.Hub
	manager *migration.Manager
}

func New(hub *websocket.Hub) *Server {
	return &Server{
		hub:     hub,
		manager: migration.NewManager(hub),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/migrate", s.handleMigrate)
	mux.HandleFunc("/api/migrate/cancel", s.handleCancel)
	mux.HandleFunc("/api/migrate/status", s.handleStatus)
	mux.HandleFunc("/ws/progress", s.handleWS)

	return mux
}
