package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"vestnik/internal/ws"
)

// APIServer is the public surface: the websocket endpoint clients
// connect to.
type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Gateway started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
