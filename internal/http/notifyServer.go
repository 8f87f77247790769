package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"vestnik/internal/api"
)

// NotifyServer exposes the notification ingress to the HTTP
// collaborator. It binds to an internal address and must not be
// reachable from the public network.
type NotifyServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewNotifyServer(notifier api.Notifier, addr string) *NotifyServer {
	handlers := api.New(notifier)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /notify-assignment", handlers.NotifyAssignmentHandler)
	mux.HandleFunc("POST /notify-users", handlers.NotifyUsersHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &NotifyServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *NotifyServer) Start() error {
	log.Printf("Notify API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *NotifyServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
