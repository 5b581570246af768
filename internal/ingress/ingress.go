package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/replicate/cog-director/internal/events"
	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
)

const shutdownTimeout = 5 * time.Second

// Server receives callbacks from the model container on a local port and
// relays them onto the event bus. Every running prediction has its webhook
// rewritten to point here, so the bus is the sole path from the container
// back to the director.
type Server struct {
	httpServer *http.Server
	bus        *events.Bus

	eg       *errgroup.Group
	shutdown chan struct{}

	logger *logging.Logger
}

func New(port int, bus *events.Bus, metrics http.Handler, logger *logging.Logger) *Server {
	s := &Server{
		bus:      bus,
		shutdown: make(chan struct{}),
		logger:   logger.Named("ingress"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server in its own goroutines. Errors surface in Join.
func (s *Server) Start() {
	log := s.logger.Sugar()

	s.eg = &errgroup.Group{}
	s.eg.Go(func() error {
		log.Infow("starting webhook ingress", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook ingress failed: %w", err)
		}
		return nil
	})
	s.eg.Go(func() error {
		<-s.shutdown
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Errorw("error shutting down webhook ingress", "error", err)
			return s.httpServer.Close()
		}
		return nil
	})
}

// Stop drains in-flight requests and closes the server.
func (s *Server) Stop() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// Join blocks until the server has exited.
func (s *Server) Join() {
	if s.eg == nil {
		return
	}
	if err := s.eg.Wait(); err != nil {
		s.logger.Sugar().Errorw("webhook ingress exited with error", "error", err)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := s.logger.Sugar()

	var payload schema.PredictionResponse
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Warnw("received malformed webhook payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Tracew("received webhook", "prediction_id", payload.ID, "status", string(payload.Status))
	s.bus.Offer(events.WebhookEvent{Payload: payload})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
