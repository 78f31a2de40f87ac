package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/history"
	"lena-shard-supervisor/types"
)

// StatusStore is the durable side of the status surface. It is the only
// source /status reads from.
type StatusStore interface {
	Rows(ctx context.Context) ([]types.ShardRow, error)
	ShardCount(ctx context.Context) (int, error)
	Counters(ctx context.Context, since time.Time) (types.BusinessCounters, error)
}

type FleetView interface {
	Latest() (types.Cycle, bool)
}

type WorkerView interface {
	Status() []types.ShardStatus
}

type HistoryReader interface {
	GetRange(ctx context.Context, start, end time.Time) ([]history.Item, error)
}

type Options struct {
	Store StatusStore

	// Optional in-process views, served on /fleet when present.
	Fleet   FleetView
	Workers WorkerView

	// Optional archive sent to websocket clients on connect.
	History HistoryReader

	// Broadcasts pushed to every websocket client.
	Broadcast <-chan types.Broadcast

	StaleAfter time.Duration
}

type Server struct {
	opts   Options
	logger *zerolog.Logger
	hub    *hub
	now    func() time.Time
}

func New(opts Options, logger *zerolog.Logger) *Server {
	s := &Server{
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	s.hub = newHub(opts.Broadcast, logger)
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/status", s.postStatus).Methods(http.MethodPost)
	if s.opts.Fleet != nil || s.opts.Workers != nil {
		r.HandleFunc("/fleet", s.getFleet).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.serveWebsocket)

	return r
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port uint) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.run(hubCtx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("Listening on port %d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Stopping API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getFleet(w http.ResponseWriter, r *http.Request) {
	resp := fleetResponse{Success: true}
	if s.opts.Workers != nil {
		resp.Workers = s.opts.Workers.Status()
	}
	if s.opts.Fleet != nil {
		if cycle, ok := s.opts.Fleet.Latest(); ok {
			resp.Cycle = &cycle
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type fleetResponse struct {
	Success bool                `json:"success"`
	Workers []types.ShardStatus `json:"workers"`
	Cycle   *types.Cycle        `json:"cycle,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Error writing response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: message})
}
