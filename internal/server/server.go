// Package server wires the engine components together behind the HTTP
// API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/auth"
	"github.com/forgefab/conductor/internal/cache"
	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/database"
	"github.com/forgefab/conductor/internal/dispatch"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/orchestrator"
	"github.com/forgefab/conductor/internal/queue"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/resource"
	"github.com/forgefab/conductor/internal/server/handlers"
	"github.com/forgefab/conductor/internal/template"
)

// Server owns the full engine: stores, ledger, queue, orchestrator and
// the HTTP surface in front of them.
type Server struct {
	cfg *config.Config
	db  *database.DB

	cache       *cache.Cache
	refs        *refstore.Store
	registry    *template.Registry
	execStore   *execution.Store
	tracker     *execution.Tracker
	ledger      *resource.Ledger
	handshakes  *handshake.Service
	coordinator *dispatch.Coordinator
	orch        *orchestrator.Orchestrator
	queue       *queue.Manager
	authService *auth.Service

	handlers   *handlers.Handlers
	router     *Router
	httpServer *http.Server
}

// New builds the engine from configuration. Nothing starts running
// until Start.
func New(ctx context.Context, cfg *config.Config, db *database.DB) (*Server, error) {
	s := &Server{cfg: cfg, db: db}

	s.cache = cache.New(cfg.Cache.CleanupInterval)

	refs, err := refstore.New(ctx, &cfg.RefStore)
	if err != nil {
		return nil, fmt.Errorf("creating reference store: %w", err)
	}
	s.refs = refs

	registry, err := template.NewRegistry(cfg.Templates.Path)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	s.registry = registry

	authService, err := auth.NewService(&cfg.Auth, cfg.Workers.Registry)
	if err != nil {
		return nil, fmt.Errorf("building auth service: %w", err)
	}
	s.authService = authService

	s.execStore = execution.NewStore(db)
	s.tracker = execution.NewTracker(s.execStore, s.cache, cfg.Cache.ProgressTTL)
	s.ledger = resource.NewLedger(&cfg.Resources, resource.NewStore(db))
	handshakeStore := handshake.NewStore(db)
	if _, err := handshakeStore.DeleteExpired(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to purge expired handshake packets")
	}
	s.handshakes = handshake.NewService(s.cache, handshakeStore, cfg.Cache.HandshakeTTL)

	coordinator, err := dispatch.NewCoordinator(cfg.Workers.Registry, s.refs, s.handshakes, cfg.Dispatch)
	if err != nil {
		return nil, fmt.Errorf("creating dispatch coordinator: %w", err)
	}
	s.coordinator = coordinator

	s.orch = orchestrator.New(s.execStore, s.ledger, s.registry, s.coordinator, s.refs, s.tracker)
	s.queue = queue.NewManager(db, s.execStore, s.ledger, s.registry, &cfg.Queue, s.orch.Admit)
	s.orch.SetQueue(s.queue)

	s.handlers = handlers.New(cfg, s.orch, s.execStore, s.tracker, s.queue, s.ledger, s.registry, s.handshakes, s.refs)
	s.router = NewRouter(s)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s, nil
}

// Start recovers persisted state, starts the background loops and
// serves HTTP until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ledger.Recover(ctx); err != nil {
		return fmt.Errorf("recovering resource ledger: %w", err)
	}
	if err := s.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recovering queue: %w", err)
	}
	if err := s.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovering executions: %w", err)
	}

	if s.cfg.Templates.Watch {
		if err := s.registry.Watch(); err != nil {
			log.Warn().Err(err).Msg("Template hot-reload unavailable")
		}
	}

	if s.cfg.Resources.ReclaimSchedule != "" {
		if err := s.ledger.StartReclaim(s.cfg.Resources.ReclaimSchedule); err != nil {
			return fmt.Errorf("starting allocation reclaim: %w", err)
		}
	}

	s.queue.Start()

	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Msg("Starting server")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and the background loops. In-flight
// pipelines are suspended and resume from their checkpoints on the next
// start.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.queue.Stop()
	s.orch.Stop()
	s.ledger.Stop()
	s.registry.Close()
	s.cache.Stop()

	return err
}

func (s *Server) DB() *database.DB {
	return s.db
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

func (s *Server) Queue() *queue.Manager {
	return s.queue
}
