// Package server wires the BotFleet control plane together: store,
// pattern service, override resolver, execution harness, orchestrator,
// lifecycle sweeper, and the HTTP API.
package server

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/api"
	"github.com/botfleet/botfleet/internal/api/handlers"
	"github.com/botfleet/botfleet/internal/config"
	"github.com/botfleet/botfleet/internal/orchestrator"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/sweeper"
	"github.com/botfleet/botfleet/internal/telemetry"
)

// Server is the assembled control plane.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Sweeper *sweeper.Sweeper
	Config  *config.Config
	Port    int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New builds a server from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig builds a server from the given configuration. With no
// database URL the in-memory store is used, persisting snapshots to the
// local data directory.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, err
		}
		st = pg
		log.Info().Msg("Using PostgreSQL store")
	} else {
		st = store.NewMemoryStore()
		log.Info().Msg("Using in-memory store with snapshot persistence")
	}

	orch := orchestrator.New(st, orchestrator.WithStartupDelay(cfg.Harness.InstanceStartupDelay))
	sw := sweeper.New(st, orch,
		sweeper.WithExpiryInterval(cfg.Sweeper.ExpiryInterval),
		sweeper.WithScheduleInterval(cfg.Sweeper.ScheduleInterval),
	)

	h := handlers.New(st, orch)

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        st,
		Sweeper:      sw,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
