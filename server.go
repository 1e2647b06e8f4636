package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/config"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/models"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/services"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// Server is the explicit lifecycle object for the realtime core. The owning
// process supervisor calls Start and Stop; nothing registers global hooks.
type Server struct {
	cfg      *config.Config
	logger   *utils.Logger
	registry *services.Registry
	presence *services.PresenceStore
	fanout   *services.Fanout
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, logger *utils.Logger, registry *services.Registry,
	presence *services.PresenceStore, fanout *services.Fanout, handler http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		presence: presence,
		fanout:   fanout,
		httpSrv: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the fan-out layer, the background reconciliation loops
// and the HTTP listener
func (s *Server) Start() error {
	s.fanout.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunSweeper(s.ctx, s.cfg.SweepInterval, s.cfg.SessionMaxAge)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.presence.RunCleaner(s.ctx, s.cfg.CleanupInterval)
	}()

	go func() {
		s.logger.Info("Starting realtime core", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start server", "error", err)
		}
	}()

	return nil
}

// Stop announces shutdown to every live session, waits out the notice
// grace, then tears down transports, background loops and the listener
// within gracePeriod.
func (s *Server) Stop(gracePeriod time.Duration) error {
	s.logger.Info("Shutting down")

	s.registry.Broadcast(models.NewEvent(models.EventServerShutdown, models.DisconnectPayload{
		Message:   "server shutting down",
		Timestamp: time.Now(),
	}))
	time.Sleep(s.cfg.DisconnectGrace)

	s.registry.CloseAll()
	s.cancel()
	s.fanout.Stop()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
