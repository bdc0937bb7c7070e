// Package app wires the relay's components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"chunkrelay/internal/api"
	"chunkrelay/internal/config"
	"chunkrelay/internal/database"
	"chunkrelay/internal/delivery"
	"chunkrelay/internal/gateway"
	"chunkrelay/internal/logger"
	"chunkrelay/internal/session"
	"chunkrelay/internal/storage"
	"chunkrelay/internal/sweeper"
	dbconfig "chunkrelay/pkg/database"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	store      *database.Manager
	gateway    *gateway.Gateway
	sessions   *session.Manager
	sweeper    *sweeper.Sweeper
	apiServer  *api.Server
	httpServer *http.Server

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewApplication builds every component in dependency order:
// token -> store -> file store -> gateway -> sessions -> sweeper -> HTTP.
// Any failure here is fatal to startup.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	token, err := config.ReadToken(cfg.Transport.TokenFile)
	if err != nil {
		return nil, err
	}

	dbConfig := dbconfig.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	store, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	files, err := storage.New(ctx, cfg.Storage, cfg.Transport.PublicBaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Token:              token,
		Categories:         []string{cfg.Transport.ParentCategory},
		AllowChannelCreate: cfg.Transport.AllowChannelCreate,
		PingInterval:       cfg.WebSocket.PingInterval,
		ReadTimeout:        cfg.WebSocket.ReadTimeout,
		WriteTimeout:       cfg.WebSocket.WriteTimeout,
		BufferSize:         cfg.WebSocket.BufferSize,
		EventsPerSecond:    cfg.Transport.EventsPerSecond,
		EventBurst:         cfg.Transport.EventBurst,
	}, files)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	policy, err := delivery.NewPolicy(cfg.Delivery.MaxAttempts, cfg.Delivery.Delay)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cache := session.NewCache()
	sessions, err := session.NewManager(store, gw, cache, policy, session.Config{
		Timeout:        cfg.Sessions.Timeout,
		ParentCategory: cfg.Transport.ParentCategory,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	gw.SetHandler(sessions)

	sw, err := sweeper.New(sessions, cfg.Sessions.SweepInterval)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize sweeper: %w", err)
	}

	apiServer := api.NewServer(api.Deps{
		Store:       store,
		Sweeper:     sw,
		Connections: gw.Registry(),
		CacheSize:   api.CounterFunc(cache.Len),
		Token:       token,
	})
	apiServer.Mount("GET /ws", http.HandlerFunc(gw.HandleWebSocket))
	apiServer.Mount("POST /attachments/{user}/{filename}", http.HandlerFunc(gw.HandleUpload))
	if local, ok := files.(*storage.LocalStore); ok {
		apiServer.Mount("GET "+storage.FilesPrefix, local.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		gateway:    gw,
		sessions:   sessions,
		sweeper:    sw,
		apiServer:  apiServer,
		httpServer: httpServer,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins serving. It returns once the listener is bound and the
// background loops are running.
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	if err := app.sweeper.Start(ctx); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	go app.limiterCleanupLoop()

	logger.Info().
		Str("addr", listener.Addr().String()).
		Str("parent_category", app.config.Transport.ParentCategory).
		Dur("session_timeout", app.config.Sessions.Timeout).
		Msg("chunkrelay started")
	return nil
}

// limiterCleanupLoop drops rate limiter state for users that went quiet.
func (app *Application) limiterCleanupLoop() {
	defer app.wg.Done()

	ticker := time.NewTicker(app.config.Sessions.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := app.gateway.CleanupLimiter(app.config.Sessions.SweepInterval); n > 0 {
				logger.Debug().Int("removed", n).Msg("pruned idle rate limiters")
			}
		case <-app.stopCh:
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP, gateway, sweeper,
// store. Errors are logged and the first one returned.
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		logger.Info().Msg("shutting down chunkrelay")

		if err := app.httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			errs = append(errs, err)
		}

		// Waits for in-flight events, which may still reach the store.
		if err := app.gateway.Close(); err != nil {
			logger.Error().Err(err).Msg("gateway shutdown error")
			errs = append(errs, err)
		}

		if app.sweeper.IsRunning() {
			if err := app.sweeper.Stop(); err != nil {
				logger.Error().Err(err).Msg("sweeper shutdown error")
				errs = append(errs, err)
			}
		}

		close(app.stopCh)
		app.wg.Wait()

		if err := app.store.Close(); err != nil {
			logger.Error().Err(err).Msg("database shutdown error")
			errs = append(errs, err)
		}

		logger.Info().Msg("chunkrelay shutdown complete")
	})
	return errors.Join(errs...)
}

// Addr returns the bound address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func (app *Application) Sessions() *session.Manager { return app.sessions }
