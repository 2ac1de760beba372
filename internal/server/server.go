// Package server assembles the HTTP surface and the component graph
// behind it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genieops/teams-genie-bot/internal/bot"
	appconfig "github.com/genieops/teams-genie-bot/internal/config"
	"github.com/genieops/teams-genie-bot/internal/genie"
	"github.com/genieops/teams-genie-bot/internal/monitoring"
	"github.com/genieops/teams-genie-bot/internal/orchestrator"
	"github.com/genieops/teams-genie-bot/internal/store"
	"github.com/genieops/teams-genie-bot/pkg/httpmiddleware"
	"github.com/genieops/teams-genie-bot/pkg/logger"
	"github.com/genieops/teams-genie-bot/pkg/metrics"
)

// ActivityHandler processes one inbound activity.
type ActivityHandler interface {
	HandleActivity(ctx context.Context, activity *bot.Activity) error
}

// ActivityAuthenticator validates inbound request identity.
type ActivityAuthenticator interface {
	Authenticate(ctx context.Context, authHeader string) error
}

// Deps are the collaborators the HTTP layer drives. Auth may be nil
// to disable activity authentication.
type Deps struct {
	Adapter ActivityHandler
	Auth    ActivityAuthenticator
	Monitor *monitoring.HealthMonitor
	Metrics *metrics.Metrics
}

// Server owns the HTTP listeners and background workers.
type Server struct {
	cfg    *appconfig.AppConfig
	log    logger.Logger
	deps   Deps
	router chi.Router

	httpServer      *http.Server
	metricsShutdown func()
	orch            *orchestrator.Orchestrator

	// activityTimeout bounds background processing of one activity.
	activityTimeout time.Duration

	wg       sync.WaitGroup
	cancelBg context.CancelFunc
}

// New creates a server over pre-built collaborators.
func New(cfg *appconfig.AppConfig, log logger.Logger, deps Deps) *Server {
	s := &Server{
		cfg:             cfg,
		log:             log,
		deps:            deps,
		activityTimeout: cfg.Databricks.PollTimeout + time.Minute,
	}
	s.router = s.buildRouter()
	return s
}

// NewFromConfig builds the full component graph from configuration.
func NewFromConfig(ctx context.Context, cfg *appconfig.AppConfig, log logger.Logger) (*Server, error) {
	m := metrics.NewMetrics(true, true, log)

	tokens := genie.NewTokenProvider(genie.TokenConfig{
		TenantID:     cfg.Databricks.TenantID,
		ClientID:     cfg.Databricks.ClientID,
		ClientSecret: cfg.Databricks.ClientSecret,
	}, log, &m)

	client := genie.NewClient(genie.ClientConfig{
		Host:           cfg.Databricks.NormalizedHost(),
		SpaceID:        cfg.Databricks.GenieSpaceID,
		RequestTimeout: cfg.Databricks.RequestTimeout,
		MaxRetries:     cfg.Databricks.MaxRetries,
		Poll: genie.PollPolicy{
			Initial:    cfg.Databricks.PollInitialInterval,
			Multiplier: 2,
			Max:        cfg.Databricks.PollMaxInterval,
		},
		PollTimeout: cfg.Databricks.PollTimeout,
	}, tokens, log)

	bindings, err := buildBindingStore(ctx, cfg.Session)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(client, orchestrator.Config{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		MaxTurns:      cfg.Session.MaxTurns,
	}, bindings, log, &m)
	if err := orch.Restore(ctx); err != nil {
		log.Warn("Could not restore session bindings", logger.ErrorField(err))
	}

	connector := bot.NewConnector(bot.ConnectorConfig{
		AppID:       cfg.Teams.AppID,
		AppPassword: cfg.Teams.AppPassword,
		TenantID:    cfg.Teams.AppTenantID,
	}, log)

	adapter := bot.NewAdapter(orch, client, connector, log)

	var auth ActivityAuthenticator
	if cfg.Teams.DisableAuth {
		log.Warn("Activity authentication is DISABLED; use only with a local emulator")
	} else {
		auth = bot.NewAuthenticator(cfg.Teams.AppID, cfg.Teams.AppTenantID)
	}

	monitor := monitoring.NewHealthMonitor(monitoring.Config{
		Logger:           log,
		DatabricksHost:   cfg.Databricks.NormalizedHost(),
		Timeout:          cfg.Monitoring.HealthCheckTimeout,
		FailureThreshold: 3,
	})

	s := New(cfg, log, Deps{
		Adapter: adapter,
		Auth:    auth,
		Monitor: monitor,
		Metrics: &m,
	})
	s.orch = orch
	return s, nil
}

func buildBindingStore(ctx context.Context, cfg appconfig.SessionConfig) (*store.BindingStore, error) {
	switch cfg.Store {
	case "local":
		return store.NewBindingStore(store.NewLocalProvider(cfg.LocalPath)), nil
	case "s3":
		provider, err := store.NewS3ProviderFromEnv(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("building S3 session store: %w", err)
		}
		return store.NewBindingStore(provider), nil
	default:
		return nil, nil
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	mwConfig := httpmiddleware.DefaultConfig()
	mwConfig.Timeout = s.activityTimeout
	mwConfig.Logger = s.log
	mwConfig.EnableLogging = true
	httpmiddleware.ApplyToRouter(r, mwConfig)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.HTTPMiddleware)
	}

	r.Post("/api/messages", s.messagesHandler)
	r.Get("/api/health", s.healthHandler)
	r.Get("/", s.statusPageHandler)

	if s.deps.Monitor != nil {
		r.Get("/health/live", s.deps.Monitor.LivenessHandler())
		r.Get("/health/ready", s.deps.Monitor.ReadinessHandler())
	}

	return r
}

// Router exposes the assembled handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run starts the listeners and blocks until ctx is cancelled or a
// termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	s.cancelBg = cancelBg

	if s.orch != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.orch.Run(bgCtx)
		}()
	}

	if s.deps.Metrics != nil && s.cfg.Monitoring.MetricsEnabled {
		shutdown, errChan := s.deps.Metrics.Listen(s.cfg.Monitoring.MetricsPort)
		s.metricsShutdown = shutdown
		go func() {
			if err := <-errChan; err != nil {
				s.log.Error("Metrics listener failed", logger.ErrorField(err))
			}
		}()
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening",
			logger.IntField("port", s.cfg.Port),
			logger.StringField("service", s.cfg.ServiceName))
		errChan <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		cancelBg()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		s.log.Info("Shutdown signal received")
		return s.shutdown()
	}
}

// shutdown drains the HTTP server, waits for in-flight activities and
// stops background workers.
func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}
	if s.metricsShutdown != nil {
		s.metricsShutdown()
	}

	s.cancelBg()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.log.Warn("Timed out waiting for in-flight activities")
	}

	s.log.Info("Server stopped")
	return firstErr
}
