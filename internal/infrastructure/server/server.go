// Package server wires configuration, storage, stores, the worker
// supervisor, the dispatcher and the API into one runnable daemon.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/agentdeck/agentdeck/internal/api/http"
	"github.com/agentdeck/agentdeck/internal/api/middleware"
	"github.com/agentdeck/agentdeck/internal/api/ws"
	"github.com/agentdeck/agentdeck/internal/dispatch"
	"github.com/agentdeck/agentdeck/internal/domain/approval"
	"github.com/agentdeck/agentdeck/internal/domain/message"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/infrastructure/config"
	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/infrastructure/monitoring"
	"github.com/agentdeck/agentdeck/internal/notify"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// Server is the assembled daemon.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *config.Config
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	store      *storage.Store
	sup        *supervisor.Supervisor
	dispatcher *dispatch.Dispatcher
	orch       *orchestrator.Orchestrator
	hub        *ws.Hub

	sweepCancel context.CancelFunc
}

// NewServer builds the full dependency graph from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	var err error
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger, err = logging.New(logging.Config{Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	logger.Info("initializing agentdeck daemon",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port),
		zap.String("db", cfg.Storage.Path))

	metrics := monitoring.NewMetrics()

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	sessions := session.NewStore(store, logger)
	messages := message.NewStore()
	queue := message.NewQueue()
	approvals := approval.NewStore()

	workerBin, err := resolveWorkerBin(cfg.Worker.BinPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sup := supervisor.New(supervisor.Options{
		BinPath: workerBin,
		Logger:  logger,
		Metrics: metrics,
	})

	orch := orchestrator.New(orchestrator.Options{
		Sessions:       sessions,
		Messages:       messages,
		Queue:          queue,
		Approvals:      approvals,
		Workers:        sup,
		Storage:        store,
		Logger:         logger,
		Metrics:        metrics,
		TimeoutCeiling: cfg.Session.TimeoutCeiling,
		SweepInterval:  cfg.Session.SweepInterval,
	})

	hub := ws.NewHub(logger, metrics)

	var notifier dispatch.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger)
		logger.Info("webhook notifications enabled")
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Sessions:  sessions,
		Messages:  messages,
		Queue:     queue,
		Approvals: approvals,
		Persist:   store,
		Sender:    orch,
		Publisher: hub,
		Notifier:  notifier,
		Logger:    logger,
		Metrics:   metrics,
	})

	if err := orch.Bootstrap(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.GinMiddleware())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(orch, logger)
	handlers.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stream", hub.HandleConnection)

	logger.Info("daemon initialized")
	return &Server{
		router:     router,
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		sup:        sup,
		dispatcher: dispatcher,
		orch:       orch,
		hub:        hub,
	}, nil
}

// Run starts the dispatcher, the timeout sweep and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Run() error {
	go s.dispatcher.Run(s.sup.Events())

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.orch.RunTimeoutSweep(sweepCtx)

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("listening", zap.String("addr", addr))
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts the daemon down: stop accepting requests, kill workers,
// drain the dispatcher, then close the database.
func (s *Server) Close() error {
	s.logger.Info("shutting down")

	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}

	// Closing the supervisor ends the event stream, which lets the
	// dispatcher finish applying everything already read.
	s.sup.Close()
	<-s.dispatcher.Done()
	s.hub.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	s.logger.Info("shutdown complete")
	_ = s.logger.Sync()
	return nil
}

// resolveWorkerBin locates the worker executable: explicit config first,
// then PATH, then a sibling of the daemon binary.
func resolveWorkerBin(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path, err := exec.LookPath("agentdeck-worker"); err == nil {
		return path, nil
	}
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "agentdeck-worker")
		if _, serr := os.Stat(sibling); serr == nil {
			return sibling, nil
		}
	}
	return "", fmt.Errorf("agentdeck-worker binary not found; set worker.bin_path")
}
