// Package daemon assembles the flowforge service: persistence, the status
// bus, the node registry, the durable execution queue, the HTTP API, the
// schedule poller and telemetry.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/flowforge/bus"
	"github.com/petal-labs/flowforge/config"
	"github.com/petal-labs/flowforge/durable"
	"github.com/petal-labs/flowforge/llmprovider"
	"github.com/petal-labs/flowforge/otel"
	"github.com/petal-labs/flowforge/realtime"
	"github.com/petal-labs/flowforge/registry"
	"github.com/petal-labs/flowforge/runtime"
	"github.com/petal-labs/flowforge/server"
	"github.com/petal-labs/flowforge/store"
)

// Options are process-level settings that do not belong in the config file.
type Options struct {
	Logger *slog.Logger

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// SpanExporter overrides the OTLP exporter.
	SpanExporter sdktrace.SpanExporter
}

// Daemon owns every long-lived component of a running service.
type Daemon struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	Store     *store.SQLiteStore
	Events    *bus.SQLiteEventStore
	Bus       bus.Bus
	Registry  *registry.Registry
	Queue     *durable.Queue
	Server    *server.Server
	Scheduler *server.WorkflowScheduler
	Telemetry *otel.Providers

	httpServer *http.Server
	closers    []func() error
	closeOnce  sync.Once
	closeErr   error
}

// New builds a Daemon from cfg. Nothing is started until Run. On error every
// component opened so far is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.Telemetry, err = otel.Setup(ctx, otel.SetupConfig{
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		SpanExporter: opts.SpanExporter,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	d.onClose(func() error { return d.Telemetry.Shutdown(context.Background()) })

	if !store.SecretKeyConfigured(cfg.Security.EncryptionKey) {
		logger.Warn("security.encryption_key not set; credentials are encrypted with a key derived from the local user and host",
			"env", store.SecretKeyEnv)
	}
	d.Store, err = store.NewSQLiteStore(store.SQLiteConfig{
		DSN:       cfg.Database.Path,
		SecretKey: cfg.Security.EncryptionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	d.onClose(d.Store.Close)

	d.Events, err = bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            cfg.Database.Path,
		RetentionAge:   cfg.Database.EventRetention,
		RetentionCount: cfg.Database.MaxEventsPerExecution,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite event store: %w", err)
	}
	d.onClose(d.Events.Close)

	if d.Bus, err = openBus(cfg.Redis, logger); err != nil {
		return nil, err
	}
	d.onClose(d.Bus.Close)

	d.Registry, err = registry.Builtin(registry.Deps{
		HTTPTimeout: cfg.Execution.HTTPTimeout,
		Credentials: d.Store,
		LLMClients:  llmprovider.NewClient,
	})
	if err != nil {
		return nil, fmt.Errorf("building node registry: %w", err)
	}

	orch, err := runtime.New(runtime.Config{
		Workflows:    d.Store,
		Executions:   d.Store,
		Executors:    d.Registry,
		Publisher:    bus.MultiPublisher{d.Bus, bus.NewRecorder(d.Events, logger)},
		Sequence:     d.Events,
		EventHandler: d.Telemetry.EventHandler(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	engine, err := durable.NewEngine(orch.Run, durable.EngineConfig{
		Steps:          d.Store,
		MaxAttempts:    cfg.Execution.MaxAttempts,
		InitialBackoff: cfg.Execution.InitialBackoff,
		MaxBackoff:     cfg.Execution.MaxBackoff,
		OnFailure:      orch.HandleFailure,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating durable engine: %w", err)
	}
	d.Queue = durable.NewQueue(engine, durable.QueueConfig{
		Workers: cfg.Execution.Workers,
		Size:    cfg.Execution.QueueSize,
		Logger:  logger,
	})

	tokens, err := newTokenIssuer(cfg.Security, logger)
	if err != nil {
		return nil, err
	}

	d.Server, err = server.NewServer(server.ServerConfig{
		Workflows:   d.Store,
		Executions:  d.Store,
		Credentials: d.Store,
		Schedules:   d.Store,
		Registry:    d.Registry,
		Queue:       d.Queue,
		Realtime: &realtime.Config{
			Bus:            d.Bus,
			Tokens:         tokens,
			Store:          d.Events,
			OriginPatterns: originPatterns(cfg.Server.CORSOrigin),
			Logger:         logger,
		},
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}

	if cfg.Schedules.Enabled {
		d.Scheduler, err = server.NewWorkflowScheduler(server.WorkflowSchedulerConfig{
			Queue:        d.Queue,
			Store:        d.Store,
			PollInterval: cfg.Schedules.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating workflow scheduler: %w", err)
		}
	}

	d.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      d.Server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return d, nil
}

func openBus(cfg config.RedisConfig, logger *slog.Logger) (bus.Bus, error) {
	if !cfg.Enabled() {
		return bus.NewMemBus(bus.MemBusConfig{}), nil
	}
	b, err := bus.NewRedisBus(bus.RedisBusConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening redis bus: %w", err)
	}
	logger.Info("status bus connected to redis", "addr", cfg.Addr)
	return b, nil
}

// newTokenIssuer signs with the configured secret. Without one a random
// secret is generated, so tokens do not survive a restart.
func newTokenIssuer(cfg config.SecurityConfig, logger *slog.Logger) (*realtime.TokenIssuer, error) {
	secret := strings.TrimSpace(cfg.TokenSecret)
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(buf)
		logger.Warn("security.token_secret not set; realtime tokens are valid for this process only")
	}
	tokens, err := realtime.NewTokenIssuer(secret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	return tokens, nil
}

func originPatterns(corsOrigin string) []string {
	origin := strings.TrimSpace(corsOrigin)
	if origin == "" {
		return nil
	}
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	return []string{origin}
}

func (d *Daemon) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Handler returns the HTTP handler of the API.
func (d *Daemon) Handler() http.Handler {
	return d.httpServer.Handler
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// the HTTP server, the scheduler and the queue. Events already queued are
// processed before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Queue.Run(queueCtx)
	})

	if d.Scheduler != nil {
		if err := d.Scheduler.Start(gctx); err != nil {
			return fmt.Errorf("starting workflow scheduler: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		d.logger.Info("flowforge listening", "addr", d.httpServer.Addr, "tls", d.tlsEnabled())
		if d.tlsEnabled() {
			serveErr <- d.httpServer.ListenAndServeTLS(d.opts.TLSCertFile, d.opts.TLSKeyFile)
		} else {
			serveErr <- d.httpServer.ListenAndServe()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	if d.Scheduler != nil {
		_ = d.Scheduler.Stop(shutdownCtx)
	}

	// Close lets the workers drain the buffer; the timeout cancels them.
	d.Queue.Close()
	go func() {
		<-shutdownCtx.Done()
		stopQueue()
	}()
	if err := g.Wait(); err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		runErr = err
	}
	return runErr
}

func (d *Daemon) tlsEnabled() bool {
	return d.opts.TLSCertFile != "" && d.opts.TLSKeyFile != ""
}

// Close releases every component in reverse order of creation.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		for i := len(d.closers) - 1; i >= 0; i-- {
			if err := d.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
