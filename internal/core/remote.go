// Package core wires the remote-control service together and owns its
// lifecycle.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/e7canasta/orion-remote/internal/auth"
	"github.com/e7canasta/orion-remote/internal/capture"
	"github.com/e7canasta/orion-remote/internal/config"
	"github.com/e7canasta/orion-remote/internal/control"
	"github.com/e7canasta/orion-remote/internal/dispatch"
	"github.com/e7canasta/orion-remote/internal/emitter"
	"github.com/e7canasta/orion-remote/internal/host"
	"github.com/e7canasta/orion-remote/internal/hub"
	"github.com/e7canasta/orion-remote/internal/keys"
)

const tokenIssuer = "orion-remote"

// ErrAlreadyRunning is returned by a second Run
var ErrAlreadyRunning = errors.New("core: service is already running")

// ErrShutdown is returned by Run once Shutdown has completed; a Remote is
// not restartable
var ErrShutdown = errors.New("core: service was shut down")

// Remote is the service orchestrator
type Remote struct {
	cfg *config.Config

	// Core components
	redis      *redis.Client // nil with the file store
	store      auth.CredentialStore
	authority  *auth.Authority
	supervisor *capture.Supervisor
	registry   *dispatch.Registry
	handler    *control.Handler
	hub        *hub.Hub
	emitter    *emitter.MQTTEmitter // nil without a broker
	server     *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	shutdown  bool
	addr      net.Addr
	ready     chan struct{}
	cancelRun context.CancelFunc
}

// NewRemote builds every component from cfg. Nothing is started.
func NewRemote(cfg *config.Config) (*Remote, error) {
	r := &Remote{
		cfg:      cfg,
		registry: dispatch.NewRegistry(),
		ready:    make(chan struct{}),
	}

	hasher, err := auth.NewHasher(auth.DefaultHasherConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create password hasher: %w", err)
	}

	switch cfg.Auth.Store {
	case "redis":
		r.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Auth.Redis.Addr,
			Password: cfg.Auth.Redis.Password,
			DB:       cfg.Auth.Redis.DB,
		})
		r.store = auth.NewRedisStore(r.redis, cfg.Auth.Redis.KeyPrefix)
	default:
		r.store = auth.NewFileStore(cfg.Auth.CredentialsPath)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.TokenSecret, tokenIssuer, cfg.Auth.TokenTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	r.authority, err = auth.NewAuthority(auth.AuthorityConfig{
		MasterCode: cfg.Auth.MasterCode,
		Store:      r.store,
		Hasher:     hasher,
		Tokens:     tokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session authority: %w", err)
	}

	catalog := capture.NewCatalog(capture.CatalogConfig{
		Backend:              cfg.Capture.Backend,
		FfmpegPath:           cfg.Capture.FfmpegPath,
		MacAvFoundationInput: cfg.Capture.MacAvFoundationInput,
		MacScreenInput:       cfg.Capture.MacScreenInput,
		LinuxVideoDevice:     cfg.Capture.LinuxVideoDevice,
		LinuxDisplay:         cfg.Capture.LinuxDisplay,
	})
	r.supervisor = capture.NewSupervisor(catalog, capture.SupervisorConfig{
		HealthWindow:  cfg.Capture.HealthCheckWindow(),
		MaxFrameBytes: cfg.Capture.MaxFrameBytes,
		Width:         cfg.Capture.Width,
		Height:        cfg.Capture.Height,
	})

	var auditor control.Auditor
	if cfg.MQTT.Broker != "" {
		r.emitter = emitter.NewMQTTEmitter(cfg.MQTT, cfg.InstanceID)
		auditor = r.emitter
	}

	var keySources control.KeySourceFactory
	if cfg.Keylog.Command != "" {
		keySources = keys.Factory(keys.Config{Command: cfg.Keylog.Command, Args: cfg.Keylog.Args})
	}

	r.handler, err = control.NewHandler(control.Config{
		FrameRate:     cfg.Capture.FrameRate,
		WebcamFPS:     cfg.Capture.WebcamFPS,
		ProofDuration: cfg.Capture.ProofDuration(),
		BatchPace:     cfg.Capture.BatchPace(),
	}, control.Deps{
		Authority: r.authority,
		Registry:  r.registry,
		Capture:   r.supervisor,
		Processes: host.New(host.Config{}),
		Keys:      keySources,
		Auditor:   auditor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create control handler: %w", err)
	}

	r.hub = hub.New(hub.Config{
		WriteTimeout:   cfg.Server.WriteTimeout(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, r.handler)

	mux := http.NewServeMux()
	mux.Handle("/hub", r.hub)
	mux.HandleFunc("/health", r.LivenessHandler)
	mux.HandleFunc("/readiness", r.ReadinessHandler)
	mux.HandleFunc("/metrics", r.MetricsHandler)

	// no WriteTimeout: /hub connections are long-lived
	r.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("remote service configured",
		"instance_id", cfg.InstanceID,
		"listen", cfg.Server.Listen,
		"store", cfg.Auth.Store,
		"capture_backend", cfg.Capture.Backend,
		"resume_tokens", tokens != nil,
		"keylog", cfg.Keylog.Command != "",
		"mqtt", cfg.MQTT.Broker != "",
	)

	return r, nil
}

// Run loads the credential store, binds the listener and serves until ctx
// is cancelled
func (r *Remote) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	if r.isRunning {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.isRunning = true
	r.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	r.cancelRun = cancel
	r.mu.Unlock()
	defer cancel()

	if err := r.store.Load(ctx); err != nil {
		return fmt.Errorf("failed to load credential store: %w", err)
	}
	if registered, err := r.authority.AnyRegistered(ctx); err == nil && !registered {
		slog.Info("no users registered, a setup code is required for the first registration")
	}

	ln, err := net.Listen("tcp", r.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", r.cfg.Server.Listen, err)
	}

	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()
	close(r.ready)

	serveErr := make(chan error, 1)
	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("remote service listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/hub", "/health", "/readiness", "/metrics"},
	)

	if r.emitter != nil {
		// paho keeps retrying in the background; audit is best effort
		if err := r.emitter.Connect(ctx); err != nil {
			slog.Warn("mqtt not connected at startup", "error", err, "broker", r.cfg.MQTT.Broker)
		}

		r.wg.Add(2)
		go func() {
			defer r.wg.Done()
			r.emitter.Run(ctx)
		}()
		go func() {
			defer r.wg.Done()
			r.publishHealth(ctx, r.cfg.MQTT.HealthInterval())
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("remote service run loop exiting")
		return nil
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Addr blocks until Run has bound its listener and returns the address
func (r *Remote) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-r.ready:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// publishHealth sends a health snapshot to MQTT every interval
func (r *Remote) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(r.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health snapshot", "error", err)
				continue
			}
			if err := r.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health snapshot not published", "error", err)
			}
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (r *Remote) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancelRun
	r.mu.Unlock()

	slog.Info("shutting down remote service")

	var errs []error

	// Shutdown sequence:
	// 1. Close controller connections (sessions stop their streams and key loggers)
	if err := r.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	// 2. Stop accepting HTTP requests
	if err := r.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	// 3. Drop whatever sessions are left and close the registry
	r.handler.Close()
	r.registry.Close()

	// 4. Stop all captures
	if err := r.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("capture: %w", err))
	}

	// 5. Stop background loops, then disconnect MQTT
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	if r.emitter != nil {
		if err := r.emitter.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}

	// 6. Close the credential store connection
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	r.mu.Lock()
	uptime := time.Since(r.started)
	r.isRunning = false
	r.shutdown = true
	r.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		slog.Error("remote service shutdown incomplete", "error", err)
		return err
	}

	slog.Info("remote service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (r *Remote) ShutdownTimeout() time.Duration {
	return r.cfg.ShutdownTimeout()
}
