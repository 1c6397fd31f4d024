package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/deribit-session/internal/api"
	"github.com/rickgao/deribit-session/internal/config"
	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/database"
	"github.com/rickgao/deribit-session/internal/metrics"
	"github.com/rickgao/deribit-session/internal/poller"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/router"
	"github.com/rickgao/deribit-session/internal/session"
	"github.com/rickgao/deribit-session/internal/version"
	"github.com/rickgao/deribit-session/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/session.local.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("session daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting session daemon",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Venue.WSURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := m.BuildInfo(version.Version, version.Commit); err != nil {
		return fmt.Errorf("register build info: %w", err)
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	if creds == nil {
		logger.Info("no credentials configured, private channels unavailable")
	}

	limiter := ratelimit.New(cfg.Limiter())
	if err := m.WatchBucket(limiter); err != nil {
		return fmt.Errorf("register limiter metrics: %w", err)
	}

	// Components below are stopped explicitly, in order, after a signal.
	background := context.WithoutCancel(ctx)

	// Optional persistence
	var (
		db   pinger
		sink *router.Sink
		nw   *writer.NotificationWriter
	)
	var target router.Target = router.TargetFunc(func(router.Notification) {})
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database, cfg.Instance.ID)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		if err := m.WatchPool(pool); err != nil {
			return fmt.Errorf("register pool metrics: %w", err)
		}
		logger.Info("database connected")

		nw = writer.NewNotificationWriter(writer.WriterConfig{
			Instance:      cfg.Instance.ID,
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, pool, m, logger)
		sinkCfg := router.DefaultSinkConfig()
		sinkCfg.MaxPending = cfg.Writer.BufferSize
		sinkCfg.BatchSize = cfg.Writer.BatchSize
		sink = router.NewSink(sinkCfg, nw, logger)
		if err := m.WatchSink("postgres", sink); err != nil {
			return fmt.Errorf("register sink metrics: %w", err)
		}

		if err := nw.Start(background); err != nil {
			return err
		}
		if err := sink.Start(background); err != nil {
			return err
		}
		db = pool
		target = sink
	}

	clientCfg := cfg.Client(version.UserAgent())
	opts := []session.Option{
		session.WithLimiter(limiter),
		session.WithTelemetry(m),
	}
	if creds != nil {
		opts = append(opts, session.WithCredentials(creds))
	}
	sess := session.New(cfg.Session(), func() connection.Client {
		return connection.NewClient(clientCfg, logger)
	}, logger, opts...)

	if err := sess.Start(background); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	client := api.NewClient(sess, api.WithLogger(logger), api.WithTimeout(cfg.RPC.CallTimeout))

	var snapshots *poller.Poller
	if len(cfg.Snapshots.Instruments) > 0 {
		snapshots = poller.New(cfg.Poller(), client, target, logger)
		if err := m.WatchPoller(snapshots); err != nil {
			return fmt.Errorf("register poller metrics: %w", err)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHealthHandler(sess, db, metrics.Handler(reg), cfg.Metrics.Path, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return watchEvents(gctx, sess.Events(), logger)
	})
	g.Go(func() error {
		if err := bootstrap(gctx, cfg, sess, client, creds != nil, target, logger); err != nil {
			return err
		}
		if snapshots != nil {
			return snapshots.Start(background)
		}
		return nil
	})

	logger.Info("session daemon running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown or a fatal session error
	<-gctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the HTTP server first so every errgroup goroutine has returned
	// before the components they use are stopped.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown failed", "error", err)
	}
	runErr := g.Wait()

	if snapshots != nil {
		if err := snapshots.Stop(shutdownCtx); err != nil {
			logger.Warn("snapshot poller stop failed", "error", err)
		}
	}
	if creds != nil {
		if err := sess.Logout(shutdownCtx, false); err != nil {
			logger.Warn("logout failed", "error", err)
		}
	}
	if err := sess.Stop(shutdownCtx); err != nil {
		logger.Warn("session stop failed", "error", err)
	}
	if sink != nil {
		if err := sink.Stop(shutdownCtx); err != nil {
			logger.Warn("sink stop failed", "error", err)
		}
	}
	if nw != nil {
		if err := nw.Stop(shutdownCtx); err != nil {
			logger.Warn("writer stop failed", "error", err)
		}
	}

	logger.Info("session daemon stopped")
	return runErr
}

// bootstrap checks the venue clock, authenticates when credentials exist and
// subscribes the configured channels.
func bootstrap(ctx context.Context, cfg *config.Config, sess *session.Session, client *api.Client, authenticate bool, target router.Target, logger *slog.Logger) error {
	venueTime, err := client.GetTime(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("venue time check failed", "error", err)
	} else {
		logger.Info("venue reachable", "clock_skew", time.Since(venueTime).Round(time.Millisecond))
	}

	if authenticate && !cfg.Auth.AuthenticateOnConnect {
		state, err := sess.Authenticate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("authenticate: %w", err)
		}
		logger.Info("authenticated", "scope", state.Scope, "expires_at", state.ExpiresAt)
	}

	if len(cfg.Subscriptions.Channels) == 0 {
		return nil
	}
	if err := sess.Subscribe(ctx, target, cfg.Subscriptions.Channels...); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Info("subscribed", "channels", len(cfg.Subscriptions.Channels))
	return nil
}

// watchEvents logs lifecycle events and returns an error once the session
// fails permanently.
func watchEvents(ctx context.Context, events <-chan session.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.Type {
			case session.EventFatal:
				return fmt.Errorf("%w: %v", session.ErrFatal, e.Err)
			case session.EventReplayFailed, session.EventAuthFailed:
				logger.Warn("session event", "type", e.Type, "epoch", e.Epoch, "channel", e.Channel, "error", e.Err)
			default:
				logger.Debug("session event", "type", e.Type, "epoch", e.Epoch, "reason", e.Reason)
			}
		}
	}
}
