// streamtest connects a session to Deribit and prints notifications to the console.
// Usage: go run ./cmd/streamtest --channels book.BTC-PERPETUAL.100ms,trades.BTC-PERPETUAL.100ms
//
// Optional environment variables (required for user.* channels):
//
//	DERIBIT_CLIENT_ID     - API client ID
//	DERIBIT_CLIENT_SECRET - API client secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/deribit-session/internal/api"
	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/config"
	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/router"
	"github.com/rickgao/deribit-session/internal/session"
	"github.com/rickgao/deribit-session/internal/version"
)

func main() {
	configPath := flag.String("config", "", "optional config file; flags override it")
	wsURL := flag.String("url", "", "WebSocket URL (default "+config.DefaultWSURL+")")
	channels := flag.String("channels", "ticker.BTC-PERPETUAL.100ms", "comma-separated channels")
	instrument := flag.String("instrument", "BTC-PERPETUAL", "instrument for the startup order book snapshot")
	verbose := flag.Bool("verbose", false, "print full notification JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *wsURL != "" {
		cfg.Venue.WSURL = *wsURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var opts []session.Option
	creds, err := auth.FromEnv("DERIBIT_CLIENT_ID", "DERIBIT_CLIENT_SECRET")
	switch {
	case err == nil:
		logger.Info("using API credentials", "credentials", creds)
		opts = append(opts, session.WithCredentials(creds))
	case errors.Is(err, auth.ErrMissingClientID):
		logger.Info("no credentials in environment, private channels unavailable")
	default:
		logger.Error("invalid credentials", "error", err)
		os.Exit(1)
	}

	clientCfg := cfg.Client("streamtest/" + version.Version)
	sess := session.New(cfg.Session(), func() connection.Client {
		return connection.NewClient(clientCfg, logger)
	}, logger, opts...)

	if err := sess.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	// Print a one-off snapshot through the RPC wrappers
	client := api.NewClient(sess, api.WithLogger(logger))
	if book, err := client.GetOrderBook(ctx, *instrument, 5); err != nil {
		logger.Warn("order book snapshot failed", "instrument", *instrument, "error", err)
	} else {
		mid, _ := book.Mid()
		logger.Info("order book",
			"instrument", book.InstrumentName,
			"bids", len(book.Bids),
			"asks", len(book.Asks),
			"mid", mid,
		)
	}

	// Console output goes through a sink so printing never stalls the session
	printer := router.NewSink(router.DefaultSinkConfig(), router.TargetFunc(func(n router.Notification) {
		printNotification(n, *verbose)
	}), logger)
	printer.Start(context.WithoutCancel(ctx))

	names := splitChannels(*channels)
	if err := sess.Subscribe(ctx, printer, names...); err != nil {
		logger.Error("subscribe failed", "channels", names, "error", err)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-sess.Events():
				logger.Info("event", "type", e.Type, "epoch", e.Epoch, "reason", e.Reason, "error", e.Err)
			case <-ticker.C:
				st := sess.Stats()
				ps := printer.Stats()
				logger.Info("stats",
					"phase", st.Phase,
					"epoch", st.Epoch,
					"auth", st.Auth,
					"subscriptions", st.ActiveSubscriptions,
					"pending_calls", st.Correlator.Pending,
					"tokens", fmt.Sprintf("%.1f/%.1f", st.Bucket.Available, st.Bucket.EffectiveCapacity),
					"printed", ps.Delivered,
					"dropped", ps.Dropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "channels", names)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := sess.UnsubscribeAll(shutdownCtx); err != nil {
		logger.Warn("unsubscribe failed", "error", err)
	}
	sess.Stop(shutdownCtx)
	printer.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

// loadConfig reads path when set, otherwise returns the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadWithDefaults(path)
	}
	return config.Defaults("streamtest"), nil
}

func splitChannels(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func printNotification(n router.Notification, verbose bool) {
	if verbose {
		fmt.Printf("[%s] epoch=%d %s\n", n.Channel, n.Epoch, n.Data)
		return
	}
	data := string(n.Data)
	if len(data) > 120 {
		data = data[:120] + "..."
	}
	fmt.Printf("[%s] %s\n", n.Channel, data)
}
