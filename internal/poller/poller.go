package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/deribit-session/internal/api"
	"github.com/rickgao/deribit-session/internal/router"
)

// ChannelPrefix prefixes the channel name of every snapshot notification.
const ChannelPrefix = "snapshot.book."

// BookSource fetches order books. *api.Client implements it.
type BookSource interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (*api.OrderBook, error)
}

// Config holds poller configuration.
type Config struct {
	Instruments []string
	Interval    time.Duration // Poll interval (default: 15m)
	Depth       int           // Levels per side, 0 for the venue default
	Concurrency int           // Max concurrent requests (default: 4)
	Timeout     time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Cycles  int64
	Fetched int64
	Errors  int64
}

// Poller periodically fetches order book snapshots.
type Poller struct {
	cfg    Config
	source BookSource
	target router.Target
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles  atomic.Int64
	fetched atomic.Int64
	errors  atomic.Int64
}

// New creates a new Poller.
func New(cfg Config, source BookSource, target router.Target, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:    cfg,
		source: source,
		target: target,
		logger: logger.With("component", "poller"),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("snapshot poller started",
		"instruments", len(p.cfg.Instruments),
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("snapshot poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Fetched: p.fetched.Load(),
		Errors:  p.errors.Load(),
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.pollAll(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(p.ctx)
		}
	}
}

// pollAll fetches every configured instrument with bounded concurrency.
// One failed instrument does not abort the cycle.
func (p *Poller) pollAll(ctx context.Context) {
	if len(p.cfg.Instruments) == 0 {
		p.logger.Debug("no instruments to poll")
		return
	}
	start := time.Now()
	var fetched, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, instrument := range p.cfg.Instruments {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := p.pollInstrument(ctx, instrument); err != nil {
				p.logger.Warn("failed to poll instrument",
					"instrument", instrument,
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	g.Wait()

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())
	p.cycles.Add(1)

	p.logger.Info("poll cycle complete",
		"instruments", len(p.cfg.Instruments),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollInstrument fetches one order book and delivers it as a notification.
func (p *Poller) pollInstrument(ctx context.Context, instrument string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	book, err := p.source.GetOrderBook(ctx, instrument, p.cfg.Depth)
	if err != nil {
		return err
	}
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if p.target != nil {
		p.target.Notify(router.Notification{
			Channel:    ChannelPrefix + instrument,
			Data:       data,
			ReceivedAt: time.Now(),
		})
	}
	return nil
}
