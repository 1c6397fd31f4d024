package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// BatchTarget receives notifications in batches. A Sink prefers NotifyBatch
// over Notify when its target implements it.
type BatchTarget interface {
	Target
	NotifyBatch(batch []Notification)
}

// Sink decouples a slow Target from the session. Notify only enqueues; a
// drain goroutine delivers in arrival order.
type Sink struct {
	cfg    SinkConfig
	target Target
	logger *slog.Logger
	queue  *Queue[Notification]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Int64
	rejected  atomic.Int64
}

// NewSink creates a Sink delivering to target.
func NewSink(cfg SinkConfig, target Target, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	return &Sink{
		cfg:    cfg,
		target: target,
		logger: logger,
		queue:  NewQueue[Notification](cfg.InitialCapacity, cfg.MaxPending),
	}
}

// Start begins delivering queued notifications.
func (s *Sink) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.drainLoop()

	s.logger.Debug("notification sink started",
		"initial_capacity", s.cfg.InitialCapacity,
		"max_pending", s.cfg.MaxPending,
	)
	return nil
}

// Stop stops accepting notifications and waits for queued ones to be
// delivered, or for ctx to expire.
func (s *Sink) Stop(ctx context.Context) error {
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Warn("notification sink stop timed out", "pending", s.queue.Len())
		return ctx.Err()
	}
}

// Notify enqueues n. It never blocks.
func (s *Sink) Notify(n Notification) {
	if !s.queue.Push(n) {
		s.rejected.Add(1)
	}
}

// Stats returns current statistics.
func (s *Sink) Stats() SinkStats {
	qs := s.queue.Stats()
	return SinkStats{
		Delivered: s.delivered.Load(),
		Dropped:   qs.Dropped + s.rejected.Load(),
		Queue:     qs,
	}
}

func (s *Sink) drainLoop() {
	defer s.wg.Done()

	batcher, batched := s.target.(BatchTarget)
	for {
		items, ok := s.queue.Pop(s.ctx, s.cfg.BatchSize)
		if !ok {
			return
		}

		if batched {
			batcher.NotifyBatch(items)
		} else {
			for _, n := range items {
				s.target.Notify(n)
			}
		}
		s.delivered.Add(int64(len(items)))
	}
}
