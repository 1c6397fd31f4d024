package writer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/deribit-session/internal/router"
)

const insertNotification = `
	INSERT INTO channel_notifications (instance, channel, epoch, exchange_ts, received_at, payload)
	VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6)
	ON CONFLICT (instance, channel, received_at) DO NOTHING
`

// NotificationWriter persists subscription notifications. It is a
// router.BatchTarget and is meant to sit behind a router.Sink, which calls
// it from a single goroutine.
type NotificationWriter struct {
	cfg      WriterConfig
	logger   *slog.Logger
	db       batchSender
	recorder Recorder

	// Batching
	batch   []notificationRow
	batchMu sync.Mutex
	flushMu sync.Mutex // Serializes flushes so batches land in order

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewNotificationWriter creates a new NotificationWriter. db is usually a
// *pgxpool.Pool; recorder may be nil.
func NewNotificationWriter(cfg WriterConfig, db batchSender, recorder Recorder, logger *slog.Logger) *NotificationWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &NotificationWriter{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		recorder: recorder,
		batch:    make([]notificationRow, 0, cfg.BatchSize),
	}
}

// Start begins the periodic flush loop.
func (w *NotificationWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("notification writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still batched.
func (w *NotificationWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping notification writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("notification writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	if err := w.flush(ctx); err != nil {
		return err
	}
	w.logger.Info("notification writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *NotificationWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// Notify batches a single notification.
func (w *NotificationWriter) Notify(n router.Notification) {
	w.NotifyBatch([]router.Notification{n})
}

// NotifyBatch batches notifications and flushes once BatchSize is reached.
func (w *NotificationWriter) NotifyBatch(ns []router.Notification) {
	w.batchMu.Lock()
	for _, n := range ns {
		w.batch = append(w.batch, w.transform(n))
	}
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.context())
	}
}

func (w *NotificationWriter) context() context.Context {
	if w.ctx == nil {
		return context.Background()
	}
	return w.ctx
}

// flushLoop periodically flushes the batch.
func (w *NotificationWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// transform converts a notification to a row.
func (w *NotificationWriter) transform(n router.Notification) notificationRow {
	payload := []byte(n.Data)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	return notificationRow{
		Instance:   w.cfg.Instance,
		Channel:    n.Channel,
		Epoch:      int64(n.Epoch),
		ExchangeTs: exchangeTimestamp(n.Data),
		ReceivedAt: n.ReceivedAt.UnixMicro(),
		Payload:    payload,
	}
}

// flush writes the current batch to the database.
func (w *NotificationWriter) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]notificationRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	w.recorder.BatchWritten(len(batch), time.Since(start), err)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return err
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed notifications",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *NotificationWriter) batchInsert(ctx context.Context, rows []notificationRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, errors.New("no database configured")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertNotification, r.Instance, r.Channel, r.Epoch, r.ExchangeTs, r.ReceivedAt, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// exchangeTimestamp extracts the venue timestamp (milliseconds) from a
// notification payload and returns it in microseconds. Array payloads use
// their latest element.
func exchangeTimestamp(data json.RawMessage) int64 {
	type stamped struct {
		Timestamp int64 `json:"timestamp"`
	}

	var one stamped
	if err := json.Unmarshal(data, &one); err == nil {
		return one.Timestamp * 1000
	}

	var many []stamped
	if err := json.Unmarshal(data, &many); err != nil {
		return 0
	}
	var latest int64
	for _, s := range many {
		latest = max(latest, s.Timestamp)
	}
	return latest * 1000
}
