package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// Instance tags every row with the daemon that received it.
	Instance string

	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// notificationRow represents a row for the channel_notifications table.
type notificationRow struct {
	Instance   string
	Channel    string
	Epoch      int64
	ExchangeTs int64 // Microseconds, 0 when the payload carries no timestamp
	ReceivedAt int64 // Microseconds
	Payload    []byte
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// Recorder receives per-batch measurements.
type Recorder interface {
	BatchWritten(rows int, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) BatchWritten(int, time.Duration, error) {}

// batchSender is the subset of *pgxpool.Pool the writer uses.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
