package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/deribit-session/internal/router"
)

// fakeDB records queued statements and answers each with a command tag.
type fakeDB struct {
	mu       sync.Mutex
	batches  [][]*pgx.QueuedQuery
	conflict func(args []any) bool
	err      error
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{db: f, queries: b.QueuedQueries}
}

func (f *fakeDB) rows() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]any
	for _, b := range f.batches {
		for _, q := range b {
			out = append(out, q.Arguments)
		}
	}
	return out
}

func (f *fakeDB) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeResults struct {
	db      *fakeDB
	queries []*pgx.QueuedQuery
	next    int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.db.err != nil {
		return pgconn.CommandTag{}, r.db.err
	}
	q := r.queries[r.next]
	r.next++
	if r.db.conflict != nil && r.db.conflict(q.Arguments) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row { return nil }
func (r *fakeResults) Close() error { return nil }

type recorder struct {
	mu      sync.Mutex
	batches []int
	errs    int
}

func (r *recorder) BatchWritten(rows int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, rows)
	if err != nil {
		r.errs++
	}
}

func note(channel, data string, at time.Time) router.Notification {
	return router.Notification{Channel: channel, Data: json.RawMessage(data), Epoch: 2, ReceivedAt: at}
}

func TestNotificationWriter_Transform(t *testing.T) {
	w := NewNotificationWriter(WriterConfig{Instance: "s1", BatchSize: 10}, nil, nil, nil)

	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	row := w.transform(note("ticker.BTC-PERPETUAL.100ms", `{"timestamp":1705320000123,"last_price":42000.5}`, receivedAt))

	if row.Instance != "s1" {
		t.Errorf("Instance = %q, want s1", row.Instance)
	}
	if row.Channel != "ticker.BTC-PERPETUAL.100ms" {
		t.Errorf("Channel = %q", row.Channel)
	}
	if row.Epoch != 2 {
		t.Errorf("Epoch = %d, want 2", row.Epoch)
	}
	if row.ExchangeTs != 1705320000123000 {
		t.Errorf("ExchangeTs = %d, want 1705320000123000", row.ExchangeTs)
	}
	if row.ReceivedAt != receivedAt.UnixMicro() {
		t.Errorf("ReceivedAt = %d, want %d", row.ReceivedAt, receivedAt.UnixMicro())
	}

	empty := w.transform(router.Notification{Channel: "c", ReceivedAt: receivedAt})
	if string(empty.Payload) != "null" {
		t.Errorf("empty payload = %q, want null", empty.Payload)
	}
}

func TestExchangeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int64
	}{
		{"object", `{"timestamp":1000}`, 1000000},
		{"array uses latest", `[{"timestamp":3},{"timestamp":7},{"timestamp":5}]`, 7000},
		{"no timestamp", `{"price":1}`, 0},
		{"scalar", `"ok"`, 0},
		{"empty", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exchangeTimestamp(json.RawMessage(tt.data)); got != tt.want {
				t.Errorf("exchangeTimestamp(%s) = %d, want %d", tt.data, got, tt.want)
			}
		})
	}
}

func TestNotificationWriter_FlushesAtBatchSize(t *testing.T) {
	db := &fakeDB{}
	rec := &recorder{}
	w := NewNotificationWriter(WriterConfig{Instance: "s1", BatchSize: 3, FlushInterval: time.Hour}, db, rec, nil)

	now := time.Now()
	w.NotifyBatch([]router.Notification{
		note("a", `{}`, now),
		note("b", `{}`, now.Add(time.Microsecond)),
	})
	if db.batchCount() != 0 {
		t.Fatal("flushed before batch size reached")
	}

	w.Notify(note("c", `{}`, now.Add(2*time.Microsecond)))
	if db.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", db.batchCount())
	}

	rows := db.rows()
	if len(rows) != 3 || rows[0][1] != "a" || rows[2][1] != "c" {
		t.Errorf("rows = %v", rows)
	}
	if stats := w.Stats(); stats.Inserts != 3 || stats.Flushes != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(rec.batches) != 1 || rec.batches[0] != 3 {
		t.Errorf("recorded batches = %v", rec.batches)
	}
}

func TestNotificationWriter_CountsConflicts(t *testing.T) {
	db := &fakeDB{conflict: func(args []any) bool { return args[1] == "dup" }}
	w := NewNotificationWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, db, nil, nil)

	now := time.Now()
	w.NotifyBatch([]router.Notification{note("dup", `{}`, now), note("new", `{}`, now)})

	stats := w.Stats()
	if stats.Inserts != 1 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v, want 1 insert 1 conflict", stats)
	}
}

func TestNotificationWriter_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	rec := &recorder{}
	w := NewNotificationWriter(WriterConfig{BatchSize: 1, FlushInterval: time.Hour}, db, rec, nil)

	w.Notify(note("a", `{}`, time.Now()))

	if stats := w.Stats(); stats.Errors != 1 || stats.Inserts != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if rec.errs != 1 {
		t.Errorf("recorded errors = %d, want 1", rec.errs)
	}
}

func TestNotificationWriter_NoDatabase(t *testing.T) {
	w := NewNotificationWriter(WriterConfig{BatchSize: 1}, nil, nil, nil)
	w.Notify(note("a", `{}`, time.Now()))
	if stats := w.Stats(); stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 error", stats)
	}
}

func TestNotificationWriter_PeriodicFlush(t *testing.T) {
	db := &fakeDB{}
	w := NewNotificationWriter(WriterConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop(context.Background())

	w.Notify(note("a", `{}`, time.Now()))

	deadline := time.Now().Add(2 * time.Second)
	for db.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch not flushed by ticker")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotificationWriter_StopFlushesRemainder(t *testing.T) {
	db := &fakeDB{}
	w := NewNotificationWriter(WriterConfig{BatchSize: 100, FlushInterval: time.Hour}, db, nil, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Notify(note("a", `{}`, time.Now()))
	w.Notify(note("b", `{}`, time.Now()))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if got := len(db.rows()); got != 2 {
		t.Errorf("rows after stop = %d, want 2", got)
	}
}

func TestNotificationWriter_BehindSink(t *testing.T) {
	db := &fakeDB{}
	w := NewNotificationWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, db, nil, nil)
	sink := router.NewSink(router.SinkConfig{InitialCapacity: 8, BatchSize: 2}, w, nil)

	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("sink Start() error = %v", err)
	}
	for i := 0; i < 4; i++ {
		sink.Notify(note("c", `{}`, time.Now().Add(time.Duration(i)*time.Microsecond)))
	}
	if err := sink.Stop(context.Background()); err != nil {
		t.Fatalf("sink Stop() error = %v", err)
	}

	if got := len(db.rows()); got != 4 {
		t.Errorf("rows = %d, want 4", got)
	}
}
