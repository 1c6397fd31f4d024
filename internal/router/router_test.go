package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingTarget struct {
	mu      sync.Mutex
	got     []Notification
	batches int
	block   chan struct{}
}

func (r *recordingTarget) Notify(n Notification) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingTarget) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, n := range r.got {
		out[i] = n.Channel
	}
	return out
}

type batchTarget struct {
	recordingTarget
}

func (b *batchTarget) NotifyBatch(batch []Notification) {
	b.mu.Lock()
	b.batches++
	b.got = append(b.got, batch...)
	b.mu.Unlock()
}

func notification(i int) Notification {
	return Notification{
		Channel:    fmt.Sprintf("ticker.%d", i),
		Data:       json.RawMessage(`{}`),
		Epoch:      1,
		ReceivedAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSink_DeliversInOrder(t *testing.T) {
	target := &recordingTarget{}
	sink := NewSink(DefaultSinkConfig(), target, nil)
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		sink.Notify(notification(i))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sink.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got := target.channels()
	if len(got) != 50 {
		t.Fatalf("delivered %d notifications, want 50", len(got))
	}
	for i, ch := range got {
		if want := fmt.Sprintf("ticker.%d", i); ch != want {
			t.Errorf("got[%d] = %s, want %s", i, ch, want)
		}
	}
	if s := sink.Stats(); s.Delivered != 50 {
		t.Errorf("Delivered = %d, want 50", s.Delivered)
	}
}

func TestSink_NotifyNeverBlocks(t *testing.T) {
	target := &recordingTarget{block: make(chan struct{})}
	cfg := DefaultSinkConfig()
	cfg.MaxPending = 10
	sink := NewSink(cfg, target, nil)
	sink.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sink.Notify(notification(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled target")
	}

	close(target.block)
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink.Stop(stopCtx)

	if s := sink.Stats(); s.Dropped == 0 {
		t.Error("expected drops with a stalled target and MaxPending 10")
	}
}

func TestSink_BatchTarget(t *testing.T) {
	target := &batchTarget{}
	cfg := DefaultSinkConfig()
	cfg.BatchSize = 10
	sink := NewSink(cfg, target, nil)

	// Queue before starting so the first Pop sees a full backlog.
	for i := 0; i < 25; i++ {
		sink.Notify(notification(i))
	}
	sink.Start(context.Background())

	waitFor(t, func() bool { return len(target.channels()) == 25 })

	target.mu.Lock()
	batches := target.batches
	target.mu.Unlock()
	if batches != 3 {
		t.Errorf("batches = %d, want 3", batches)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink.Stop(stopCtx)
}

func TestSink_NotifyAfterStop(t *testing.T) {
	sink := NewSink(DefaultSinkConfig(), &recordingTarget{}, nil)
	sink.Start(context.Background())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink.Stop(stopCtx)

	sink.Notify(notification(1))
	if s := sink.Stats(); s.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped)
	}
}

func TestFanout(t *testing.T) {
	a, b := &recordingTarget{}, &recordingTarget{}
	var calls int
	f := Fanout{a, b, TargetFunc(func(Notification) { calls++ })}

	f.Notify(notification(7))

	if len(a.channels()) != 1 || len(b.channels()) != 1 || calls != 1 {
		t.Errorf("fanout delivered a=%d b=%d func=%d, want 1 each", len(a.channels()), len(b.channels()), calls)
	}
}
