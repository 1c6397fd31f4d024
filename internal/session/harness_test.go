package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/router"
	"github.com/rickgao/deribit-session/internal/rpc"
)

const testWait = 2 * time.Second

// fakeTransport is an in-memory connection.Client.
type fakeTransport struct {
	connectErr error

	sent     chan []byte
	messages chan connection.TimestampedMessage
	errs     chan error

	mu        sync.Mutex
	connected bool
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:     make(chan []byte, 256),
		messages: make(chan connection.TimestampedMessage, 256),
		errs:     make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return connection.ErrAlreadyClosed
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return connection.ErrNotConnected
	}
	f.sent <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Messages() <-chan connection.TimestampedMessage { return f.messages }
func (f *fakeTransport) Errors() <-chan error { return f.errs }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// sentFrame is an outbound request as the venue sees it.
type sentFrame struct {
	JSONRPC string                     `json:"jsonrpc"`
	ID      int64                      `json:"id"`
	Method  string                     `json:"method"`
	Params  map[string]json.RawMessage `json:"params"`
}

func (f *fakeTransport) next(t *testing.T) sentFrame {
	t.Helper()
	select {
	case data := <-f.sent:
		var fr sentFrame
		if err := json.Unmarshal(data, &fr); err != nil {
			t.Fatalf("bad outbound frame %s: %v", data, err)
		}
		return fr
	case <-time.After(testWait):
		t.Fatal("timeout waiting for outbound frame")
		return sentFrame{}
	}
}

func (f *fakeTransport) expect(t *testing.T, method string) sentFrame {
	t.Helper()
	fr := f.next(t)
	if fr.Method != method {
		t.Fatalf("sent method = %s, want %s", fr.Method, method)
	}
	return fr
}

func (f *fakeTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-f.sent:
		t.Fatalf("unexpected outbound frame %s", data)
	case <-time.After(d):
	}
}

func (f *fakeTransport) push(raw string) {
	f.messages <- connection.TimestampedMessage{Data: []byte(raw), ReceivedAt: time.Now()}
}

func (f *fakeTransport) reply(id int64, result any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	f.push(string(data))
}

func (f *fakeTransport) replyError(id int64, code int, message string) {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	f.push(string(data))
}

func (f *fakeTransport) drop(err error) {
	f.errs <- err
}

func param[T any](t *testing.T, fr sentFrame, key string) T {
	t.Helper()
	var v T
	raw, ok := fr.Params[key]
	if !ok {
		t.Fatalf("%s: missing param %q", fr.Method, key)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("%s: param %q: %v", fr.Method, key, err)
	}
	return v
}

type refreshTimer struct {
	d    time.Duration
	fire func()
}

type fakeStopper struct{}

func (fakeStopper) Stop() bool { return true }

type harness struct {
	t         *testing.T
	s         *Session
	dials     chan *fakeTransport
	failDials atomic.Int32
	timers    chan refreshTimer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = testWait
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.Reconnect = ReconnectConfig{
		MaxAttempts: 3,
		BaseWait:    time.Millisecond,
		MaxWait:     5 * time.Millisecond,
	}
	return cfg
}

func testLimiter() *ratelimit.Bucket {
	cfg := ratelimit.DefaultConfig()
	cfg.Capacity = 1000
	cfg.RefillAmount = 1000
	return ratelimit.New(cfg)
}

func testCredentials() *auth.Credentials {
	return &auth.Credentials{
		ClientID:     "client",
		ClientSecret: "secret",
		Grant:        auth.GrantClientCredentials,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	h := &harness{
		t:      t,
		dials:  make(chan *fakeTransport, 16),
		timers: make(chan refreshTimer, 16),
	}
	dial := func() connection.Client {
		tr := newFakeTransport()
		if h.failDials.Load() > 0 {
			h.failDials.Add(-1)
			tr.connectErr = errors.New("connection refused")
		}
		select {
		case h.dials <- tr:
		default:
		}
		return tr
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLimiter(testLimiter())}, opts...)
	h.s = New(cfg, dial, logger, opts...)
	h.s.refreshAfter = func(d time.Duration, f func()) stopper {
		h.timers <- refreshTimer{d: d, fire: f}
		return fakeStopper{}
	}
	return h
}

// start starts the session and returns its first transport.
func (h *harness) start() *fakeTransport {
	h.t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		h.s.Stop(ctx)
	})
	return h.transport()
}

func (h *harness) transport() *fakeTransport {
	h.t.Helper()
	select {
	case tr := <-h.dials:
		return tr
	case <-time.After(testWait):
		h.t.Fatal("timeout waiting for dial")
		return nil
	}
}

func (h *harness) noDial(d time.Duration) {
	h.t.Helper()
	select {
	case <-h.dials:
		h.t.Fatal("unexpected dial")
	case <-time.After(d):
	}
}

func (h *harness) timer() refreshTimer {
	h.t.Helper()
	select {
	case tm := <-h.timers:
		return tm
	case <-time.After(testWait):
		h.t.Fatal("timeout waiting for refresh timer")
		return refreshTimer{}
	}
}

// authenticate answers the auth request on tr.
func (h *harness) authenticate(tr *fakeTransport, access, refresh string) sentFrame {
	h.t.Helper()
	fr := tr.expect(h.t, "public/auth")
	tr.reply(fr.ID, tokenResponse(access, refresh, 900))
	return fr
}

func tokenResponse(access, refresh string, expiresIn int) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
		"scope":         "session:test",
		"token_type":    "bearer",
	}
}

func (h *harness) waitEvent(typ EventType) Event {
	h.t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case e := <-h.s.Events():
			if e.Type == typ {
				return e
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for event %s", typ)
			return Event{}
		}
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

func (h *harness) goCall(method string, params rpc.Params, opts ...CallOption) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := h.s.Call(context.Background(), method, params, opts...)
		ch <- callResult{res, err}
	}()
	return ch
}

func (h *harness) goErr(fn func(ctx context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn(context.Background()) }()
	return ch
}

// subscribe subscribes to public channels and confirms them on tr.
func (h *harness) subscribe(tr *fakeTransport, target router.Target, channels ...string) {
	h.t.Helper()
	done := h.goErr(func(ctx context.Context) error { return h.s.Subscribe(ctx, target, channels...) })
	fr := tr.expect(h.t, "public/subscribe")
	tr.reply(fr.ID, param[[]string](h.t, fr, "channels"))
	if err := recv(h.t, done); err != nil {
		h.t.Fatalf("Subscribe failed: %v", err)
	}
}

// roundTrip waits until the actor has handled and published everything
// posted before it, by sending a call on tr and answering it.
func (h *harness) roundTrip(tr *fakeTransport) {
	h.t.Helper()
	res := h.goCall("public/get_time", nil)
	f := tr.expect(h.t, "public/get_time")
	tr.reply(f.ID, 1700000000000)
	if r := recv(h.t, res); r.err != nil {
		h.t.Fatalf("get_time failed: %v", r.err)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testWait):
		t.Fatal("timeout waiting for result")
		var zero T
		return zero
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recordingTarget collects notifications.
type recordingTarget struct {
	mu  sync.Mutex
	got []router.Notification
}

func (r *recordingTarget) Notify(n router.Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingTarget) notifications() []router.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]router.Notification(nil), r.got...)
}

func notification(channel, data string) string {
	return `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"` + channel + `","data":` + data + `}}`
}
