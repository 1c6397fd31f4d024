package rpc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func issue(c *Correlator, method string, timeout time.Duration) *Pending {
	return c.Issue(Call{Method: method, Timeout: timeout, Class: "query"}, t0)
}

func frame(t *testing.T, raw string) *Frame {
	t.Helper()
	f, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeFrame(%s) error = %v", raw, err)
	}
	return f
}

func outcome(t *testing.T, p *Pending) Outcome {
	t.Helper()
	select {
	case o := <-p.Done():
		return o
	default:
		t.Fatalf("request %d has no outcome", p.ID)
		return Outcome{}
	}
}

func assertNoOutcome(t *testing.T, p *Pending) {
	t.Helper()
	select {
	case o := <-p.Done():
		t.Fatalf("request %d got unexpected outcome %+v", p.ID, o)
	default:
	}
}

func TestCorrelator_IDsNeverReused(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	seen := make(map[int64]bool)

	for epoch := uint64(1); epoch <= 3; epoch++ {
		for i := 0; i < 100; i++ {
			p := c.Issue(Call{Method: "public/test", Timeout: time.Second, Epoch: epoch}, t0)
			if seen[p.ID] {
				t.Fatalf("id %d reused", p.ID)
			}
			seen[p.ID] = true
		}
		c.FailEpoch(epoch, ErrDisconnected)
	}

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCorrelator_IssueCarriesCall(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	p := c.Issue(Call{Method: "private/buy", Timeout: 2 * time.Second, Class: "order", Epoch: 7}, t0)

	if p.Method != "private/buy" || p.Class != "order" || p.Epoch != 7 {
		t.Errorf("Pending = {Method:%q Class:%q Epoch:%d}, want {private/buy order 7}", p.Method, p.Class, p.Epoch)
	}
	if want := t0.Add(2 * time.Second); !p.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", p.Deadline, want)
	}
	if !p.IssuedAt.Equal(t0) {
		t.Errorf("IssuedAt = %v, want %v", p.IssuedAt, t0)
	}
}

func TestCorrelator_DispatchResult(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	p := issue(c, "public/get_time", time.Second)

	f := frame(t, `{"jsonrpc":"2.0","id":1,"result":1700000000000}`)
	if got := c.Dispatch(f); got != Matched {
		t.Fatalf("Dispatch() = %v, want Matched", got)
	}

	o := outcome(t, p)
	if o.Err != nil {
		t.Fatalf("outcome error = %v", o.Err)
	}
	if string(o.Result) != "1700000000000" {
		t.Errorf("result = %s", o.Result)
	}
}

func TestCorrelator_StringID(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	p := issue(c, "public/test", time.Second)

	if got := c.Dispatch(frame(t, `{"jsonrpc":"2.0","id":"1","result":{}}`)); got != Matched {
		t.Fatalf("Dispatch() = %v, want Matched", got)
	}
	if o := outcome(t, p); o.Err != nil {
		t.Errorf("outcome error = %v", o.Err)
	}
}

func TestCorrelator_Notification(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	p := issue(c, "public/test", time.Second)

	tests := []string{
		`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-PERPETUAL.raw","data":{}}}`,
		`{"jsonrpc":"2.0","id":null,"method":"test_request","params":{}}`,
	}
	for _, raw := range tests {
		f := frame(t, raw)
		if got := c.Dispatch(f); got != Unsolicited {
			t.Errorf("Dispatch(%s) = %v, want Unsolicited", raw, got)
		}
		if !f.IsNotification() {
			t.Errorf("IsNotification(%s) = false", raw)
		}
	}
	assertNoOutcome(t, p)
}

func TestCorrelator_UnknownIDLeavesOthersPending(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	a := issue(c, "public/test", time.Second)
	b := issue(c, "public/test", time.Second)

	if got := c.Dispatch(frame(t, `{"jsonrpc":"2.0","id":999,"result":true}`)); got != Dropped {
		t.Fatalf("Dispatch() = %v, want Dropped", got)
	}
	assertNoOutcome(t, a)
	assertNoOutcome(t, b)
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if s := c.Stats(); s.Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", s.Unknown)
	}
}

func TestCorrelator_ResolveIsIdempotent(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)

	calls := 0
	p := c.Issue(Call{
		Method:     "public/test",
		Timeout:    time.Second,
		OnComplete: func(Outcome) { calls++ },
	}, t0)

	if !c.Resolve(p.ID, json.RawMessage(`"a"`)) {
		t.Fatal("first Resolve returned false")
	}
	if c.Resolve(p.ID, json.RawMessage(`"b"`)) {
		t.Error("second Resolve returned true")
	}
	if c.Fail(p.ID, errors.New("boom")) {
		t.Error("Fail after Resolve returned true")
	}
	if c.Dispatch(frame(t, `{"jsonrpc":"2.0","id":1,"result":"c"}`)) != Dropped {
		t.Error("Dispatch after Resolve was not dropped")
	}

	if o := outcome(t, p); string(o.Result) != `"a"` {
		t.Errorf("result = %s, want \"a\"", o.Result)
	}
	assertNoOutcome(t, p)
	if calls != 1 {
		t.Errorf("OnComplete ran %d times, want 1", calls)
	}
}

func TestCorrelator_TimeoutThenLateResponse(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	slow := issue(c, "public/get_instruments", 100*time.Millisecond)
	fast := issue(c, "public/get_time", time.Second)

	if n := c.Expire(t0.Add(99 * time.Millisecond)); n != 0 {
		t.Fatalf("Expire before deadline = %d, want 0", n)
	}
	if n := c.Expire(t0.Add(100 * time.Millisecond)); n != 1 {
		t.Fatalf("Expire at deadline = %d, want 1", n)
	}

	if o := outcome(t, slow); !errors.Is(o.Err, ErrTimeout) {
		t.Fatalf("outcome error = %v, want ErrTimeout", o.Err)
	}

	if got := c.Dispatch(frame(t, `{"jsonrpc":"2.0","id":1,"result":[]}`)); got != Dropped {
		t.Errorf("late Dispatch() = %v, want Dropped", got)
	}
	assertNoOutcome(t, slow)
	assertNoOutcome(t, fast)

	s := c.Stats()
	if s.TimedOut != 1 || s.Late != 1 || s.Pending != 1 {
		t.Errorf("stats = %+v, want TimedOut=1 Late=1 Pending=1", s)
	}
}

func TestCorrelator_FailEpoch(t *testing.T) {
	c := NewCorrelator(DefaultClassifier(), nil)
	old := c.Issue(Call{Method: "public/test", Timeout: time.Second, Epoch: 1}, t0)
	cur := c.Issue(Call{Method: "public/test", Timeout: time.Second, Epoch: 2}, t0)

	if n := c.FailEpoch(1, ErrDisconnected); n != 1 {
		t.Fatalf("FailEpoch() = %d, want 1", n)
	}
	if o := outcome(t, old); !errors.Is(o.Err, ErrDisconnected) {
		t.Errorf("old outcome = %v, want ErrDisconnected", o.Err)
	}
	assertNoOutcome(t, cur)

	if n := c.FailAll(ErrDisconnected); n != 1 {
		t.Errorf("FailAll() = %d, want 1", n)
	}
	if o := outcome(t, cur); !errors.Is(o.Err, ErrDisconnected) {
		t.Errorf("cur outcome = %v, want ErrDisconnected", o.Err)
	}
}

func TestCorrelator_ErrorReturnedVerbatim(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantReauth  bool
		wantLimited bool
	}{
		{
			name: "protocol error",
			raw:  `{"jsonrpc":"2.0","id":1,"error":{"code":10009,"message":"not_enough_funds"}}`,
		},
		{
			name:       "reauth by code",
			raw:        `{"jsonrpc":"2.0","id":1,"error":{"code":13009,"message":"unauthorized"}}`,
			wantReauth: true,
		},
		{
			name:       "reauth by message",
			raw:        `{"jsonrpc":"2.0","id":1,"error":{"code":13999,"message":"Invalid_Token"}}`,
			wantReauth: true,
		},
		{
			name:        "rate limited",
			raw:         `{"jsonrpc":"2.0","id":1,"error":{"code":10028,"message":"too_many_requests"}}`,
			wantLimited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCorrelator(DefaultClassifier(), nil)
			p := issue(c, "private/buy", time.Second)

			f := frame(t, tt.raw)
			c.Dispatch(f)
			o := outcome(t, p)

			var rpcErr *Error
			if !errors.As(o.Err, &rpcErr) {
				t.Fatalf("error = %T, want *Error", o.Err)
			}
			if rpcErr != f.Error {
				t.Error("error was replaced, want the decoded error object")
			}
			if got := errors.Is(o.Err, ErrReauthRequired); got != tt.wantReauth {
				t.Errorf("Is(ErrReauthRequired) = %v, want %v", got, tt.wantReauth)
			}
			if got := errors.Is(o.Err, ErrRateLimited); got != tt.wantLimited {
				t.Errorf("Is(ErrRateLimited) = %v, want %v", got, tt.wantLimited)
			}
		})
	}
}

func TestRequest_EncodesNamedParams(t *testing.T) {
	data, err := NewRequest(7, "public/test", nil).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"jsonrpc":"2.0","id":7,"method":"public/test","params":{}}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}
