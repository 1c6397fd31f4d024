package rpc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// expiredRetention is how long a timed-out id is remembered so a late
// response can be told apart from an unknown one.
const expiredRetention = 5 * time.Minute

// Call describes a request to register with the Correlator.
type Call struct {
	Method  string
	Params  Params
	Timeout time.Duration
	Class   string // admission class, logged on timeout
	Epoch   uint64

	// OnComplete runs on the goroutine that resolves, fails or expires the
	// request, before the outcome is published on Done.
	OnComplete func(Outcome)
}

// Pending is an in-flight request awaiting its response.
type Pending struct {
	ID       int64
	Method   string
	Params   Params
	Class    string
	Epoch    uint64
	IssuedAt time.Time
	Deadline time.Time

	onComplete func(Outcome)
	done       chan Outcome
}

// Done delivers the request's outcome exactly once.
func (p *Pending) Done() <-chan Outcome {
	return p.done
}

// Request returns the wire envelope for this pending request.
func (p *Pending) Request() Request {
	return NewRequest(p.ID, p.Method, p.Params)
}

// DispatchResult says what Dispatch did with a frame.
type DispatchResult int

const (
	// Unsolicited frames carry no id; they are notifications for the caller.
	Unsolicited DispatchResult = iota
	// Matched frames resolved a pending request.
	Matched
	// Dropped frames carried an id that is not pending (late or unknown).
	Dropped
)

// CorrelatorStats contains correlation counters.
type CorrelatorStats struct {
	Pending  int
	Issued   int64
	Resolved int64
	Failed   int64
	TimedOut int64
	Late     int64
	Unknown  int64
}

// Correlator assigns correlation ids and matches responses to requests.
// Ids come from a process-wide monotonic counter and are never reused, even
// across reconnects.
type Correlator struct {
	classifier Classifier
	logger     *slog.Logger
	lateLog    rate.Sometimes

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	expired map[int64]time.Time
	stats   CorrelatorStats
}

// NewCorrelator creates a Correlator that classifies error responses with c.
func NewCorrelator(c Classifier, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		classifier: c,
		logger:     logger,
		lateLog:    rate.Sometimes{First: 5, Interval: 10 * time.Second},
		pending:    make(map[int64]*Pending),
		expired:    make(map[int64]time.Time),
	}
}

// Issue registers a request and returns its pending handle with a fresh id.
func (c *Correlator) Issue(call Call, now time.Time) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	p := &Pending{
		ID:         c.nextID,
		Method:     call.Method,
		Params:     call.Params,
		Class:      call.Class,
		Epoch:      call.Epoch,
		IssuedAt:   now,
		Deadline:   now.Add(call.Timeout),
		onComplete: call.OnComplete,
		done:       make(chan Outcome, 1),
	}
	c.pending[p.ID] = p
	c.stats.Issued++
	return p
}

// Resolve delivers a successful result. Returns false if id is not pending.
func (c *Correlator) Resolve(id int64, result json.RawMessage) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	c.count(func(s *CorrelatorStats) { s.Resolved++ })
	deliver(p, Outcome{Result: result})
	return true
}

// Fail delivers an error. Returns false if id is not pending.
func (c *Correlator) Fail(id int64, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	c.count(func(s *CorrelatorStats) { s.Failed++ })
	deliver(p, Outcome{Err: err})
	return true
}

// Dispatch matches an inbound frame against the pending table. Venue errors
// are classified in place and delivered as *Error.
func (c *Correlator) Dispatch(f *Frame) DispatchResult {
	id, ok := f.RequestID()
	if !ok {
		return Unsolicited
	}

	p := c.take(id)
	if p == nil {
		c.drop(id, f)
		return Dropped
	}

	if f.Error != nil {
		f.Error.Kind = c.classifier.Classify(f.Error)
		c.count(func(s *CorrelatorStats) { s.Failed++ })
		deliver(p, Outcome{Err: f.Error})
	} else {
		c.count(func(s *CorrelatorStats) { s.Resolved++ })
		deliver(p, Outcome{Result: f.Result})
	}
	return Matched
}

// Expire fails every request whose deadline is at or before now with
// ErrTimeout. Returns the number expired.
func (c *Correlator) Expire(now time.Time) int {
	c.mu.Lock()
	var due []*Pending
	for id, p := range c.pending {
		if !now.Before(p.Deadline) {
			due = append(due, p)
			delete(c.pending, id)
			c.expired[id] = now
		}
	}
	for id, at := range c.expired {
		if now.Sub(at) > expiredRetention {
			delete(c.expired, id)
		}
	}
	c.stats.TimedOut += int64(len(due))
	c.mu.Unlock()

	for _, p := range due {
		c.logger.Debug("request timed out", "id", p.ID, "method", p.Method, "class", p.Class)
		deliver(p, Outcome{Err: ErrTimeout})
	}
	return len(due)
}

// FailEpoch fails every request issued in epoch with err. Used when the
// connection that carried them is gone.
func (c *Correlator) FailEpoch(epoch uint64, err error) int {
	c.mu.Lock()
	var dying []*Pending
	for id, p := range c.pending {
		if p.Epoch == epoch {
			dying = append(dying, p)
			delete(c.pending, id)
		}
	}
	c.stats.Failed += int64(len(dying))
	c.mu.Unlock()

	for _, p := range dying {
		deliver(p, Outcome{Err: err})
	}
	return len(dying)
}

// FailAll fails every pending request with err.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	all := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		all = append(all, p)
		delete(c.pending, id)
	}
	c.stats.Failed += int64(len(all))
	c.mu.Unlock()

	for _, p := range all {
		deliver(p, Outcome{Err: err})
	}
	return len(all)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns correlation counters.
func (c *Correlator) Stats() CorrelatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Pending = len(c.pending)
	return s
}

// take removes and returns a pending request, or nil.
func (c *Correlator) take(id int64) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// drop records a response whose id is no longer pending.
func (c *Correlator) drop(id int64, f *Frame) {
	c.mu.Lock()
	_, late := c.expired[id]
	if late {
		delete(c.expired, id)
		c.stats.Late++
	} else {
		c.stats.Unknown++
	}
	c.mu.Unlock()

	c.lateLog.Do(func() {
		c.logger.Warn("dropping response for request no longer pending",
			"id", id,
			"late", late,
			"error", f.Error != nil,
		)
	})
}

func (c *Correlator) count(fn func(*CorrelatorStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// deliver publishes an outcome. Callers must have removed p from the pending
// table first, which is what makes delivery happen at most once.
func deliver(p *Pending, o Outcome) {
	if p.onComplete != nil {
		p.onComplete(o)
	}
	p.done <- o
}
