package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/rickgao/deribit-session/internal/auth"
	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
)

type phase int

const (
	phaseIdle           phase = iota // Not connected and not reconnecting
	phaseConnecting                  // Dial in flight
	phaseBackoff                     // Waiting before the next dial
	phaseAuthenticating              // Connected, traffic held until auth completes
	phaseReady                       // Connected, traffic flowing
	phaseFatal                       // Reconnect budget exhausted
	phaseClosed                      // Stopped
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseBackoff:
		return "backoff"
	case phaseAuthenticating:
		return "authenticating"
	case phaseReady:
		return "ready"
	case phaseFatal:
		return "fatal"
	case phaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

// deferredOp is a user operation held until the session is ready.
type deferredOp struct {
	run  func()
	fail func(error)
}

// Session keeps one authenticated, subscription-bearing connection to the
// venue alive. All session state is owned by a single actor goroutine;
// public methods post closures to its mailbox and wait for their own reply.
type Session struct {
	cfg       Config
	dial      TransportFactory
	creds     *auth.Credentials
	limiter   *ratelimit.Bucket
	telemetry Telemetry
	logger    *slog.Logger

	now          func() time.Time
	refreshAfter func(time.Duration, func()) stopper

	mailbox    chan func()
	events     chan Event
	authFlight singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}

	// Owned by the actor goroutine.
	phase          phase
	correlator     *rpc.Correlator
	auth           authManager
	registry       *registry
	transport      connection.Client
	pumpStop       chan struct{}
	epoch          uint64
	epochStartedAt time.Time
	dialSeq        uint64
	attempts       int
	reauthPending  bool
	replayHeld     bool // Re-auth failed; replay waits for Authenticate
	loggingOut     bool
	deferred       []deferredOp
	backoffTimer   stopper
	fatalErr       error
	restarts       int
	unroutedLog    rate.Sometimes
	publishedRev   uint64

	snapMu sync.RWMutex
	snap   snapshot

	eventsDropped atomic.Int64
}

// snapshot is the state readable from outside the actor.
type snapshot struct {
	auth          AuthState
	subscriptions []Subscription
	stats         Stats
}

// New creates a Session. dial is called once per connection attempt.
func New(cfg Config, dial TransportFactory, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalize()

	s := &Session{
		cfg:          cfg,
		dial:         dial,
		logger:       logger,
		now:          time.Now,
		refreshAfter: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		mailbox:      make(chan func(), cfg.MailboxSize),
		events:       make(chan Event, cfg.EventBuffer),
		done:         make(chan struct{}),
		correlator:   rpc.NewCorrelator(cfg.Classifier, logger.With("component", "correlator")),
		registry:     newRegistry(cfg.PrivatePrefixes),
		auth:         authManager{threshold: cfg.RefreshThreshold},
		unroutedLog:  rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	if s.telemetry == nil {
		s.telemetry = nopTelemetry{}
	}

	s.auth.reset()
	s.publish()
	return s
}

// Start dials the venue and starts the actor. The session stops when ctx is
// cancelled or Stop is called. Calls made before the first connection
// completes wait for it.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	context.AfterFunc(ctx, s.cancel)

	// Runs before the actor goroutine exists, so touching actor state is safe.
	s.connect()
	go s.run()

	s.logger.Info("session started",
		"private_prefixes", s.cfg.PrivatePrefixes,
		"max_reconnect_attempts", s.cfg.Reconnect.MaxAttempts,
	)
	return nil
}

// Stop closes the connection and fails everything in flight with
// ErrSessionClosed.
func (s *Session) Stop(ctx context.Context) error {
	s.logger.Info("stopping session")
	s.cancel()

	if !s.started.Load() {
		return nil
	}

	select {
	case <-s.done:
		s.logger.Info("session stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("session stop timed out")
		return ctx.Err()
	}
}

// Events returns lifecycle events. Events are dropped when the buffer is full.
func (s *Session) Events() <-chan Event {
	return s.events
}

// AuthState returns a copy of the current auth state.
func (s *Session) AuthState() AuthState {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.auth
}

// Subscriptions returns the registry in insertion order.
func (s *Session) Subscriptions() []Subscription {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]Subscription, len(s.snap.subscriptions))
	copy(out, s.snap.subscriptions)
	return out
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	s.snapMu.RLock()
	st := s.snap.stats
	s.snapMu.RUnlock()

	st.EventsDropped = s.eventsDropped.Load()
	st.Correlator = s.correlator.Stats()
	st.Bucket = s.limiter.Snapshot()
	return st
}

// Limiter returns the session's rate limiter.
func (s *Session) Limiter() *ratelimit.Bucket {
	return s.limiter
}

// Call sends a request and waits for its result. Venue errors are returned
// as *rpc.Error, unmodified; test their classification with errors.Is
// against rpc.ErrRateLimited or rpc.ErrReauthRequired.
func (s *Session) Call(ctx context.Context, method string, params rpc.Params, opts ...CallOption) (json.RawMessage, error) {
	o := callOptions{class: ratelimit.ClassQuery, timeout: s.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx, o.class); err != nil {
			return nil, err
		}

		reply := make(chan rpc.Outcome, 1)
		c := &call{
			method:  method,
			params:  params,
			class:   o.class,
			timeout: o.timeout,
			reply: func(out rpc.Outcome) {
				select {
				case reply <- out:
				default:
				}
			},
		}
		if err := s.post(ctx, func() { s.startCall(c) }); err != nil {
			return nil, err
		}

		var out rpc.Outcome
		select {
		case out = <-reply:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSessionClosed
		}

		if attempt == 0 && s.cfg.RetryRateLimited && !s.limiter.FailFast() && errors.Is(out.Err, rpc.ErrRateLimited) {
			s.logger.Debug("retrying rate-limited call", "method", method)
			continue
		}
		return out.Result, out.Err
	}
}

// Disconnect drops the current connection as if it had closed for reason.
// ReasonGraceful leaves the session idle; other reasons reconnect.
func (s *Session) Disconnect(ctx context.Context, reason DisconnectReason) error {
	reply := make(chan struct{}, 1)
	err := s.post(ctx, func() {
		if s.isConnected() {
			s.disconnect(reason, errors.New("disconnect requested"))
		}
		s.publish()
		reply <- struct{}{}
	})
	if err != nil {
		return err
	}
	return s.await(ctx, reply)
}

// Reconnect dials again after a graceful disconnect or logout. It does
// nothing while a connection is up or being attempted, and returns the
// fatal error once the session has given up.
func (s *Session) Reconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	err := s.post(ctx, func() {
		switch s.phase {
		case phaseIdle:
			s.attempts = 0
			s.connect()
			s.publish()
			reply <- nil
		case phaseFatal:
			reply <- s.fatalErr
		default:
			reply <- nil
		}
	})
	if err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// call is an in-flight user request.
type call struct {
	method   string
	params   rpc.Params
	class    ratelimit.Class
	timeout  time.Duration
	reply    func(rpc.Outcome)
	reauthed bool
}

func (s *Session) startCall(c *call) {
	s.whenReady(func() { s.issueCall(c) }, func(err error) { c.reply(rpc.Outcome{Err: err}) })
}

func (s *Session) issueCall(c *call) {
	start := s.now()
	s.request(c.method, c.params, c.class, c.timeout, func(o rpc.Outcome) {
		if errors.Is(o.Err, rpc.ErrReauthRequired) && !c.reauthed && s.canReauth() {
			c.reauthed = true
			s.logger.Warn("call rejected for authentication, re-authenticating",
				"method", c.method,
				"error", o.Err,
			)
			s.deferred = append(s.deferred, deferredOp{
				run:  func() { s.startCall(c) },
				fail: func(err error) { c.reply(rpc.Outcome{Err: err}) },
			})
			s.requestReauth(o.Err)
			return
		}

		s.telemetry.CallCompleted(c.method, c.class, s.now().Sub(start), o.Err)
		c.reply(o)
	})
}

// request issues a request on the current connection. onDone runs on the
// actor exactly once: with the response, a timeout, or a teardown error.
func (s *Session) request(method string, params rpc.Params, class ratelimit.Class, timeout time.Duration, onDone func(rpc.Outcome)) {
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}

	p := s.correlator.Issue(rpc.Call{
		Method:  method,
		Params:  params,
		Class:   string(class),
		Timeout: timeout,
		Epoch:   s.epoch,
		OnComplete: func(o rpc.Outcome) {
			if errors.Is(o.Err, rpc.ErrRateLimited) {
				s.limiter.Penalize()
				s.telemetry.RateLimited(method)
				s.logger.Warn("venue rate limit hit", "method", method, "multiplier", s.limiter.Snapshot().Multiplier)
			}
			onDone(o)
		},
	}, s.now())

	data, err := p.Request().Encode()
	if err != nil {
		s.correlator.Fail(p.ID, err)
		return
	}

	if !s.isConnected() {
		s.correlator.Fail(p.ID, rpc.ErrDisconnected)
		return
	}
	if err := s.transport.Send(data); err != nil {
		// The epoch is unusable; the disconnect fails p along with the rest.
		s.disconnect(ReasonTransport, err)
		s.correlator.Fail(p.ID, rpc.ErrDisconnected)
	}
}

// whenReady runs op now if traffic is flowing, holds it while a connection
// or re-authentication is in progress, and fails it otherwise.
func (s *Session) whenReady(run func(), fail func(error)) {
	switch s.phase {
	case phaseReady:
		run()
	case phaseConnecting, phaseBackoff, phaseAuthenticating:
		s.deferred = append(s.deferred, deferredOp{
			run:  func() { s.whenReady(run, fail) },
			fail: fail,
		})
	case phaseIdle:
		fail(connection.ErrNotConnected)
	case phaseFatal:
		fail(s.fatalErr)
	default:
		fail(ErrSessionClosed)
	}
}

func (s *Session) flushDeferred() {
	ops := s.deferred
	s.deferred = nil
	for _, op := range ops {
		op.run()
	}
}

func (s *Session) failDeferred(err error) {
	ops := s.deferred
	s.deferred = nil
	for _, op := range ops {
		op.fail(err)
	}
}

func (s *Session) isConnected() bool {
	return s.transport != nil && (s.phase == phaseAuthenticating || s.phase == phaseReady)
}

// post hands fn to the actor. It must never be called from the actor.
func (s *Session) post(ctx context.Context, fn func()) error {
	select {
	case s.mailbox <- fn:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for a reply posted by the actor.
func (s *Session) await(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) awaitErr(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// run is the actor goroutine. A panic in an event handler restarts the
// session from a clean state rather than killing the process.
func (s *Session) run() {
	defer close(s.done)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for !s.loop(sweep.C) {
		s.restart()
	}
}

// loop processes events until the session stops. Returns false after
// recovering from a panic.
func (s *Session) loop(sweep <-chan time.Time) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session actor panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			stopped = false
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return true
		case fn := <-s.mailbox:
			fn()
		case <-sweep:
			s.correlator.Expire(s.now())
		}
		s.publish()
	}
}

// restart resets the session to unauthenticated with an empty registry and
// dials a new connection.
func (s *Session) restart() {
	s.restarts++
	s.teardown(ErrSessionRestarted)

	s.auth.reset()
	s.registry.clear()
	s.reauthPending = false
	s.replayHeld = false
	s.loggingOut = false
	s.attempts = 0
	s.fatalErr = nil

	s.logger.Warn("session restarted with clean state", "restarts", s.restarts)
	s.emit(Event{Type: EventRestart})
	s.telemetry.Restarted()

	if s.ctx.Err() == nil {
		s.connect()
	}
	s.publish()
}

func (s *Session) shutdown() {
	s.teardown(ErrSessionClosed)
	s.phase = phaseClosed
	s.publish()
}

// teardown releases the connection and fails everything waiting on it.
func (s *Session) teardown(err error) {
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
	}
	s.dialSeq++
	s.auth.connectionLost()

	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.phase = phaseClosed

	s.correlator.FailAll(err)
	s.failDeferred(err)
}

// isTeardown reports whether err means the request's connection went away,
// in which case the disconnect path owns any state change.
func isTeardown(err error) bool {
	return errors.Is(err, rpc.ErrDisconnected) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrSessionRestarted)
}

func (s *Session) emit(e Event) {
	e.At = s.now()
	if e.Epoch == 0 {
		e.Epoch = s.epoch
	}
	select {
	case s.events <- e:
	default:
		s.eventsDropped.Add(1)
	}
}

// publish copies actor state for readers outside the actor.
func (s *Session) publish() {
	active, total := s.registry.counts()

	s.snapMu.Lock()
	s.snap.auth = s.auth.state
	if rev := s.registry.rev; rev != s.publishedRev || s.snap.subscriptions == nil {
		s.snap.subscriptions = s.registry.snapshot()
		s.publishedRev = rev
	}
	s.snap.stats = Stats{
		Phase:               s.phase.String(),
		Epoch:               s.epoch,
		EpochStartedAt:      s.epochStartedAt,
		ReconnectAttempts:   s.attempts,
		Auth:                s.auth.state.Status,
		Subscriptions:       total,
		ActiveSubscriptions: active,
		Deferred:            len(s.deferred),
		Restarts:            s.restarts,
	}
	s.snapMu.Unlock()

	s.telemetry.AuthStatus(s.auth.state.Status)
	s.telemetry.Subscriptions(active, total)
}
