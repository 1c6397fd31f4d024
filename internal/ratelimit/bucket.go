package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// epsilon absorbs float rounding when comparing token counts.
const epsilon = 1e-9

// Bucket is a token bucket whose effective capacity shrinks while the venue
// is rejecting requests and recovers once it stops.
//
// Token accounting lives in a rate.Limiter whose burst tracks the effective
// capacity. Bucket layers the class cost table, the cautious reserve, the
// backoff multiplier and the bounded wait queue on top.
type Bucket struct {
	cfg Config
	now func() time.Time
	lim *rate.Limiter

	mu         sync.Mutex
	lastStep   time.Time // limiter clock; whole refill steps in ModeNormal
	multiplier float64
	resetAt    time.Time
	rejections int64
	queued     int
}

// New creates a full bucket.
func New(cfg Config) *Bucket {
	return newBucket(cfg, time.Now)
}

func newBucket(cfg Config, now func() time.Time) *Bucket {
	if cfg.Costs == nil {
		cfg.Costs = DefaultCosts()
	}
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNormal
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxBackoff < 1 {
		cfg.MaxBackoff = 1
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}

	var limit rate.Limit
	if cfg.RefillAmount > 0 && cfg.RefillInterval > 0 {
		limit = rate.Limit(cfg.RefillAmount / cfg.RefillInterval.Seconds())
	}

	b := &Bucket{
		cfg:        cfg,
		now:        now,
		lastStep:   now(),
		multiplier: 1,
	}
	b.lim = rate.NewLimiter(limit, b.burst())
	return b
}

// Cost returns the token cost of an operation class.
func (b *Bucket) Cost(class Class) float64 {
	if c, ok := b.cfg.Costs[class]; ok {
		return c
	}
	return b.cfg.DefaultCost
}

// tokens is the whole-token cost handed to the limiter.
func (b *Bucket) tokens(class Class) int {
	cost := b.Cost(class)
	if cost <= 0 {
		return 0
	}
	return int(math.Ceil(cost - epsilon))
}

// FailFast reports whether Wait refuses instead of queueing.
func (b *Bucket) FailFast() bool {
	return b.cfg.FailFast
}

// Admit consumes tokens for class if they are available right now.
// It never blocks and never jumps ahead of callers queued in Wait: their
// reservations have already been taken out of the limiter.
func (b *Bucket) Admit(class Class) bool {
	n := b.tokens(class)
	if n == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.take(b.advance(b.now()), class, n)
}

// Charge deducts the cost of class unconditionally, bottoming out at zero.
// Used for maintenance traffic the session must send regardless of budget
// (re-authentication, subscription replay) so the bucket still reflects it.
func (b *Bucket) Charge(class Class) {
	n := b.tokens(class)
	if n == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.advance(b.now())
	have := int(math.Floor(b.lim.TokensAt(at) + epsilon))
	if have <= 0 {
		return
	}
	if n > have {
		n = have
	}
	b.lim.AllowN(at, n)
}

// Wait admits class, queueing behind earlier callers until enough tokens
// have refilled. Returns ErrRateLimited in fail-fast mode or when the cost
// exceeds the current effective capacity, and ErrQueueFull when MaxQueue
// callers are already waiting.
func (b *Bucket) Wait(ctx context.Context, class Class) error {
	n := b.tokens(class)
	if n == 0 {
		return nil
	}

	b.mu.Lock()
	at := b.advance(b.now())
	if b.queued == 0 && b.take(at, class, n) {
		b.mu.Unlock()
		return nil
	}
	if b.cfg.FailFast {
		b.mu.Unlock()
		return ErrRateLimited
	}
	if b.queued >= b.cfg.MaxQueue {
		b.mu.Unlock()
		return ErrQueueFull
	}
	r := b.lim.ReserveN(at, n)
	if !r.OK() {
		b.mu.Unlock()
		return ErrRateLimited
	}
	b.queued++
	delay := b.delay(r, b.now())
	b.mu.Unlock()

	var fire <-chan time.Time
	if delay != rate.InfDuration {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		fire = timer.C
	}

	select {
	case <-fire:
		b.mu.Lock()
		b.queued--
		b.mu.Unlock()
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		r.CancelAt(b.advance(b.now()))
		b.queued--
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Penalize records a rate-limit rejection from the venue. The backoff
// multiplier grows geometrically up to MaxBackoff and the recovery deadline
// is pushed out by ResetAfter.
func (b *Bucket) Penalize() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	at := b.advance(now)

	b.multiplier *= b.cfg.BackoffFactor
	if b.multiplier > b.cfg.MaxBackoff {
		b.multiplier = b.cfg.MaxBackoff
	}
	b.resetAt = now.Add(b.cfg.ResetAfter)
	b.rejections++
	b.lim.SetBurstAt(at, b.burst())
}

// Snapshot returns the current bucket state after applying any due refill.
func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	at := b.advance(b.now())
	eff := b.effectiveCapacity()
	available := b.lim.TokensAt(at)
	if available > eff {
		available = eff
	}
	if available < epsilon {
		available = 0
	}
	return Snapshot{
		Capacity:          b.cfg.Capacity,
		EffectiveCapacity: eff,
		Available:         available,
		Multiplier:        b.multiplier,
		BackoffResetAt:    b.resetAt,
		LastRefill:        b.lastStep,
		Queued:            b.queued,
		Rejections:        b.rejections,
	}
}

// effectiveCapacity is the configured capacity scaled down by backoff.
// Must be called with lock held.
func (b *Bucket) effectiveCapacity() float64 {
	return b.cfg.Capacity / b.multiplier
}

// burst is the limiter burst for the current effective capacity.
// Must be called with lock held.
func (b *Bucket) burst() int {
	return int(math.Floor(b.effectiveCapacity() + epsilon))
}

// take consumes n tokens at limiter time at if the mode's floor allows it.
// Must be called with lock held.
func (b *Bucket) take(at time.Time, class Class, n int) bool {
	if b.cfg.Mode == ModeCautious && class != ClassAuth && class != ClassCancel {
		floor := b.effectiveCapacity() * cautiousReserve
		if b.lim.TokensAt(at)-float64(n) < floor-epsilon {
			return false
		}
	}
	return b.lim.AllowN(at, n)
}

// advance moves the limiter clock to now and applies backoff recovery.
// ModeNormal only shows the limiter whole refill intervals, so tokens land
// in steps; the other modes accrue continuously. Must be called with lock
// held.
func (b *Bucket) advance(now time.Time) time.Time {
	var steps float64

	if b.cfg.RefillInterval > 0 {
		elapsed := now.Sub(b.lastStep)
		if elapsed > 0 {
			if b.cfg.Mode == ModeNormal {
				if n := int64(elapsed / b.cfg.RefillInterval); n > 0 {
					steps = float64(n)
					b.lastStep = b.lastStep.Add(time.Duration(n) * b.cfg.RefillInterval)
				}
			} else {
				steps = float64(elapsed) / float64(b.cfg.RefillInterval)
				b.lastStep = now
			}
		}
	} else if now.After(b.lastStep) {
		b.lastStep = now
	}

	if b.decay(now, steps) {
		b.lim.SetBurstAt(b.lastStep, b.burst())
	}
	return b.lastStep
}

// decay moves the multiplier toward 1 once the reset deadline passed and
// reports whether it changed. Must be called with lock held.
func (b *Bucket) decay(now time.Time, steps float64) bool {
	if b.multiplier <= 1 || now.Before(b.resetAt) {
		return false
	}
	if b.cfg.RefillInterval <= 0 || b.cfg.RecoveryRate <= 0 || b.cfg.RecoveryRate >= 1 {
		b.multiplier = 1
		return true
	}
	if steps <= 0 {
		return false
	}

	excess := (b.multiplier - 1) * math.Pow(1-b.cfg.RecoveryRate, steps)
	if excess < 0.01 {
		excess = 0
	}
	b.multiplier = 1 + excess
	return true
}

// delay is how long a reservation waits from now. ModeNormal rounds the
// wake-up to the refill step that funds it. Must be called with lock held.
func (b *Bucket) delay(r *rate.Reservation, now time.Time) time.Duration {
	d := r.DelayFrom(now)
	if d == rate.InfDuration || b.cfg.Mode != ModeNormal || b.cfg.RefillInterval <= 0 {
		return d
	}
	act := now.Add(d)
	if off := act.Sub(b.lastStep) % b.cfg.RefillInterval; off > 0 {
		act = act.Add(b.cfg.RefillInterval - off)
	}
	return act.Sub(now)
}
