package ratelimit

import (
	"errors"
	"time"
)

// Errors
var (
	ErrRateLimited = errors.New("rate limit: insufficient tokens")
	ErrQueueFull   = errors.New("rate limit: admission queue full")
)

// Class identifies the kind of operation being admitted. Each class has its
// own token cost.
type Class string

const (
	ClassSubscription Class = "subscription"
	ClassAuth         Class = "auth"
	ClassQuery        Class = "query"
	ClassOrder        Class = "order"
	ClassCancel       Class = "cancel"
	ClassHighPriority Class = "high_priority" // Always admitted, costs nothing
)

// Mode controls how close to the limit the bucket is willing to run.
type Mode string

const (
	// ModeCautious keeps a reserve of the effective capacity for itself and
	// starts queueing before the bucket is empty.
	ModeCautious Mode = "cautious"

	// ModeNormal admits until the bucket is empty and refills in whole
	// interval steps.
	ModeNormal Mode = "normal"

	// ModeAggressive admits until the bucket is empty and accrues refill
	// continuously between interval boundaries.
	ModeAggressive Mode = "aggressive"
)

// cautiousReserve is the fraction of effective capacity ModeCautious keeps back.
const cautiousReserve = 0.2

// Config configures a Bucket.
type Config struct {
	Capacity       float64           // Max tokens
	RefillAmount   float64           // Tokens added per RefillInterval (0 = no refill)
	RefillInterval time.Duration     // Refill step
	Costs          map[Class]float64 // Per-class cost; missing classes cost DefaultCost
	DefaultCost    float64
	Mode           Mode
	MaxQueue       int  // Max callers waiting in Wait
	FailFast       bool // Wait returns ErrRateLimited instead of queueing

	BackoffFactor float64       // Multiplier growth per venue rejection
	MaxBackoff    float64       // Ceiling for the multiplier
	ResetAfter    time.Duration // Quiet period before recovery starts
	RecoveryRate  float64       // Fraction of (multiplier-1) removed per refill step
}

// DefaultCosts returns the default per-class cost table.
func DefaultCosts() map[Class]float64 {
	return map[Class]float64{
		ClassSubscription: 1,
		ClassAuth:         1,
		ClassQuery:        1,
		ClassOrder:        2,
		ClassCancel:       1,
		ClassHighPriority: 0,
	}
}

// DefaultConfig returns sensible defaults (roughly the venue's non-matching
// engine credit budget).
func DefaultConfig() Config {
	return Config{
		Capacity:       50,
		RefillAmount:   20,
		RefillInterval: time.Second,
		Costs:          DefaultCosts(),
		DefaultCost:    1,
		Mode:           ModeNormal,
		MaxQueue:       100,
		BackoffFactor:  2,
		MaxBackoff:     8,
		ResetAfter:     10 * time.Second,
		RecoveryRate:   0.5,
	}
}

// Snapshot is a point-in-time view of a Bucket.
type Snapshot struct {
	Capacity          float64
	EffectiveCapacity float64
	Available         float64
	Multiplier        float64
	BackoffResetAt    time.Time
	LastRefill        time.Time
	Queued            int
	Rejections        int64
}
