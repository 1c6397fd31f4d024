package session

import (
	"time"

	"github.com/rickgao/deribit-session/internal/ratelimit"
)

// Telemetry receives session measurements. Methods are called from the
// session's actor goroutine and must not block.
type Telemetry interface {
	CallCompleted(method string, class ratelimit.Class, elapsed time.Duration, err error)
	RateLimited(method string)
	Connected(epoch uint64)
	Disconnected(reason DisconnectReason)
	Reconnecting(attempt int)
	AuthStatus(status AuthStatus)
	Subscriptions(active, total int)
	ReplayCompleted(channel string, err error)
	ProbeAnswered()
	NotificationRouted(channel string)
	Restarted()
	Fatal()
}

type nopTelemetry struct{}

func (nopTelemetry) CallCompleted(string, ratelimit.Class, time.Duration, error) {}
func (nopTelemetry) RateLimited(string) {}
func (nopTelemetry) Connected(uint64) {}
func (nopTelemetry) Disconnected(DisconnectReason) {}
func (nopTelemetry) Reconnecting(int) {}
func (nopTelemetry) AuthStatus(AuthStatus) {}
func (nopTelemetry) Subscriptions(int, int) {}
func (nopTelemetry) ReplayCompleted(string, error) {}
func (nopTelemetry) ProbeAnswered() {}
func (nopTelemetry) NotificationRouted(string) {}
func (nopTelemetry) Restarted() {}
func (nopTelemetry) Fatal() {}
