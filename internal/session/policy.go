package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// backoff returns the wait before reconnect attempt n (1-based).
func (c ReconnectConfig) backoff(n int) time.Duration {
	wait := c.BaseWait
	for i := 1; i < n && wait < c.MaxWait; i++ {
		wait *= 2
	}
	if wait > c.MaxWait {
		wait = c.MaxWait
	}
	return wait
}

// exhausted reports whether attempt n exceeds the budget.
func (c ReconnectConfig) exhausted(n int) bool {
	return c.MaxAttempts > 0 && n > c.MaxAttempts
}

// classifyDisconnect decides how to react to a transport error. A close
// frame whose reason the classifier tags as an auth failure reconnects with
// re-authentication.
func (s *Session) classifyDisconnect(err error) DisconnectReason {
	if s.loggingOut {
		return ReasonGraceful
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		kind := s.cfg.Classifier.Classify(&rpc.Error{Code: ce.Code, Message: ce.Text})
		if kind == rpc.KindReauth {
			return ReasonAuthError
		}
	}
	return ReasonTransport
}

// connect dials a new transport. The result comes back through the mailbox.
func (s *Session) connect() {
	s.phase = phaseConnecting
	s.dialSeq++
	seq := s.dialSeq
	tr := s.dial()

	go func() {
		err := tr.Connect(s.ctx)
		if perr := s.post(s.ctx, func() { s.onConnect(seq, tr, err) }); perr != nil {
			tr.Close()
		}
	}()
}

func (s *Session) onConnect(seq uint64, tr connection.Client, err error) {
	if seq != s.dialSeq || s.phase != phaseConnecting {
		tr.Close()
		return
	}
	if err != nil {
		s.logger.Warn("connect failed", "attempt", s.attempts, "error", err)
		s.scheduleReconnect(ReasonTransport)
		return
	}

	s.attempts = 0
	s.replayHeld = false
	s.epoch++
	s.epochStartedAt = s.now()
	s.transport = tr
	s.pumpStop = make(chan struct{})
	s.phase = phaseAuthenticating
	go s.pump(s.epoch, tr, s.pumpStop)

	s.logger.Info("connected", "epoch", s.epoch)
	s.emit(Event{Type: EventConnected})
	s.telemetry.Connected(s.epoch)

	if s.cfg.HeartbeatInterval > 0 {
		s.enableHeartbeat()
	}

	if s.needsAuth() {
		s.reauthenticate()
		return
	}
	s.becomeReady()
}

// needsAuth reports whether traffic must wait for authentication on a new
// connection.
func (s *Session) needsAuth() bool {
	if s.reauthPending || s.auth.wasAuthenticated {
		return true
	}
	return s.cfg.AuthenticateOnConnect && s.creds != nil
}

// becomeReady releases traffic: subscriptions are replayed first, then held
// user operations run in arrival order.
func (s *Session) becomeReady() {
	s.phase = phaseReady
	if !s.replayHeld {
		s.replay(false)
	}
	if !s.isConnected() {
		return
	}
	s.flushDeferred()
}

// pump forwards transport frames and errors into the mailbox until the epoch
// ends.
func (s *Session) pump(epoch uint64, tr connection.Client, stop <-chan struct{}) {
	forward := func(msg connection.TimestampedMessage) bool {
		return s.post(s.ctx, func() { s.onMessage(epoch, msg) }) == nil
	}

	for {
		select {
		case <-stop:
			return
		case msg := <-tr.Messages():
			if !forward(msg) {
				return
			}
		case err := <-tr.Errors():
			// Frames read before the error still belong to this epoch.
			for drained := false; !drained; {
				select {
				case msg := <-tr.Messages():
					if !forward(msg) {
						return
					}
				default:
					drained = true
				}
			}
			_ = s.post(s.ctx, func() { s.onTransportError(epoch, err) })
			return
		}
	}
}

func (s *Session) onTransportError(epoch uint64, err error) {
	if epoch != s.epoch || !s.isConnected() {
		return
	}
	s.disconnect(s.classifyDisconnect(err), err)
}

// disconnect ends the current epoch: every request in flight fails with
// rpc.ErrDisconnected, subscriptions fall back to pending, and the reconnect
// policy decides what happens next.
func (s *Session) disconnect(reason DisconnectReason, cause error) {
	if s.loggingOut {
		reason = ReasonGraceful
	}
	epoch := s.epoch

	s.phase = phaseIdle
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}

	s.auth.connectionLost()
	s.registry.demote()
	failed := s.correlator.FailEpoch(epoch, rpc.ErrDisconnected)

	s.logger.Warn("disconnected",
		"epoch", epoch,
		"reason", reason,
		"error", cause,
		"failed_requests", failed,
	)
	s.emit(Event{Type: EventDisconnected, Epoch: epoch, Reason: reason, Err: cause})
	s.telemetry.Disconnected(reason)

	switch reason {
	case ReasonGraceful:
		s.failDeferred(connection.ErrNotConnected)
	case ReasonAuthError:
		s.reauthPending = true
		s.scheduleReconnect(reason)
	default:
		s.scheduleReconnect(reason)
	}
}

// scheduleReconnect waits out the backoff for the next attempt, or gives up
// once the attempt budget is spent.
func (s *Session) scheduleReconnect(reason DisconnectReason) {
	s.attempts++
	if s.cfg.Reconnect.exhausted(s.attempts) {
		s.fatal(fmt.Errorf("%w: %d reconnect attempts failed", ErrFatal, s.attempts-1))
		return
	}

	wait := s.cfg.Reconnect.backoff(s.attempts)
	s.phase = phaseBackoff
	s.dialSeq++
	seq := s.dialSeq

	s.logger.Info("attempting reconnection",
		"attempt", s.attempts,
		"wait", wait,
		"reason", reason,
	)
	s.telemetry.Reconnecting(s.attempts)

	s.backoffTimer = time.AfterFunc(wait, func() {
		_ = s.post(s.ctx, func() {
			if seq == s.dialSeq && s.phase == phaseBackoff {
				s.backoffTimer = nil
				s.connect()
			}
		})
	})
}

// stopReconnecting cancels a pending backoff or dial.
func (s *Session) stopReconnecting() {
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
	}
	s.dialSeq++
}

// fatal stops the session permanently. Reported once.
func (s *Session) fatal(err error) {
	s.phase = phaseFatal
	s.fatalErr = err
	s.stopReconnecting()

	s.logger.Error("giving up on reconnecting", "error", err)
	s.failDeferred(err)
	s.emit(Event{Type: EventFatal, Err: err})
	s.telemetry.Fatal()
}
