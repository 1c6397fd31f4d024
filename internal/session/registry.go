package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/router"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// entry is one registered channel.
type entry struct {
	Subscription
	target   router.Target
	removing bool   // Unsubscribe in flight
	held     bool   // A deferred retry owns the next subscribe
	inflight uint64 // Epoch of an unanswered subscribe, 0 if none
}

// registry is the ordered channel table. Owned by the actor.
type registry struct {
	privatePrefixes []string
	order           []string
	byChannel       map[string]*entry
	rev             uint64 // Bumped on every change
}

func newRegistry(privatePrefixes []string) *registry {
	return &registry{
		privatePrefixes: privatePrefixes,
		byChannel:       make(map[string]*entry),
	}
}

func (r *registry) requiresAuth(channel string) bool {
	for _, p := range r.privatePrefixes {
		if strings.HasPrefix(channel, p) {
			return true
		}
	}
	return false
}

func (r *registry) get(channel string) *entry {
	return r.byChannel[channel]
}

// add registers channel as pending. A failed entry is replaced in place and
// keeps its position.
func (r *registry) add(channel string, params rpc.Params, target router.Target) *entry {
	e := &entry{
		Subscription: Subscription{
			Channel:      channel,
			Status:       SubscriptionPending,
			RequiresAuth: r.requiresAuth(channel),
			Params:       params,
		},
		target: target,
	}
	if _, ok := r.byChannel[channel]; !ok {
		r.order = append(r.order, channel)
	}
	r.byChannel[channel] = e
	r.rev++
	return e
}

func (r *registry) remove(channel string) {
	if _, ok := r.byChannel[channel]; !ok {
		return
	}
	delete(r.byChannel, channel)
	r.order = slices.DeleteFunc(r.order, func(c string) bool { return c == channel })
	r.rev++
}

// replayable returns the entries to re-issue, in insertion order. Active
// entries are included only when all is set, as after a token switch.
// Entries with a subscribe already outstanding in epoch are skipped.
func (r *registry) replayable(epoch uint64, all bool) []*entry {
	var out []*entry
	for _, ch := range r.order {
		e := r.byChannel[ch]
		switch {
		case e.removing, e.held, e.Status == SubscriptionFailed:
			continue
		case e.inflight != 0 && e.inflight == epoch:
			continue
		case e.Status == SubscriptionActive && !all:
			continue
		}
		out = append(out, e)
	}
	return out
}

// sent records a subscribe for channels issued in epoch.
func (r *registry) sent(channels []string, epoch uint64) {
	for _, ch := range channels {
		if e := r.byChannel[ch]; e != nil {
			e.inflight = epoch
		}
	}
}

// answered clears the outstanding subscribe recorded for epoch.
func (r *registry) answered(channels []string, epoch uint64) {
	for _, ch := range channels {
		if e := r.byChannel[ch]; e != nil && e.inflight == epoch {
			e.inflight = 0
		}
	}
}

func (r *registry) hold(channels []string, held bool) {
	for _, ch := range channels {
		if e := r.byChannel[ch]; e != nil {
			e.held = held
		}
	}
}

func (r *registry) markActive(channel string, now time.Time) {
	e := r.byChannel[channel]
	if e == nil {
		return
	}
	e.Status = SubscriptionActive
	e.LastConfirmed = now
	e.Err = nil
	r.rev++
}

func (r *registry) markFailed(channel string, err error) {
	e := r.byChannel[channel]
	if e == nil {
		return
	}
	e.Status = SubscriptionFailed
	e.Err = err
	r.rev++
}

func (r *registry) setRemoving(channel string, removing bool) {
	if e := r.byChannel[channel]; e != nil {
		e.removing = removing
	}
}

// demote moves active entries back to pending when the connection that
// confirmed them is gone.
func (r *registry) demote() {
	changed := false
	for _, e := range r.byChannel {
		if e.Status == SubscriptionActive {
			e.Status = SubscriptionPending
			changed = true
		}
		e.removing = false
	}
	if changed {
		r.rev++
	}
}

// demotePrivate moves active auth-required entries back to pending.
func (r *registry) demotePrivate() {
	for _, e := range r.byChannel {
		if e.RequiresAuth && e.Status == SubscriptionActive {
			e.Status = SubscriptionPending
			r.rev++
		}
	}
}

func (r *registry) clear() {
	r.order = nil
	r.byChannel = make(map[string]*entry)
	r.rev++
}

// snapshot copies the table in insertion order. Never nil.
func (r *registry) snapshot() []Subscription {
	out := make([]Subscription, 0, len(r.order))
	for _, ch := range r.order {
		sub := r.byChannel[ch].Subscription
		sub.Params = maps.Clone(sub.Params)
		out = append(out, sub)
	}
	return out
}

func (r *registry) counts() (active, total int) {
	for _, e := range r.byChannel {
		if e.Status == SubscriptionActive {
			active++
		}
	}
	return active, len(r.byChannel)
}

// SubscribeRequest describes a Subscribe call.
type SubscribeRequest struct {
	Channels []string
	Params   rpc.Params    // Extra request params, stored and replayed with each channel
	Target   router.Target // Receives every notification for these channels
}

// Subscribe subscribes to channels and routes their notifications to target.
// Channels already registered are left as they are. Channels that require
// authentication are rejected with ErrAuthRequired, before anything is sent,
// when the session is not authenticated.
func (s *Session) Subscribe(ctx context.Context, target router.Target, channels ...string) error {
	return s.SubscribeWith(ctx, SubscribeRequest{Channels: channels, Target: target})
}

// SubscribeWith is Subscribe with extra request params.
//
// If the connection drops before the venue confirms, the error is
// rpc.ErrDisconnected but the channels stay registered and are replayed on
// reconnect.
func (s *Session) SubscribeWith(ctx context.Context, req SubscribeRequest) error {
	if req.Target == nil {
		return ErrNoTarget
	}
	if len(req.Channels) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx, ratelimit.ClassSubscription); err != nil {
		return err
	}

	reply := make(chan error, 1)
	op := &subscribeOp{req: req, done: s.replyOnce(reply)}
	if err := s.post(ctx, func() { s.startSubscribe(op) }); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// Unsubscribe removes channels. Unknown channels are ignored. Channels that
// are not live on the venue are removed locally without a request.
func (s *Session) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.limiter.Wait(ctx, ratelimit.ClassSubscription); err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := s.post(ctx, func() { s.issueUnsubscribe(channels, s.replyOnce(reply)) }); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// UnsubscribeAll removes every channel.
func (s *Session) UnsubscribeAll(ctx context.Context) error {
	if err := s.limiter.Wait(ctx, ratelimit.ClassSubscription); err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := s.post(ctx, func() { s.issueUnsubscribeAll(s.replyOnce(reply)) }); err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// replyOnce publishes the actor's state before replying, so a caller sees
// its own change in AuthState, Subscriptions and Stats once it returns.
func (s *Session) replyOnce(reply chan<- error) func(error) {
	return func(err error) {
		s.publish()
		select {
		case reply <- err:
		default:
		}
	}
}

type subscribeOp struct {
	req  SubscribeRequest
	done func(error)
}

// batch is one subscribe or unsubscribe request.
type batch struct {
	method   string
	channels []string
}

func (s *Session) startSubscribe(op *subscribeOp) {
	s.whenReady(func() { s.issueSubscribe(op) }, op.done)
}

func (s *Session) issueSubscribe(op *subscribeOp) {
	channels := dedupe(op.req.Channels)
	authed := s.auth.hasToken()

	for _, ch := range channels {
		if s.registry.requiresAuth(ch) && !authed {
			op.done(fmt.Errorf("%w: %s", ErrAuthRequired, ch))
			return
		}
	}

	var public, private []string
	for _, ch := range channels {
		if e := s.registry.get(ch); e != nil && e.Status != SubscriptionFailed {
			continue
		}
		e := s.registry.add(ch, op.req.Params, op.req.Target)
		if e.RequiresAuth {
			private = append(private, ch)
		} else {
			public = append(public, ch)
		}
	}

	batches := s.subscribeBatches(public, private)
	if len(batches) == 0 {
		op.done(nil)
		return
	}

	remaining := len(batches)
	var firstErr error
	finish := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		if remaining == 0 {
			op.done(firstErr)
		}
	}

	for _, b := range batches {
		s.sendSubscribe(b, op.req.Params, false, finish)
	}
}

// sendSubscribe issues one subscribe batch for registered channels. A reauth
// rejection keeps the channels where they are and sends them once more after
// the session has re-authenticated.
func (s *Session) sendSubscribe(b batch, params rpc.Params, reauthed bool, finish func(error)) {
	epoch := s.epoch
	s.registry.sent(b.channels, epoch)
	s.request(b.method, subscribeParams(params, b.channels), ratelimit.ClassSubscription, 0, func(o rpc.Outcome) {
		s.registry.answered(b.channels, epoch)
		if errors.Is(o.Err, rpc.ErrReauthRequired) && !reauthed && s.canReauth() {
			s.registry.hold(b.channels, true)
			fail := func(err error) {
				s.registry.hold(b.channels, false)
				finish(err)
			}
			s.deferred = append(s.deferred, deferredOp{
				run:  func() { s.whenReady(func() { s.retrySubscribe(b, params, finish) }, fail) },
				fail: fail,
			})
			s.requestReauth(o.Err)
			return
		}
		finish(s.confirmSubscribe(b.channels, o))
	})
}

// retrySubscribe re-sends the channels of a batch the venue rejected for
// authentication. Channels removed or confirmed meanwhile are skipped.
func (s *Session) retrySubscribe(b batch, params rpc.Params, finish func(error)) {
	s.registry.hold(b.channels, false)

	var live []string
	for _, ch := range b.channels {
		e := s.registry.get(ch)
		if e == nil || e.removing || e.Status != SubscriptionPending || e.inflight == s.epoch {
			continue
		}
		live = append(live, ch)
	}
	if len(live) == 0 {
		finish(nil)
		return
	}

	if b.method == s.cfg.Methods.PrivateSubscribe && !s.auth.hasToken() {
		for _, ch := range live {
			s.registry.markFailed(ch, ErrAuthRequired)
		}
		finish(fmt.Errorf("%w: %s", ErrAuthRequired, strings.Join(live, ", ")))
		return
	}
	s.sendSubscribe(batch{b.method, live}, params, true, finish)
}

// confirmSubscribe applies a subscribe response to the registry.
func (s *Session) confirmSubscribe(channels []string, o rpc.Outcome) error {
	if o.Err != nil {
		if isTeardown(o.Err) {
			return o.Err
		}
		for _, ch := range channels {
			s.registry.remove(ch)
		}
		return o.Err
	}

	confirmed, ok := confirmedChannels(o.Result)
	var rejected []string
	for _, ch := range channels {
		if ok && !confirmed[ch] {
			rejected = append(rejected, ch)
			s.registry.remove(ch)
			continue
		}
		s.activate(ch)
	}
	if len(rejected) > 0 {
		return fmt.Errorf("%w: %s", ErrSubscribeRejected, strings.Join(rejected, ", "))
	}
	return nil
}

// activate marks channel active. Auth-required channels cannot be active
// without a token; confirmed during a refresh, they wait for its outcome.
func (s *Session) activate(channel string) {
	e := s.registry.get(channel)
	if e == nil {
		return
	}
	if e.RequiresAuth {
		switch s.auth.state.Status {
		case AuthAuthenticated:
		case AuthRefreshing:
			s.auth.unsettled = append(s.auth.unsettled, channel)
			return
		default:
			s.registry.markFailed(channel, ErrAuthRequired)
			return
		}
	}
	s.registry.markActive(channel, s.now())
}

// settleUnsettled activates the private channels confirmed while the
// refresh that just succeeded was in flight.
func (s *Session) settleUnsettled() {
	for _, ch := range s.auth.unsettled {
		if e := s.registry.get(ch); e != nil && e.Status == SubscriptionPending && !e.removing {
			s.registry.markActive(ch, s.now())
		}
	}
	s.auth.unsettled = nil
}

func (s *Session) subscribeBatches(public, private []string) []batch {
	var out []batch
	if len(public) > 0 {
		out = append(out, batch{s.cfg.Methods.PublicSubscribe, public})
	}
	if len(private) > 0 {
		out = append(out, batch{s.cfg.Methods.PrivateSubscribe, private})
	}
	return out
}

func subscribeParams(extra rpc.Params, channels []string) rpc.Params {
	p := rpc.Params{}
	maps.Copy(p, extra)
	p["channels"] = channels
	return p
}

// confirmedChannels decodes the venue's list of subscribed channels. ok is
// false when the result is not a list, in which case nothing is rejected.
func confirmedChannels(result json.RawMessage) (set map[string]bool, ok bool) {
	var list []string
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, false
	}
	set = make(map[string]bool, len(list))
	for _, ch := range list {
		set[ch] = true
	}
	return set, true
}

func dedupe(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func (s *Session) issueUnsubscribe(channels []string, done func(error)) {
	authed := s.auth.hasToken()

	var public, private []string
	for _, ch := range dedupe(channels) {
		e := s.registry.get(ch)
		if e == nil || e.removing {
			continue
		}
		if s.phase != phaseReady || e.Status == SubscriptionFailed || (e.RequiresAuth && !authed) {
			s.registry.remove(ch)
			continue
		}
		e.removing = true
		if e.RequiresAuth {
			private = append(private, ch)
		} else {
			public = append(public, ch)
		}
	}

	var batches []batch
	if len(public) > 0 {
		batches = append(batches, batch{s.cfg.Methods.PublicUnsubscribe, public})
	}
	if len(private) > 0 {
		batches = append(batches, batch{s.cfg.Methods.PrivateUnsubscribe, private})
	}
	if len(batches) == 0 {
		done(nil)
		return
	}

	remaining := len(batches)
	var firstErr error
	for _, b := range batches {
		s.request(b.method, rpc.Params{"channels": b.channels}, ratelimit.ClassSubscription, 0, func(o rpc.Outcome) {
			if err := s.confirmUnsubscribe(b.channels, o); err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			if remaining == 0 {
				done(firstErr)
			}
		})
	}
}

func (s *Session) issueUnsubscribeAll(done func(error)) {
	channels := slices.Clone(s.registry.order)
	if len(channels) == 0 {
		done(nil)
		return
	}
	if s.phase != phaseReady {
		for _, ch := range channels {
			s.registry.remove(ch)
		}
		done(nil)
		return
	}

	method := s.cfg.Methods.PublicUnsubscribeAll
	if s.auth.hasToken() {
		method = s.cfg.Methods.PrivateUnsubscribeAll
	}
	for _, ch := range channels {
		s.registry.setRemoving(ch, true)
	}
	s.request(method, nil, ratelimit.ClassSubscription, 0, func(o rpc.Outcome) {
		done(s.confirmUnsubscribe(channels, o))
	})
}

// confirmUnsubscribe applies an unsubscribe response. A lost connection
// counts as success since nothing survives it on the venue.
func (s *Session) confirmUnsubscribe(channels []string, o rpc.Outcome) error {
	err := o.Err
	switch {
	case err == nil || isTeardown(err):
		err = nil
	case errors.Is(err, rpc.ErrReauthRequired) && s.canReauth():
		for _, ch := range channels {
			s.registry.remove(ch)
		}
		s.requestReauth(err)
		return nil
	default:
		for _, ch := range channels {
			s.registry.setRemoving(ch, false)
		}
		return err
	}

	for _, ch := range channels {
		s.registry.remove(ch)
	}
	return nil
}

// replay re-issues registered channels, one request per channel in
// insertion order: pending ones, plus active ones when all is set. Failures
// are marked on the entry and reported as EventReplayFailed; the rest carry
// on.
func (s *Session) replay(all bool) {
	s.replayHeld = false
	epoch := s.epoch
	entries := s.registry.replayable(epoch, all)
	if len(entries) == 0 {
		return
	}

	authed := s.auth.hasToken()
	remaining, failed := len(entries), 0
	finish := func(channel string, err error) {
		s.telemetry.ReplayCompleted(channel, err)
		if err != nil {
			failed++
			s.registry.markFailed(channel, err)
			s.logger.Warn("subscription replay failed", "channel", channel, "error", err)
			s.emit(Event{Type: EventReplayFailed, Channel: channel, Err: err})
		}
		remaining--
		if remaining == 0 {
			s.logger.Info("subscriptions replayed", "channels", len(entries), "failed", failed)
			s.emit(Event{Type: EventReplayed})
		}
	}

	for _, e := range entries {
		if !s.isConnected() {
			return
		}
		ch := e.Channel
		if e.RequiresAuth && !authed {
			finish(ch, ErrAuthRequired)
			continue
		}

		method := s.cfg.Methods.PublicSubscribe
		if e.RequiresAuth {
			method = s.cfg.Methods.PrivateSubscribe
		}
		s.limiter.Charge(ratelimit.ClassSubscription)
		s.registry.sent([]string{ch}, epoch)
		s.request(method, subscribeParams(e.Params, []string{ch}), ratelimit.ClassSubscription, 0, func(o rpc.Outcome) {
			if isTeardown(o.Err) || epoch != s.epoch {
				return
			}
			s.registry.answered([]string{ch}, epoch)
			err := o.Err
			if err == nil {
				if confirmed, ok := confirmedChannels(o.Result); ok && !confirmed[ch] {
					err = ErrSubscribeRejected
				}
			}
			if err == nil {
				s.activate(ch)
			}
			finish(ch, err)
		})
	}
}

// onMessage handles one inbound frame from the transport.
func (s *Session) onMessage(epoch uint64, msg connection.TimestampedMessage) {
	if epoch != s.epoch || !s.isConnected() {
		return
	}

	f, err := rpc.DecodeFrame(msg.Data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err, "size", len(msg.Data))
		return
	}
	if s.correlator.Dispatch(f) != rpc.Unsolicited {
		return
	}

	switch {
	case s.isProbe(f):
		s.answerProbe(f)
	case f.Method == s.cfg.Methods.Notification:
		s.route(f, msg.ReceivedAt)
	case f.Method == s.cfg.Methods.Heartbeat:
	case f.Error != nil:
		s.logger.Warn("venue error without request id", "code", f.Error.Code, "message", f.Error.Message)
	default:
		s.logger.Debug("ignoring unsolicited frame", "method", f.Method)
	}
}

// route delivers a channel-data frame to the channel's target.
func (s *Session) route(f *rpc.Frame, receivedAt time.Time) {
	var p struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(f.Params, &p); err != nil || p.Channel == "" {
		s.logger.Warn("dropping malformed notification", "error", err)
		return
	}

	e := s.registry.get(p.Channel)
	if e == nil || e.target == nil {
		s.unroutedLog.Do(func() {
			s.logger.Warn("notification for unregistered channel", "channel", p.Channel)
		})
		return
	}

	e.target.Notify(router.Notification{
		Channel:    p.Channel,
		Data:       p.Data,
		Epoch:      s.epoch,
		ReceivedAt: receivedAt,
	})
	s.telemetry.NotificationRouted(p.Channel)
}
