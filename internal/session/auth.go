package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/deribit-session/internal/connection"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// minRefreshDelay keeps a token with a tiny lifetime from spinning the timer.
const minRefreshDelay = time.Second

// authManager holds the auth lifecycle state. Owned by the actor.
type authManager struct {
	state     AuthState
	threshold time.Duration

	// Re-authenticate with the refresh token rather than the credentials.
	// Set after exchange or fork, whose tokens belong to another subject
	// or session.
	useRefresh bool

	// The session has been authenticated since the last reset or logout, so
	// a reconnect must re-authenticate before resuming traffic.
	wasAuthenticated bool

	// An exchange or fork is in flight. Status and token are left alone
	// until the venue answers.
	switching bool

	// Private channels the venue confirmed while a refresh was in flight.
	// They become active once the refresh succeeds.
	unsettled []string

	timer    stopper
	timerSeq uint64
}

// tokenResult is the result of auth, exchange_token and fork_token.
type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // Seconds
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

func (a *authManager) reset() {
	a.stopTimer()
	a.state = AuthState{Status: AuthUnauthenticated, RefreshThreshold: a.threshold}
	a.useRefresh = false
	a.wasAuthenticated = false
	a.switching = false
	a.unsettled = nil
}

// hasToken reports whether an access token is held. True while a refresh
// is in flight, since the old token stays valid until it is replaced.
func (a *authManager) hasToken() bool {
	return a.state.Status == AuthAuthenticated || a.state.Status == AuthRefreshing
}

// begin marks a credentials or refresh-token grant in flight. No token is
// held while authenticating.
func (a *authManager) begin() {
	a.state.Status = AuthAuthenticating
	a.state.AccessToken = ""
}

// apply installs the tokens from a successful auth-shaped response.
func (a *authManager) apply(result json.RawMessage, now time.Time) error {
	var tr tokenResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return fmt.Errorf("decode auth result: %w", err)
	}
	if tr.AccessToken == "" {
		return ErrEmptyToken
	}

	a.state.Status = AuthAuthenticated
	a.state.AccessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		a.state.RefreshToken = tr.RefreshToken
	}
	a.state.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	a.state.RefreshThreshold = a.threshold
	a.state.Scope = tr.Scope
	a.state.Err = nil
	a.wasAuthenticated = true
	return nil
}

// fail moves to failed and drops both tokens.
func (a *authManager) fail(err error) {
	a.stopTimer()
	a.state.Status = AuthFailed
	a.state.AccessToken = ""
	a.state.RefreshToken = ""
	a.state.Err = err
	a.useRefresh = false
	a.switching = false
	a.unsettled = nil
}

// connectionLost drops the access token, which was bound to the connection.
// The refresh token survives for re-authentication.
func (a *authManager) connectionLost() {
	a.stopTimer()
	a.switching = false
	a.unsettled = nil
	switch a.state.Status {
	case AuthAuthenticated, AuthRefreshing, AuthAuthenticating:
		a.state.Status = AuthUnauthenticated
		a.state.AccessToken = ""
	}
}

// refreshDelay returns how long until the token should be renewed.
func (a *authManager) refreshDelay(now time.Time) time.Duration {
	lifetime := a.state.ExpiresAt.Sub(now)
	d := lifetime - a.state.RefreshThreshold
	if d <= 0 {
		d = lifetime / 2
	}
	if d < minRefreshDelay {
		d = minRefreshDelay
	}
	return d
}

func (a *authManager) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerSeq++
}

// authOrigin says who started an authentication.
type authOrigin int

const (
	originUser authOrigin = iota
	originReconnect
)

type authReply struct {
	state AuthState
	err   error
}

// Authenticate authenticates the session with its credentials. It returns
// immediately if the session is already authenticated. Concurrent callers
// share one request.
func (s *Session) Authenticate(ctx context.Context) (AuthState, error) {
	v, err, _ := s.authFlight.Do("authenticate", func() (any, error) {
		if err := s.limiter.Wait(ctx, ratelimit.ClassAuth); err != nil {
			return s.AuthState(), err
		}
		r, err := s.authOp(ctx, func(done func(AuthState, error)) {
			s.whenReady(func() {
				if s.auth.hasToken() {
					done(s.auth.state, nil)
					return
				}
				s.authenticate(originUser, func(_ AuthState, err error) {
					// Replay held back by a failed re-authentication.
					if err == nil && s.replayHeld {
						s.replay(false)
					}
					done(s.auth.state, err)
				})
			}, func(err error) { done(s.auth.state, err) })
		})
		return r, err
	})

	state, _ := v.(AuthState)
	return state, err
}

// Exchange switches the session to another subaccount. Subscriptions are kept
// and replayed under the new token. An empty refreshToken uses the session's.
func (s *Session) Exchange(ctx context.Context, refreshToken string, subjectID int64) (AuthState, error) {
	return s.switchToken(ctx, refreshToken, func(rt string) (string, rpc.Params) {
		return s.cfg.Methods.ExchangeToken, rpc.Params{"refresh_token": rt, "subject_id": subjectID}
	}, "")
}

// Fork creates a named session from the current one. Subscriptions are kept
// and replayed under the new token. An empty refreshToken uses the session's.
func (s *Session) Fork(ctx context.Context, refreshToken, sessionName string) (AuthState, error) {
	return s.switchToken(ctx, refreshToken, func(rt string) (string, rpc.Params) {
		return s.cfg.Methods.ForkToken, rpc.Params{"refresh_token": rt, "session_name": sessionName}
	}, sessionName)
}

// Logout ends the authenticated session and closes the connection without
// reconnecting. Tokens are cleared whatever the venue answers.
func (s *Session) Logout(ctx context.Context, invalidateTokens bool) error {
	reply := make(chan error, 1)
	err := s.post(ctx, func() {
		s.logout(invalidateTokens, s.replyOnce(reply))
	})
	if err != nil {
		return err
	}
	return s.awaitErr(ctx, reply)
}

// authOp runs start on the actor and waits for its reply.
func (s *Session) authOp(ctx context.Context, start func(done func(AuthState, error))) (AuthState, error) {
	reply := make(chan authReply, 1)
	done := func(st AuthState, err error) {
		s.publish()
		select {
		case reply <- authReply{st, err}:
		default:
		}
	}
	if err := s.post(ctx, func() { start(done) }); err != nil {
		return s.AuthState(), err
	}

	select {
	case r := <-reply:
		return r.state, r.err
	case <-ctx.Done():
		return s.AuthState(), ctx.Err()
	case <-s.done:
		return s.AuthState(), ErrSessionClosed
	}
}

func (s *Session) switchToken(ctx context.Context, refreshToken string, build func(string) (string, rpc.Params), sessionName string) (AuthState, error) {
	if err := s.limiter.Wait(ctx, ratelimit.ClassAuth); err != nil {
		return s.AuthState(), err
	}
	return s.authOp(ctx, func(done func(AuthState, error)) {
		s.whenReady(func() {
			rt := refreshToken
			if rt == "" {
				rt = s.auth.state.RefreshToken
			}
			if rt == "" {
				done(s.auth.state, ErrNoCredentials)
				return
			}
			method, params := build(rt)
			s.issueTokenSwitch(method, params, sessionName, done)
		}, func(err error) { done(s.auth.state, err) })
	})
}

// grantParams picks the grant for a fresh authentication.
func (s *Session) grantParams() (rpc.Params, error) {
	if s.auth.useRefresh && s.auth.state.RefreshToken != "" {
		return refreshGrant(s.auth.state.RefreshToken), nil
	}
	if s.creds == nil {
		return nil, ErrNoCredentials
	}
	params, err := s.creds.GrantParams(s.now())
	if err != nil {
		return nil, err
	}
	return rpc.Params(params), nil
}

func refreshGrant(token string) rpc.Params {
	return rpc.Params{"grant_type": "refresh_token", "refresh_token": token}
}

// canReauth reports whether a reconnect-and-reauthenticate cycle can succeed.
func (s *Session) canReauth() bool {
	return s.creds != nil || (s.auth.useRefresh && s.auth.state.RefreshToken != "")
}

// authenticate sends an auth request and drives the state machine from its
// outcome. done runs on the actor.
func (s *Session) authenticate(origin authOrigin, done func(AuthState, error)) {
	params, err := s.grantParams()
	if err != nil {
		s.auth.fail(err)
		s.emit(Event{Type: EventAuthFailed, Err: err})
		done(s.auth.state, err)
		return
	}

	s.auth.begin()
	s.request(s.cfg.Methods.Auth, params, ratelimit.ClassAuth, 0, func(o rpc.Outcome) {
		if isTeardown(o.Err) {
			done(s.auth.state, o.Err)
			return
		}

		err := o.Err
		if err == nil {
			now := s.now()
			if err = s.auth.apply(o.Result, now); err == nil {
				s.authenticated(now)
				done(s.auth.state, nil)
				return
			}
		}

		s.logger.Warn("authentication failed", "error", err)
		s.auth.fail(err)
		s.emit(Event{Type: EventAuthFailed, Err: err})

		// An invalidated session only recovers on a fresh connection. Failing
		// again right after reconnecting means it will not recover at all.
		if origin == originUser && errors.Is(err, rpc.ErrReauthRequired) && s.canReauth() {
			s.requestReauth(err)
		}
		done(s.auth.state, err)
	})
}

// reauthenticate holds traffic on a fresh connection until auth completes,
// then releases it and replays subscriptions. If auth fails, traffic is
// released but nothing is replayed until the next successful Authenticate.
func (s *Session) reauthenticate() {
	s.phase = phaseAuthenticating
	s.limiter.Charge(ratelimit.ClassAuth)

	epoch := s.epoch
	s.authenticate(originReconnect, func(_ AuthState, err error) {
		if isTeardown(err) || epoch != s.epoch {
			return
		}
		s.reauthPending = false
		s.replayHeld = err != nil
		if err != nil {
			s.logger.Error("re-authentication failed, holding subscriptions until authenticated", "error", err)
		}
		s.becomeReady()
	})
}

func (s *Session) authenticated(now time.Time) {
	s.armRefresh(now)
	s.logger.Info("authenticated",
		"scope", s.auth.state.Scope,
		"expires_at", s.auth.state.ExpiresAt,
	)
	s.emit(Event{Type: EventAuthenticated})
}

// armRefresh schedules the next token renewal. Only the most recent
// arming can fire.
func (s *Session) armRefresh(now time.Time) {
	s.auth.stopTimer()
	seq := s.auth.timerSeq
	d := s.auth.refreshDelay(now)

	s.auth.timer = s.refreshAfter(d, func() {
		_ = s.post(s.ctx, func() { s.onRefreshTimer(seq) })
	})
	s.logger.Debug("token refresh scheduled", "in", d)
}

func (s *Session) onRefreshTimer(seq uint64) {
	if seq != s.auth.timerSeq || s.auth.state.Status != AuthAuthenticated || s.auth.switching || !s.isConnected() {
		return
	}
	s.auth.timer = nil

	params := refreshGrant(s.auth.state.RefreshToken)
	if s.auth.state.RefreshToken == "" {
		p, err := s.grantParams()
		if err != nil {
			s.auth.fail(err)
			s.registry.demotePrivate()
			s.emit(Event{Type: EventAuthFailed, Err: err})
			return
		}
		params = p
	}

	s.auth.state.Status = AuthRefreshing
	s.limiter.Charge(ratelimit.ClassAuth)
	s.request(s.cfg.Methods.Auth, params, ratelimit.ClassAuth, 0, func(o rpc.Outcome) {
		if isTeardown(o.Err) {
			return
		}

		err := o.Err
		if err == nil {
			now := s.now()
			if err = s.auth.apply(o.Result, now); err == nil {
				s.armRefresh(now)
				s.settleUnsettled()
				s.logger.Debug("token refreshed", "expires_at", s.auth.state.ExpiresAt)
				return
			}
		}

		s.logger.Warn("token refresh failed, reconnecting", "error", err)
		s.auth.fail(err)
		s.registry.demotePrivate()
		s.emit(Event{Type: EventAuthFailed, Err: err})
		s.requestReauth(err)
	})
}

// issueTokenSwitch sends exchange_token or fork_token. The current token
// stays in use until the venue answers. On success the registry is replayed
// under the new token; on failure the current auth state is kept.
func (s *Session) issueTokenSwitch(method string, params rpc.Params, sessionName string, done func(AuthState, error)) {
	s.auth.stopTimer()
	s.auth.switching = true
	s.request(method, params, ratelimit.ClassAuth, 0, func(o rpc.Outcome) {
		s.auth.switching = false
		if isTeardown(o.Err) {
			done(s.auth.state, o.Err)
			return
		}

		err := o.Err
		if err == nil {
			now := s.now()
			if err = s.auth.apply(o.Result, now); err == nil {
				s.auth.useRefresh = true
				if sessionName != "" {
					s.auth.state.SessionName = sessionName
				}
				s.authenticated(now)
				s.replay(true)
				done(s.auth.state, nil)
				return
			}
		}

		s.logger.Warn("token switch failed", "method", method, "error", err)
		if s.auth.state.Status == AuthAuthenticated && s.auth.timer == nil {
			s.armRefresh(s.now())
		}
		if errors.Is(err, rpc.ErrReauthRequired) && s.canReauth() {
			s.requestReauth(err)
		}
		done(s.auth.state, err)
	})
}

// logout sends the logout request, then clears tokens and closes the
// connection gracefully whatever the outcome.
func (s *Session) logout(invalidate bool, done func(error)) {
	finish := func(err error) {
		s.auth.reset()
		s.replayHeld = false
		if s.isConnected() {
			s.disconnect(ReasonGraceful, nil)
		}
		s.loggingOut = false
		s.phase = phaseIdle
		s.stopReconnecting()
		s.failDeferred(connection.ErrNotConnected)
		s.emit(Event{Type: EventLoggedOut})
		s.logger.Info("logged out", "invalidate_tokens", invalidate)
		done(err)
	}

	if !s.isConnected() {
		finish(nil)
		return
	}

	s.loggingOut = true
	s.limiter.Charge(ratelimit.ClassAuth)
	s.request(s.cfg.Methods.Logout, rpc.Params{"invalidate_token": invalidate}, ratelimit.ClassAuth, s.cfg.LogoutTimeout, func(o rpc.Outcome) {
		err := o.Err
		// The venue closes the connection instead of answering.
		if errors.Is(err, rpc.ErrDisconnected) || errors.Is(err, rpc.ErrTimeout) {
			err = nil
		}
		finish(err)
	})
}

// requestReauth starts a reconnect-and-reauthenticate cycle.
func (s *Session) requestReauth(cause error) {
	s.reauthPending = true
	if s.isConnected() {
		s.disconnect(ReasonAuthError, cause)
	}
}
