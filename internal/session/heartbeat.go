package session

import (
	"encoding/json"

	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// heartbeatProbeType marks a heartbeat that must be acknowledged.
const heartbeatProbeType = "test_request"

// isProbe reports whether an unsolicited frame is a liveness probe.
func (s *Session) isProbe(f *rpc.Frame) bool {
	switch f.Method {
	case s.cfg.Methods.Probe:
		return true
	case s.cfg.Methods.Heartbeat:
		var p struct {
			Type string `json:"type"`
		}
		return json.Unmarshal(f.Params, &p) == nil && p.Type == heartbeatProbeType
	}
	return false
}

// answerProbe acknowledges a liveness probe in the same pass that read it.
// The venue closes the connection and cancels orders if the answer is late,
// so it skips the limiter and anything deferred.
func (s *Session) answerProbe(f *rpc.Frame) {
	params := probePayload(f, s.cfg.Methods.Heartbeat)

	epoch := s.epoch
	s.request(s.cfg.Methods.Test, params, ratelimit.ClassHighPriority, 0, func(o rpc.Outcome) {
		if o.Err != nil && !isTeardown(o.Err) {
			s.logger.Warn("probe acknowledgment failed", "epoch", epoch, "error", o.Err)
		}
	})
	s.telemetry.ProbeAnswered()
	s.logger.Debug("answered liveness probe", "method", f.Method, "epoch", epoch)
}

// probePayload returns the probe's params for echoing. Values are kept as
// raw JSON so they go back byte for byte. A heartbeat's own type field is
// not part of the payload.
func probePayload(f *rpc.Frame, heartbeat string) rpc.Params {
	params := rpc.Params{}

	var raw map[string]json.RawMessage
	if len(f.Params) == 0 || json.Unmarshal(f.Params, &raw) != nil {
		return params
	}
	for k, v := range raw {
		if f.Method == heartbeat && k == "type" {
			continue
		}
		params[k] = v
	}
	return params
}

// enableHeartbeat asks the venue to start probing the new connection.
func (s *Session) enableHeartbeat() {
	interval := int(s.cfg.HeartbeatInterval.Seconds())
	s.limiter.Charge(ratelimit.ClassQuery)

	epoch := s.epoch
	s.request(s.cfg.Methods.SetHeartbeat, rpc.Params{"interval": interval}, ratelimit.ClassQuery, 0, func(o rpc.Outcome) {
		if o.Err != nil && !isTeardown(o.Err) {
			s.logger.Warn("set_heartbeat failed", "epoch", epoch, "interval", interval, "error", o.Err)
		}
	})
}
