package rpc

import (
	"slices"
	"strings"
)

// ErrorKind classifies a venue error.
type ErrorKind int

const (
	// KindProtocol is a plain venue error, surfaced to the caller as is.
	KindProtocol ErrorKind = iota
	// KindReauth means the session's token is no longer accepted.
	KindReauth
	// KindRateLimited means the venue rejected the request for rate.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindReauth:
		return "reauth"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "protocol"
	}
}

// Classifier decides an error's kind from configurable codes and message
// fragments. The exact code set is venue data, not engine logic.
type Classifier struct {
	ReauthCodes    []int
	ReauthMessages []string // Case-insensitive substrings of Error.Message
	RateLimitCodes []int
}

// DefaultClassifier returns the Deribit error classification.
func DefaultClassifier() Classifier {
	return Classifier{
		ReauthCodes:    []int{13009},
		ReauthMessages: []string{"invalid_token", "token_expired", "unauthorized"},
		RateLimitCodes: []int{10028},
	}
}

// Classify returns the kind for a venue error.
func (c Classifier) Classify(e *Error) ErrorKind {
	if e == nil {
		return KindProtocol
	}
	if slices.Contains(c.RateLimitCodes, e.Code) {
		return KindRateLimited
	}
	if slices.Contains(c.ReauthCodes, e.Code) {
		return KindReauth
	}
	msg := strings.ToLower(e.Message)
	for _, frag := range c.ReauthMessages {
		if frag != "" && strings.Contains(msg, strings.ToLower(frag)) {
			return KindReauth
		}
	}
	return KindProtocol
}
