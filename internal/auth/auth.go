// Package auth resolves venue API credentials and builds the grant
// parameters used to authenticate a session.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Grant selects how the client proves its identity.
type Grant string

const (
	// GrantClientCredentials sends the client secret in the auth request.
	GrantClientCredentials Grant = "client_credentials"
	// GrantClientSignature sends an HMAC signature instead of the secret.
	GrantClientSignature Grant = "client_signature"
)

// Errors
var (
	ErrMissingClientID = errors.New("client ID is required")
	ErrMissingSecret   = errors.New("client secret is required")
	ErrUnknownGrant    = errors.New("unknown grant type")
)

// newNonce is replaced in tests.
var newNonce = uuid.NewString

// Credentials holds the API client ID and secret.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Grant        Grant
	Scope        string // Optional requested scope, e.g. "session:bot"
	Data         string // Optional user data folded into the signature
}

// LoadCredentials loads credentials from a client ID and a file holding the
// client secret.
func LoadCredentials(clientID, secretPath string) (*Credentials, error) {
	if clientID == "" {
		return nil, ErrMissingClientID
	}
	if secretPath == "" {
		return nil, fmt.Errorf("secret path is required")
	}

	data, err := os.ReadFile(secretPath)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, ErrMissingSecret
	}

	return &Credentials{
		ClientID:     clientID,
		ClientSecret: secret,
		Grant:        GrantClientSignature,
	}, nil
}

// FromEnv loads credentials from the named environment variables.
func FromEnv(idVar, secretVar string) (*Credentials, error) {
	clientID := os.Getenv(idVar)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrMissingClientID, idVar)
	}
	secret := os.Getenv(secretVar)
	if secret == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrMissingSecret, secretVar)
	}

	return &Credentials{
		ClientID:     clientID,
		ClientSecret: secret,
		Grant:        GrantClientSignature,
	}, nil
}

// Validate checks that the credentials can produce grant parameters.
func (c *Credentials) Validate() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	if c.ClientSecret == "" {
		return ErrMissingSecret
	}
	switch c.Grant {
	case "", GrantClientCredentials, GrantClientSignature:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownGrant, c.Grant)
}

// GrantParams returns the named parameters for the auth request.
func (c *Credentials) GrantParams(now time.Time) (map[string]any, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var params map[string]any
	switch c.Grant {
	case GrantClientCredentials:
		params = map[string]any{
			"grant_type":    string(GrantClientCredentials),
			"client_id":     c.ClientID,
			"client_secret": c.ClientSecret,
		}
	default:
		timestampMs := now.UnixMilli()
		nonce := newNonce()
		params = map[string]any{
			"grant_type": string(GrantClientSignature),
			"client_id":  c.ClientID,
			"timestamp":  timestampMs,
			"nonce":      nonce,
			"data":       c.Data,
			"signature":  c.Sign(timestampMs, nonce, c.Data),
		}
	}

	if c.Scope != "" {
		params["scope"] = c.Scope
	}
	return params, nil
}

// Sign returns the hex HMAC-SHA256 signature of the message
// timestamp + "\n" + nonce + "\n" + data, keyed by the client secret.
func (c *Credentials) Sign(timestampMs int64, nonce, data string) string {
	message := strconv.FormatInt(timestampMs, 10) + "\n" + nonce + "\n" + data

	mac := hmac.New(sha256.New, []byte(c.ClientSecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String redacts the secret.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials{ClientID: %s, Grant: %s}", c.ClientID, c.Grant)
}
