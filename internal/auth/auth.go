// Package auth checks the x-api-key a caller presents against the configured key.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/ternlabs/osm-proxy/internal/core/observability"
)

const (
	Header = "x-api-key"

	ReasonMissing = "missing_key"
	ReasonInvalid = "invalid_key"
)

var ErrNoKey = errors.New("auth: configured api key is empty")

// Result is the per-request auth decision. It is never stored.
type Result struct {
	Authorized bool
	Reason     string
}

type Gate struct {
	key []byte
}

// NewGate refuses an empty key, so a misconfigured gate cannot accept everyone.
func NewGate(key string) (*Gate, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNoKey
	}
	return &Gate{key: []byte(key)}, nil
}

// Authenticate compares presented to the configured key in constant time.
func (g *Gate) Authenticate(presented string) Result {
	if presented == "" {
		observability.IncAuth(ReasonMissing)
		return Result{Reason: ReasonMissing}
	}
	if subtle.ConstantTimeCompare([]byte(presented), g.key) != 1 {
		observability.IncAuth(ReasonInvalid)
		return Result{Reason: ReasonInvalid}
	}
	observability.IncAuth("ok")
	return Result{Authorized: true}
}
