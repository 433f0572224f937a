// Package channel issues connection tokens and decides which realtime
// channels a connection may subscribe to.
package channel

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindUser  Kind = "user"
	KindGuest Kind = "guest"
)

// Credential is what a presented token resolves to.
type Credential struct {
	Kind      Kind
	UserID    uint64
	ClientID  string
	SessionID string
	WidgetID  string
	// Channels is the fixed channel list of a guest token. Empty for user tokens.
	Channels  []string
	ExpiresAt time.Time
}

// Allows reports whether a guest credential's channel list contains name.
// User credentials are not restricted by a list.
func (c *Credential) Allows(name string) bool {
	if c.Kind != KindGuest {
		return true
	}
	return slices.Contains(c.Channels, name)
}

// IssuedToken is returned to the caller of a token endpoint.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Channels  []string  `json:"channels,omitempty"`
}

// ErrInvalidToken covers unknown, malformed, expired and revoked tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
