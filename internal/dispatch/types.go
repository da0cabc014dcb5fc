// Package dispatch delivers rendered messages to push destinations through
// pluggable providers (FCM, Telegram, a log sink). Each provider sits behind
// its own circuit breaker and rate limiter; destinations fan out concurrently
// and each reports its own result.
package dispatch

import (
	"context"
	"errors"
)

// Destination is a single deliverable endpoint for a user.
type Destination struct {
	Kind  string `json:"kind"` // provider name: "fcm", "telegram", "log"
	Token string `json:"token"`
}

// Message is a rendered notification.
type Message struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // "high" maps to provider high priority
}

func (m Message) High() bool { return m.Priority == "high" }

// Result is the outcome for one destination. A nil Err is success.
type Result struct {
	Destination Destination
	Err         error
}

// Provider sends to a single token. Implementations wrap errors that
// retrying cannot fix with notify.Permanent.
type Provider interface {
	Name() string
	Send(ctx context.Context, token string, msg Message) error
}

var (
	ErrNoProvider   = errors.New("no provider for destination kind")
	ErrUnregistered = errors.New("destination token unregistered")
)

// Succeeded reports whether at least one result succeeded.
func Succeeded(results []Result) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}
