// Package notify holds the notification pipeline's shared vocabulary:
// intents, filtering decisions, admission results and the clock.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Channel is a delivery channel for an intent.
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelRealtime Channel = "realtime"
)

// State is the lifecycle state of an intent inside the scheduler.
type State string

const (
	StateCreated   State = "created"
	StateFiltered  State = "filtered_out"
	StateImmediate State = "enqueued_immediate"
	StateDelayed   State = "enqueued_delayed"
	StateBatched   State = "batched"
	StateSent      State = "sent"
	StateDead      State = "dead"
)

// DefaultMaxRetries applies when an intent does not set MaxRetries.
const DefaultMaxRetries = 3

var ErrInvalidIntent = errors.New("invalid intent")

// Intent is a not-yet-delivered request to notify one user. Once enqueued
// only the scheduler mutates it (RetryCount, ScheduledFor, State).
type Intent struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"user_id"`
	TemplateID         string            `json:"template_id"`
	Vars               map[string]string `json:"vars,omitempty"`
	Priority           Priority          `json:"priority"`
	ScheduledFor       time.Time         `json:"scheduled_for,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	QuietHoursOverride bool              `json:"quiet_hours_override,omitempty"`
	BatchEligible      bool              `json:"batch_eligible,omitempty"`
	Locale             string            `json:"locale,omitempty"`
	Channels           []Channel         `json:"channels,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	State              State             `json:"state,omitempty"`
}

// Kind is the notification type used for weights, limits and batching:
// metadata["type"] when set, else the template id up to the first ".".
func (in *Intent) Kind() string {
	if t := strings.TrimSpace(in.Metadata["type"]); t != "" {
		return strings.ToLower(t)
	}
	kind, _, _ := strings.Cut(in.TemplateID, ".")
	return strings.ToLower(kind)
}

// SenderID is the actor that caused the notification (metadata["sender_id"]).
func (in *Intent) SenderID() string { return in.Metadata["sender_id"] }

// BatchKey groups related intents from one logical producer burst
// (metadata["batch_id"], falling back to the template id).
func (in *Intent) BatchKey() string {
	if b := in.Metadata["batch_id"]; b != "" {
		return b
	}
	return in.TemplateID
}

func (in *Intent) Wants(ch Channel) bool {
	if len(in.Channels) == 0 {
		return true
	}
	for _, c := range in.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Validate rejects malformed intents. It does not mutate in.
func (in *Intent) Validate() error {
	switch {
	case in == nil:
		return fmt.Errorf("%w: nil", ErrInvalidIntent)
	case strings.TrimSpace(in.UserID) == "":
		return fmt.Errorf("%w: user_id required", ErrInvalidIntent)
	case strings.TrimSpace(in.TemplateID) == "":
		return fmt.Errorf("%w: template_id required", ErrInvalidIntent)
	case in.Priority != "" && !in.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidIntent, in.Priority)
	case in.RetryCount < 0 || in.MaxRetries < 0:
		return fmt.Errorf("%w: negative retry counts", ErrInvalidIntent)
	}
	for _, c := range in.Channels {
		if c != ChannelPush && c != ChannelRealtime {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidIntent, c)
		}
	}
	return nil
}

// Normalize fills defaults. newID is called only when ID is empty.
func (in *Intent) Normalize(now time.Time, newID func() string) {
	if in.ID == "" && newID != nil {
		in.ID = newID()
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = DefaultMaxRetries
	}
	if in.State == "" {
		in.State = StateCreated
	}
}

// Due reports whether the intent may be sent at now.
func (in *Intent) Due(now time.Time) bool {
	return in.ScheduledFor.IsZero() || !in.ScheduledFor.After(now)
}
