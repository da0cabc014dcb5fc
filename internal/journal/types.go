package journal

import (
	"context"
	"errors"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
)

var ErrClosed = errors.New("journal closed")

type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeDead             Outcome = "dead"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeBatchedDelivered Outcome = "batched_delivered"
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// Entry is one terminal outcome. Intent is kept for dead letters so they
// can be inspected or replayed.
type Entry struct {
	At         time.Time      `json:"at"`
	IntentID   string         `json:"intent_id"`
	UserID     string         `json:"user_id"`
	TemplateID string         `json:"template_id,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Error      string         `json:"error,omitempty"`
	Intent     *notify.Intent `json:"intent,omitempty"`
}

// EntryFor builds an Entry from an intent.
func EntryFor(in *notify.Intent, outcome Outcome, reason string, at time.Time) Entry {
	return Entry{
		At:         at,
		IntentID:   in.ID,
		UserID:     in.UserID,
		TemplateID: in.TemplateID,
		Kind:       in.Kind(),
		Outcome:    outcome,
		Reason:     reason,
		Attempts:   in.RetryCount,
	}
}

type Journal interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first. An empty outcome
	// matches everything.
	Recent(ctx context.Context, outcome Outcome, limit int) ([]Entry, error)
	// Prune drops entries older than before and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Nop discards appends and returns nothing.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error { return nil }
func (Nop) Recent(context.Context, Outcome, int) ([]Entry, error) {
	return nil, nil
}
func (Nop) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (Nop) Close() error                                  { return nil }
