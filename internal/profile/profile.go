// Package profile defines the per-user collaborators the pipeline consults
// (preferences, engagement, sender reputation, destinations, followers) and
// implements them over the shared store.
package profile

import (
	"context"
	"errors"
	"slices"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
)

// ErrFollowersUnavailable means follower lookup is not wired. It is distinct
// from a user with no followers, which is an empty slice and a nil error.
var ErrFollowersUnavailable = errors.New("followers lookup unavailable")

// Prefs is a user's notification preference record.
type Prefs struct {
	DisabledTypes []string `json:"disabled_types,omitempty"`
	PushDisabled  bool     `json:"push_disabled,omitempty"`
	QuietStart    string   `json:"quiet_start,omitempty"` // "22:00"; empty uses the default window
	QuietEnd      string   `json:"quiet_end,omitempty"`
	QuietDisabled bool     `json:"quiet_disabled,omitempty"`
	Timezone      string   `json:"timezone,omitempty"` // IANA name
	Locale        string   `json:"locale,omitempty"`
}

func (p Prefs) TypeDisabled(kind string) bool { return slices.Contains(p.DisabledTypes, kind) }

// Engagement summarizes how a user historically interacts with notifications.
type Engagement struct {
	FavoredTypes []string `json:"favored_types,omitempty"`
	OpenRate     float64  `json:"open_rate"`
}

func (e Engagement) Favors(kind string) bool { return slices.Contains(e.FavoredTypes, kind) }

// Preferences returns ok=false when the user has no record.
type Preferences interface {
	Preferences(ctx context.Context, userID string) (Prefs, bool, error)
}

type Engagements interface {
	Engagement(ctx context.Context, userID string) (Engagement, bool, error)
}

// Reputation returns a sender score in [0,1]; ok=false for unknown senders.
type Reputation interface {
	Reputation(ctx context.Context, senderID string) (float64, bool, error)
}

type Destinations interface {
	Destinations(ctx context.Context, userID string) ([]dispatch.Destination, error)
	// Forget removes a token the provider reported as unregistered.
	Forget(ctx context.Context, userID string, d dispatch.Destination) error
}

type Followers interface {
	Followers(ctx context.Context, userID string) ([]string, error)
}

// NoFollowers is the Followers implementation used when no social graph is wired.
type NoFollowers struct{}

func (NoFollowers) Followers(context.Context, string) ([]string, error) {
	return nil, ErrFollowersUnavailable
}
