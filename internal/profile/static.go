package profile

import (
	"context"
	"sync"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
)

// Static is an in-memory implementation of every collaborator, for tests
// and local runs.
type Static struct {
	mu     sync.Mutex
	Prefs  map[string]Prefs
	Engage map[string]Engagement
	Rep    map[string]float64
	Dests  map[string][]dispatch.Destination
	Follow map[string][]string

	// Err, when set, is returned by every lookup.
	Err error
}

func NewStatic() *Static {
	return &Static{
		Prefs:  map[string]Prefs{},
		Engage: map[string]Engagement{},
		Rep:    map[string]float64{},
		Dests:  map[string][]dispatch.Destination{},
		Follow: map[string][]string{},
	}
}

func (s *Static) Preferences(_ context.Context, userID string) (Prefs, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return Prefs{}, false, s.Err
	}
	p, ok := s.Prefs[userID]
	return p, ok, nil
}

func (s *Static) Engagement(_ context.Context, userID string) (Engagement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return Engagement{}, false, s.Err
	}
	e, ok := s.Engage[userID]
	return e, ok, nil
}

func (s *Static) Reputation(_ context.Context, senderID string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	r, ok := s.Rep[senderID]
	return r, ok, nil
}

func (s *Static) Destinations(_ context.Context, userID string) ([]dispatch.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]dispatch.Destination(nil), s.Dests[userID]...), nil
}

func (s *Static) Forget(_ context.Context, userID string, d dispatch.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.Dests[userID]
	out := cur[:0]
	for _, x := range cur {
		if x != d {
			out = append(out, x)
		}
	}
	s.Dests[userID] = out
	return nil
}

func (s *Static) Followers(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]string{}, s.Follow[userID]...), nil
}
