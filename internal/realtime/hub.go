package realtime

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const defaultMailbox = 32

// Session is one live connection. Events arrive on a bounded mailbox; a
// full mailbox drops the event for this session only.
type Session struct {
	ID     string
	UserID string

	ch      chan Event
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Session) Events() <-chan Event { return s.ch }

// Dropped reports events lost to a full mailbox.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

func (s *Session) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Session) close() { s.once.Do(func() { close(s.ch) }) }

// Hub tracks this instance's sessions by user.
type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[string]*Session
	mailbox int
	log     logx.Logger
}

func NewHub(mailbox int, log logx.Logger) *Hub {
	if mailbox <= 0 {
		mailbox = defaultMailbox
	}
	return &Hub{byUser: map[string]map[string]*Session{}, mailbox: mailbox, log: log.With(logx.String("comp", "realtime.hub"))}
}

func (h *Hub) Attach(userID string) *Session {
	s := &Session{ID: uuid.NewString(), UserID: userID, ch: make(chan Event, h.mailbox)}
	h.mu.Lock()
	m := h.byUser[userID]
	if m == nil {
		m = map[string]*Session{}
		h.byUser[userID] = m
	}
	m[s.ID] = s
	h.mu.Unlock()
	h.log.Debug("session attached", logx.String("user", userID), logx.String("session", s.ID))
	return s
}

// Detach removes s and closes its mailbox. It is idempotent.
func (h *Hub) Detach(s *Session) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if m := h.byUser[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Deliver offers ev to every local session of userID and returns how many
// accepted it.
func (h *Hub) Deliver(userID string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.byUser[userID] {
		if s.offer(ev) {
			n++
			continue
		}
		h.log.Warn("session mailbox full, event dropped",
			logx.String("user", userID), logx.String("session", s.ID), logx.String("event", ev.ID))
	}
	return n
}

// Handles lists the local session ids of userID, sorted.
func (h *Hub) Handles(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byUser[userID]))
	for id := range h.byUser[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sessions returns every local session grouped by user.
func (h *Hub) Sessions() map[string][]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]string, len(h.byUser))
	for u, m := range h.byUser {
		for id := range m {
			out[u] = append(out[u], id)
		}
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.byUser {
		n += len(m)
	}
	return n
}
