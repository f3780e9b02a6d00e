package session

import (
	"log/slog"
	"sync"
	"time"

	"entitlementd/internal/license"
	"entitlementd/pkg/contracts/domain"
)

// Status is the session lifecycle position
type Status string

const (
	StatusUninitialized Status = "UNINITIALIZED"
	StatusLoading       Status = "LOADING"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusAnonymous     Status = "ANONYMOUS"
	StatusExpired       Status = "EXPIRED"
)

// Rejection records the last authoritative refusal from the license server
type Rejection struct {
	Kind       license.ErrorKind `json:"kind"`
	MaxDevices int               `json:"max_devices,omitempty"`
}

// Snapshot is one published entitlement state. It is immutable once
// published; User is a private copy.
type Snapshot struct {
	Status     Status       `json:"status"`
	User       *domain.User `json:"user,omitempty"`
	IsLoggedIn bool         `json:"is_logged_in"`
	IsPro      bool         `json:"is_pro"`
	Rejection  *Rejection   `json:"rejection,omitempty"`
	Optimistic bool         `json:"optimistic,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// newSnapshot is the only constructor for published state, so IsPro is
// always derived from the tier of the user it is published with.
func newSnapshot(status Status, user *domain.User, rejection *Rejection, optimistic bool, now time.Time) Snapshot {
	s := Snapshot{
		Status:     status,
		Optimistic: optimistic && status == StatusAuthenticated,
		UpdatedAt:  now,
	}
	if user != nil {
		u := *user
		s.User = &u
	}
	if rejection != nil {
		r := *rejection
		s.Rejection = &r
	}
	s.IsLoggedIn = s.User != nil && (status == StatusAuthenticated || status == StatusExpired)
	s.IsPro = s.IsLoggedIn && status == StatusAuthenticated && s.User.Tier.IsPaid()
	return s
}

// Tier is the effective tier of the snapshot
func (s Snapshot) Tier() domain.Tier {
	if !s.IsLoggedIn || s.Status != StatusAuthenticated {
		return domain.TierFree
	}
	return s.User.Tier
}

// Allows reports whether the snapshot grants at least minimum
func (s Snapshot) Allows(minimum domain.Tier) bool {
	return s.Tier().Satisfies(minimum)
}

// EventKind names the notifications sent to subscribers
type EventKind string

const (
	EventLoading  EventKind = "loading"
	EventVerified EventKind = "verified"
	EventLogout   EventKind = "logout"
)

// Event is delivered to subscribers after every publish
type Event struct {
	Kind     EventKind `json:"event"`
	Snapshot Snapshot  `json:"state"`
	Reason   string    `json:"reason,omitempty"`
}

func eventKindFor(status Status) EventKind {
	switch status {
	case StatusAuthenticated, StatusExpired:
		return EventVerified
	case StatusLoading:
		return EventLoading
	default:
		return EventLogout
	}
}

// Listener receives events synchronously. It must not publish.
type Listener func(Event)

// State owns the current snapshot and its subscribers. Replacing the
// snapshot and notifying subscribers happen under one publish lock, so
// subscribers observe publishes one at a time and in order.
type State struct {
	publishMu sync.Mutex

	mu      sync.RWMutex
	current Snapshot

	subsMu    sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	logger *slog.Logger
}

// NewState creates a state in UNINITIALIZED
func NewState(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		current:   newSnapshot(StatusUninitialized, nil, nil, false, time.Time{}),
		listeners: make(map[uint64]Listener),
		logger:    logger,
	}
}

// Snapshot returns the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn and returns a function that removes it
func (s *State) Subscribe(fn Listener) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.listeners, id)
			s.subsMu.Unlock()
		})
	}
}

// publish replaces the snapshot and notifies every listener
func (s *State) publish(snap Snapshot, reason string) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()

	s.subsMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.subsMu.Unlock()

	ev := Event{Kind: eventKindFor(snap.Status), Snapshot: snap, Reason: reason}
	for _, l := range listeners {
		s.notify(l, ev)
	}
}

func (s *State) notify(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("State listener panicked",
				slog.Any("panic", rec),
				slog.String("event", string(ev.Kind)),
			)
		}
	}()
	l(ev)
}
