package auth

import "sync"

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusAwaiting     Status = "awaiting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ConnState is the single current connection-state record shown to UIs.
// It is replaced wholesale on every transition; fields only carry meaning
// for the status that sets them.
type ConnState struct {
	Status          Status `json:"status"`
	VerificationURL string `json:"verification_url,omitempty"` // awaiting
	UserCode        string `json:"user_code,omitempty"`        // awaiting
	Message         string `json:"message,omitempty"`          // error
}

// StateStore is an explicitly owned, injectable connection-state holder.
// Writers replace the whole record; subscribers get best-effort change
// notifications and can always read Current for the latest value.
type StateStore struct {
	mu      sync.RWMutex
	current ConnState
	subs    map[int]chan ConnState
	nextSub int
}

func NewStateStore() *StateStore {
	return &StateStore{
		current: ConnState{Status: StatusDisconnected},
		subs:    make(map[int]chan ConnState),
	}
}

func (s *StateStore) Current() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the current state and notifies subscribers. Notification is
// non-blocking: a slow subscriber misses intermediate states, never the
// ability to read the latest one.
func (s *StateStore) Set(st ConnState) {
	s.mu.Lock()
	s.current = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.mu.Unlock()
}

// Subscribe returns a change-notification channel and a cancel func that
// must be called when the subscriber goes away.
func (s *StateStore) Subscribe() (<-chan ConnState, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan ConnState, 8)
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
