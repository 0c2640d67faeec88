package app

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/passkey-account/internal/account"
	"github.com/better-wallet/passkey-account/internal/webauthn"
)

// Session is the persisted login: who is signed in and which account they
// control.
type Session struct {
	Email          string               `json:"email"`
	Credential     *webauthn.Credential `json:"credential"`
	AccountAddress common.Address       `json:"accountAddress"`
}

// State is the caller-owned account state the wallet service operates on.
// The busy flag is set for the whole of every mutating operation and is
// cleared on every exit path. It is not a lock: callers gate concurrent
// operations themselves by reading Busy.
type State struct {
	mu      sync.RWMutex
	busy    bool
	session *Session
	handle  *account.Handle
}

// NewState returns an empty, logged-out state.
func NewState() *State {
	return &State{}
}

// Busy reports whether an operation is in flight.
func (s *State) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.busy
}

// Handle returns the current smart account, or nil when logged out.
func (s *State) Handle() *account.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Session returns the current login, or nil when logged out.
func (s *State) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// begin marks the state busy and returns the func that clears it.
func (s *State) begin() func() {
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}
}

func (s *State) set(sess *Session, h *account.Handle) {
	s.mu.Lock()
	s.session = sess
	s.handle = h
	s.mu.Unlock()
}

func (s *State) setHandle(h *account.Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *State) clear() {
	s.set(nil, nil)
}
