// Package session manages live connections to the station's
// instruments: bounded connects with the firmware backoff schedule,
// per-instrument circuit breaking, CubeSat visibility gating, and
// teardown of dependent acquisition on disconnect.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/model"
)

// Session is one live connection to an instrument. The dialect client
// (and through it the transport) is owned exclusively by the session:
// callers borrow it for the duration of an operation and never close
// it themselves.
type Session struct {
	id           string
	instrumentID string
	def          model.InstrumentDefinition
	openedAt     time.Time

	mu     sync.Mutex
	state  model.SessionState
	detail string
	client drivers.Client
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// InstrumentID returns the connected instrument's identifier.
func (s *Session) InstrumentID() string { return s.instrumentID }

// Instrument returns the definition the session was opened against.
func (s *Session) Instrument() model.InstrumentDefinition { return s.def }

// Kind returns the instrument kind.
func (s *Session) Kind() model.InstrumentKind { return s.def.Kind }

// OpenedAt returns when the connect attempt began.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current tagged connection state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateDetail returns the state plus the detail recorded with the last
// transition (the failure reason for StateError).
func (s *Session) StateDetail() (model.SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.detail
}

// Mount returns the text-dialect client, or false when the session's
// instrument speaks the binary dialect.
func (s *Session) Mount() (*drivers.Mount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.client.(*drivers.Mount)
	return m, ok
}

// Sensor returns the binary-dialect client, or false when the session's
// instrument speaks the text dialect.
func (s *Session) Sensor() (*drivers.Sensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.client.(*drivers.Sensor)
	return c, ok
}

// setState records a transition. Callers publish the matching registry
// event themselves, outside any session lock.
func (s *Session) setState(state model.SessionState, detail string) {
	s.mu.Lock()
	s.state = state
	s.detail = detail
	s.mu.Unlock()
}

// adoptClient hands the dialect client to the session.
func (s *Session) adoptClient(c drivers.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// closeClient closes and clears the transport. Safe to call more than
// once.
func (s *Session) closeClient() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "sess-unknown"
	}
	return "sess-" + hex.EncodeToString(b[:])
}
