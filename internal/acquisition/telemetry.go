package acquisition

import (
	"sort"
	"sync"
	"time"
)

// InstrumentTelemetry is the acquisition ledger for one instrument.
type InstrumentTelemetry struct {
	InstrumentID string
	Captures     int64
	Failures     int64
	PayloadBytes int64
	LastRateHz   float64
	LastCapture  time.Time
}

// TelemetryStore keeps per-instrument acquisition counters. Values are
// copied in and out; callers never share the stored structs.
type TelemetryStore struct {
	mu           sync.Mutex
	byInstrument map[string]InstrumentTelemetry
}

// NewTelemetryStore returns an empty store.
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{byInstrument: make(map[string]InstrumentTelemetry)}
}

// RecordCapture counts a completed capture and its payload size.
func (s *TelemetryStore) RecordCapture(instrumentID string, payloadBytes int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byInstrument[instrumentID]
	t.InstrumentID = instrumentID
	t.Captures++
	t.PayloadBytes += int64(payloadBytes)
	t.LastCapture = at
	s.byInstrument[instrumentID] = t
}

// RecordFailure counts a failed capture attempt.
func (s *TelemetryStore) RecordFailure(instrumentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byInstrument[instrumentID]
	t.InstrumentID = instrumentID
	t.Failures++
	s.byInstrument[instrumentID] = t
}

// SetRate records the most recent achieved capture rate.
func (s *TelemetryStore) SetRate(instrumentID string, hz float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byInstrument[instrumentID]
	t.InstrumentID = instrumentID
	t.LastRateHz = hz
	s.byInstrument[instrumentID] = t
}

// Get returns the telemetry for one instrument.
func (s *TelemetryStore) Get(instrumentID string) (InstrumentTelemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byInstrument[instrumentID]
	return t, ok
}

// Snapshot returns all telemetry entries ordered by instrument ID.
func (s *TelemetryStore) Snapshot() []InstrumentTelemetry {
	s.mu.Lock()
	out := make([]InstrumentTelemetry, 0, len(s.byInstrument))
	for _, t := range s.byInstrument {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
