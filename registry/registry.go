package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/model"
)

var (
	// ErrInstrumentExists indicates an instrument ID is already registered.
	ErrInstrumentExists = errors.New("instrument already exists")
	// ErrInstrumentNotFound indicates a requested instrument is not registered.
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrInstrumentInvalid indicates an instrument definition failed validation.
	ErrInstrumentInvalid = errors.New("invalid instrument definition")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	// EventInstrumentAdded fires when a new instrument is registered.
	EventInstrumentAdded EventType = iota
	// EventSessionState fires when a session against an instrument changes state.
	EventSessionState
)

// Event is delivered to subscribers on registry changes. Instrument is a
// copy; subscribers may retain it freely.
type Event struct {
	Type       EventType
	Instrument model.InstrumentDefinition
	SessionID  string
	State      model.SessionState
	Detail     string
	At         time.Time
}

// Registry is an in-memory, thread-safe catalog of the station's instruments
// and the fan-out point for session-state events.
type Registry struct {
	mu sync.RWMutex

	instruments map[string]model.InstrumentDefinition

	nextSub int
	subs    map[int]func(Event)
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		instruments: make(map[string]model.InstrumentDefinition),
		subs:        make(map[int]func(Event)),
	}
}

// Add registers a new instrument. The definition is validated and stored by
// value so later caller mutations cannot leak in.
func (r *Registry) Add(def model.InstrumentDefinition) error {
	if err := validate(def); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.instruments[def.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInstrumentExists, def.ID)
	}
	r.instruments[def.ID] = def
	subs := r.subscribersLocked()
	r.mu.Unlock()

	deliver(subs, Event{
		Type:       EventInstrumentAdded,
		Instrument: def,
		At:         time.Now().UTC(),
	})
	return nil
}

// Get returns the instrument with the given ID.
func (r *Registry) Get(id string) (model.InstrumentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.instruments[id]
	if !ok {
		return model.InstrumentDefinition{}, fmt.Errorf("%w: %q", ErrInstrumentNotFound, id)
	}
	return def, nil
}

// List returns a snapshot slice of all registered instruments.
func (r *Registry) List() []model.InstrumentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.InstrumentDefinition, 0, len(r.instruments))
	for _, def := range r.instruments {
		out = append(out, def)
	}
	return out
}

// PublishSessionState notifies subscribers that a session against the given
// instrument transitioned. Unknown instruments are an error so state events
// can never outlive their instrument.
func (r *Registry) PublishSessionState(instrumentID, sessionID string, state model.SessionState, detail string) error {
	r.mu.RLock()
	def, ok := r.instruments[instrumentID]
	subs := r.subscribersLocked()
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrInstrumentNotFound, instrumentID)
	}

	deliver(subs, Event{
		Type:       EventSessionState,
		Instrument: def,
		SessionID:  sessionID,
		State:      state,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
	return nil
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function. Callbacks run outside registry locks and must not
// call back into the registry's write paths.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

// subscribersLocked snapshots the callback set; callers must hold mu.
func (r *Registry) subscribersLocked() []func(Event) {
	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

func deliver(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

func validate(def model.InstrumentDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: ID is required", ErrInstrumentInvalid)
	}
	if def.Kind == model.KindUnknown {
		return fmt.Errorf("%w: %q has no kind", ErrInstrumentInvalid, def.ID)
	}
	if def.Endpoint == "" {
		return fmt.Errorf("%w: %q has no endpoint", ErrInstrumentInvalid, def.ID)
	}
	if def.Kind == model.KindCubeSat && def.Orbit.IsZero() {
		return fmt.Errorf("%w: cubesat %q has no TLE", ErrInstrumentInvalid, def.ID)
	}
	return nil
}
