package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/internal/breaker"
	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
	"github.com/copernicusworks/moonscan/timebase"
	"github.com/copernicusworks/moonscan/track"
)

var (
	// ErrInstrumentNotFound is re-exported so callers can depend on
	// session.* for the whole connect error surface.
	ErrInstrumentNotFound = registry.ErrInstrumentNotFound
	// ErrBreakerOpen reports a connect refused because the instrument's
	// circuit breaker is open.
	ErrBreakerOpen = breaker.ErrOpen
	// ErrSessionExists indicates the instrument already has a live session.
	ErrSessionExists = errors.New("session already exists for instrument")
	// ErrSessionNotFound indicates a requested session is not live.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotVisible indicates a CubeSat connect was refused because the
	// spacecraft is below the site's elevation mask.
	ErrNotVisible = errors.New("spacecraft not visible from site")
)

// Config tunes the connect path. The probe timeout and backoff schedule
// mirror the drive firmware's serial behaviour; the budget caps a whole
// Connect call including backoff sleeps.
type Config struct {
	DialTimeout   time.Duration
	ProbeTimeout  time.Duration
	ConnectBudget time.Duration
	Breaker       breaker.Config
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.ConnectBudget <= 0 {
		c.ConnectBudget = 15 * time.Second
	}
	return c
}

// MetricsRecorder receives session-level gauge updates.
type MetricsRecorder interface {
	SetSessionsActive(n int)
	SetBreakerState(instrument string, state float64)
}

// VisibilityChecker gates CubeSat connects on the spacecraft being
// workable from the ground at the moment of the attempt.
type VisibilityChecker interface {
	Visible(def model.InstrumentDefinition, at time.Time) (bool, error)
}

// SiteVisibility checks spacecraft elevation against a ground site's
// mask using the instrument's orbital elements.
type SiteVisibility struct {
	Site    track.Site
	MaskDeg float64
}

// Visible implements VisibilityChecker.
func (v SiteVisibility) Visible(def model.InstrumentDefinition, at time.Time) (bool, error) {
	p, err := track.NewPassPredictor(def.Orbit, v.Site, v.MaskDeg)
	if err != nil {
		return false, err
	}
	return p.Visible(at), nil
}

// TeardownFunc runs during Disconnect, before the transport closes, so
// dependent acquisition loops can be stopped synchronously.
type TeardownFunc func(ctx context.Context, sessionID string)

// Manager owns every live device session: one per instrument, each with
// exclusive ownership of its transport.
type Manager struct {
	reg     *registry.Registry
	dialer  drivers.Dialer
	log     logging.Logger
	clock   timebase.Clock
	cfg     Config
	metrics MetricsRecorder
	visible VisibilityChecker

	mu           sync.Mutex
	sessions     map[string]*Session
	byInstrument map[string]string
	breakers     map[string]*breaker.Breaker
	teardown     TeardownFunc
}

// Option customises Manager construction.
type Option func(*Manager)

// WithConfig overrides the connect tuning.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg.withDefaults() }
}

// WithClock substitutes the time source used for backoff pacing and
// breaker reset timing.
func WithClock(clock timebase.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMetricsRecorder attaches session and breaker gauges.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// WithVisibility attaches the CubeSat visibility gate. Without one,
// CubeSat connects are not gated.
func WithVisibility(v VisibilityChecker) Option {
	return func(m *Manager) { m.visible = v }
}

// NewManager builds a session manager over the instrument registry.
func NewManager(reg *registry.Registry, dialer drivers.Dialer, log logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	if dialer == nil {
		dialer = drivers.NewTCPDialer(0)
	}
	m := &Manager{
		reg:          reg,
		dialer:       dialer,
		log:          log,
		clock:        timebase.System(),
		cfg:          Config{}.withDefaults(),
		metrics:      noopMetrics{},
		sessions:     make(map[string]*Session),
		byInstrument: make(map[string]string),
		breakers:     make(map[string]*breaker.Breaker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetTeardown registers the acquisition teardown hook. Wired once at
// startup, after the acquisition side exists.
func (m *Manager) SetTeardown(fn TeardownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown = fn
}

// Connect opens a session against the instrument: dial plus protocol
// probe, retried on the firmware backoff schedule 2^min(attempt,3)s
// within the connect budget. The per-instrument breaker fast-fails
// connects while open.
func (m *Manager) Connect(ctx context.Context, instrumentID string) (*Session, error) {
	def, err := m.reg.Get(instrumentID)
	if err != nil {
		return nil, err
	}

	sess, err := m.reserve(def)
	if err != nil {
		return nil, err
	}

	if def.Kind == model.KindCubeSat && m.visible != nil {
		visible, err := m.visible.Visible(def, m.clock.Now())
		if err != nil {
			m.unreserve(sess)
			return nil, fmt.Errorf("visibility check for %q: %w", def.ID, err)
		}
		if !visible {
			m.unreserve(sess)
			return nil, fmt.Errorf("%w: %q below elevation mask", ErrNotVisible, def.ID)
		}
	}

	br := m.breakerFor(def.ID)
	if err := br.Allow(); err != nil {
		m.recordBreaker(def.ID, br)
		m.unreserve(sess)
		return nil, fmt.Errorf("instrument %q: %w", def.ID, err)
	}

	m.publish(sess, model.StateConnecting, "")
	m.log.Info(ctx, "connecting to instrument",
		logging.String("instrument_id", def.ID),
		logging.String("session_id", sess.id),
		logging.String("endpoint", def.Endpoint),
	)

	client, attempts, err := m.connectLoop(ctx, def, br)
	if err != nil {
		sess.setState(model.StateError, err.Error())
		m.publish(sess, model.StateError, err.Error())
		m.unreserve(sess)
		m.log.Warn(ctx, "connect failed",
			logging.String("instrument_id", def.ID),
			logging.Int("attempts", attempts),
			logging.Err(err),
		)
		return nil, err
	}

	sess.adoptClient(client)
	sess.setState(model.StateConnected, "")
	m.publish(sess, model.StateConnected, "")
	m.metrics.SetSessionsActive(m.connectedCount())
	m.log.Info(ctx, "instrument connected",
		logging.String("instrument_id", def.ID),
		logging.String("session_id", sess.id),
		logging.Int("attempts", attempts),
	)
	return sess, nil
}

// connectLoop runs dial+probe attempts until one succeeds, the budget
// or context expires, or the breaker opens under this call's failures.
func (m *Manager) connectLoop(ctx context.Context, def model.InstrumentDefinition, br *breaker.Breaker) (drivers.Client, int, error) {
	deadline := m.clock.Now().Add(m.cfg.ConnectBudget)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, attempt, lastErr
		}

		client, err := m.dialAndProbe(ctx, def)
		if err == nil {
			br.Success()
			m.recordBreaker(def.ID, br)
			return client, attempt + 1, nil
		}
		lastErr = err
		br.Failure()
		m.recordBreaker(def.ID, br)

		if br.State() == breaker.Open {
			return nil, attempt + 1, lastErr
		}

		delay := backoffDelay(attempt)
		if m.clock.Now().Add(delay).After(deadline) {
			return nil, attempt + 1, lastErr
		}
		if err := m.clock.Sleep(ctx, delay); err != nil {
			return nil, attempt + 1, lastErr
		}
	}
}

func (m *Manager) dialAndProbe(ctx context.Context, def model.InstrumentDefinition) (drivers.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.DialContext(dialCtx, "tcp", def.Endpoint)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", def.Endpoint, err)
	}

	client, err := drivers.NewClient(def.Kind, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err = client.Probe(probeCtx)
	cancel()
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Disconnect tears a session down: dependent acquisition first, then
// the transport, then the Disconnected transition. The session is gone
// from the manager afterwards.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	delete(m.byInstrument, sess.instrumentID)
	teardown := m.teardown
	m.mu.Unlock()

	if teardown != nil {
		teardown(ctx, sess.id)
	}
	if err := sess.closeClient(); err != nil {
		m.log.Debug(ctx, "transport close reported error",
			logging.String("session_id", sess.id),
			logging.Err(err),
		)
	}
	sess.setState(model.StateDisconnected, "")
	m.publish(sess, model.StateDisconnected, "")
	m.metrics.SetSessionsActive(m.connectedCount())
	m.log.Info(ctx, "session disconnected",
		logging.String("instrument_id", sess.instrumentID),
		logging.String("session_id", sess.id),
	)
	return nil
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// List returns a snapshot of live sessions ordered by connect time.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].openedAt.Equal(out[j].openedAt) {
			return out[i].id < out[j].id
		}
		return out[i].openedAt.Before(out[j].openedAt)
	})
	return out
}

// BreakerState returns the connect breaker state for an instrument.
func (m *Manager) BreakerState(instrumentID string) breaker.State {
	m.mu.Lock()
	br, ok := m.breakers[instrumentID]
	m.mu.Unlock()
	if !ok {
		return breaker.Closed
	}
	return br.State()
}

// Shutdown disconnects every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn(ctx, "shutdown disconnect failed",
				logging.String("session_id", id),
				logging.Err(err),
			)
		}
	}
}

// reserve claims the instrument slot and registers a Connecting session.
func (m *Manager) reserve(def model.InstrumentDefinition) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byInstrument[def.ID]; exists {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, def.ID)
	}
	sess := &Session{
		id:           newSessionID(),
		instrumentID: def.ID,
		def:          def,
		openedAt:     m.clock.Now().UTC(),
		state:        model.StateConnecting,
	}
	m.sessions[sess.id] = sess
	m.byInstrument[def.ID] = sess.id
	return sess, nil
}

// unreserve destroys a session that never reached Connected.
func (m *Manager) unreserve(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sess.id)
	if m.byInstrument[sess.instrumentID] == sess.id {
		delete(m.byInstrument, sess.instrumentID)
	}
}

func (m *Manager) breakerFor(instrumentID string) *breaker.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	br, ok := m.breakers[instrumentID]
	if !ok {
		br = breaker.New(m.cfg.Breaker, m.clock)
		m.breakers[instrumentID] = br
	}
	return br
}

func (m *Manager) recordBreaker(instrumentID string, br *breaker.Breaker) {
	m.metrics.SetBreakerState(instrumentID, float64(br.State()))
}

func (m *Manager) connectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.State() == model.StateConnected {
			n++
		}
	}
	return n
}

func (m *Manager) publish(sess *Session, state model.SessionState, detail string) {
	if err := m.reg.PublishSessionState(sess.instrumentID, sess.id, state, detail); err != nil {
		m.log.Debug(context.Background(), "session state publish failed",
			logging.String("session_id", sess.id),
			logging.Err(err),
		)
	}
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(min(attempt, 3))) * time.Second
}

type noopMetrics struct{}

func (noopMetrics) SetSessionsActive(int)           {}
func (noopMetrics) SetBreakerState(string, float64) {}

