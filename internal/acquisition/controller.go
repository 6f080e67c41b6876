// Package acquisition runs the station's data-taking: one-shot captures,
// dark calibration, paced recording loops, and stepped survey sweeps. All
// device traffic goes through a session's dialect client; the controller
// enforces the single in-flight capture per session.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/timebase"
)

const tracerName = "github.com/copernicusworks/moonscan/internal/acquisition"

var (
	// ErrNotConnected indicates a capture was requested on a session that
	// is not in the Connected state.
	ErrNotConnected = errors.New("session not connected")
	// ErrCaptureInFlight indicates the session is already serving a capture.
	ErrCaptureInFlight = errors.New("capture already in flight")
	// ErrModeUnsupported indicates the instrument kind cannot serve the
	// requested scan mode.
	ErrModeUnsupported = errors.New("scan mode unsupported by instrument")
)

// CaptureError wraps a device-side capture failure with the instrument
// and mode it happened on.
type CaptureError struct {
	InstrumentID string
	Mode         model.ScanMode
	Err          error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s capture on %q: %v", e.Mode, e.InstrumentID, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Config tunes the capture paths. The frame retry schedule and the
// default wavelength mask mirror the instrument firmware's behaviour.
type Config struct {
	// FrameReadAttempts bounds camera frame reads; not-ready responses are
	// retried up to this many attempts.
	FrameReadAttempts int
	// FrameRetryDelay spaces frame read attempts.
	FrameRetryDelay time.Duration
	// Wavelengths is the window applied to spectra when the request does
	// not carry its own.
	Wavelengths model.WavelengthRange
}

func (c Config) withDefaults() Config {
	if c.FrameReadAttempts <= 0 {
		c.FrameReadAttempts = 10
	}
	if c.FrameRetryDelay <= 0 {
		c.FrameRetryDelay = 100 * time.Millisecond
	}
	if c.Wavelengths.IsZero() {
		c.Wavelengths = model.WavelengthRange{MinNm: 200, MaxNm: 900}
	}
	return c
}

// MetricsRecorder receives acquisition metrics. Implemented by the
// observability capture collector; a nil-safe noop is used otherwise.
type MetricsRecorder interface {
	ObserveCapture(mode, outcome string, d time.Duration)
	AddFrameRetries(n int)
	SetCaptureRate(instrument string, hz float64)
	IncRecordingSample()
	IncSurveySample()
	IncArchiveWrite(kind string)
	IncPublishFailure(sink string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCapture(string, string, time.Duration) {}
func (noopMetrics) AddFrameRetries(int)                          {}
func (noopMetrics) SetCaptureRate(string, float64)               {}
func (noopMetrics) IncRecordingSample()                          {}
func (noopMetrics) IncSurveySample()                             {}
func (noopMetrics) IncArchiveWrite(string)                       {}
func (noopMetrics) IncPublishFailure(string)                     {}

// Controller executes captures against live sessions.
type Controller struct {
	cfg       Config
	log       logging.Logger
	clock     timebase.Clock
	metrics   MetricsRecorder
	telemetry *TelemetryStore

	mu       sync.Mutex
	inflight map[string]struct{}
	darks    map[string][]model.SpectralSample
}

// ControllerOption customises Controller construction.
type ControllerOption func(*Controller)

// WithControllerConfig overrides the capture tuning.
func WithControllerConfig(cfg Config) ControllerOption {
	return func(c *Controller) { c.cfg = cfg.withDefaults() }
}

// WithControllerClock substitutes the time source used for retry pacing.
func WithControllerClock(clock timebase.Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithControllerMetrics attaches acquisition metrics.
func WithControllerMetrics(rec MetricsRecorder) ControllerOption {
	return func(c *Controller) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

// NewController builds a capture controller.
func NewController(log logging.Logger, opts ...ControllerOption) *Controller {
	if log == nil {
		log = logging.Noop()
	}
	c := &Controller{
		cfg:       Config{}.withDefaults(),
		log:       log,
		clock:     timebase.System(),
		metrics:   noopMetrics{},
		telemetry: NewTelemetryStore(),
		inflight:  make(map[string]struct{}),
		darks:     make(map[string][]model.SpectralSample),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Telemetry returns the per-instrument acquisition counters.
func (c *Controller) Telemetry() *TelemetryStore {
	return c.telemetry
}

// Capture runs one scan against the session and returns its result. The
// session must be Connected and idle; exactly one of Frame/Spectrum is
// set on the result, matching the request mode.
func (c *Controller) Capture(ctx context.Context, sess *session.Session, req model.ScanRequest) (*model.ScanResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sensor, err := c.sensorFor(sess, req.Mode)
	if err != nil {
		return nil, err
	}
	if !c.begin(sess.ID()) {
		return nil, fmt.Errorf("%w: session %q", ErrCaptureInFlight, sess.ID())
	}
	defer c.end(sess.ID())

	ctx, span := otel.Tracer(tracerName).Start(ctx, "acquisition.capture",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("instrument.id", sess.InstrumentID()),
			attribute.String("scan.mode", req.Mode.String()),
		),
	)
	defer span.End()

	start := c.clock.Now()
	var result *model.ScanResult
	switch req.Mode {
	case model.ModeImaging:
		result, err = c.captureImage(ctx, sess, sensor, req)
	case model.ModeSpectroscopy:
		result, err = c.captureSpectrum(ctx, sess, sensor, req)
	default:
		err = fmt.Errorf("%w: mode %d", model.ErrInvalidScanRequest, int(req.Mode))
	}
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		span.RecordError(err)
		c.metrics.ObserveCapture(req.Mode.String(), "error", elapsed)
		c.telemetry.RecordFailure(sess.InstrumentID())
		return nil, err
	}

	c.metrics.ObserveCapture(req.Mode.String(), "ok", elapsed)
	c.telemetry.RecordCapture(sess.InstrumentID(), result.PayloadBytes(), result.CapturedAt)
	c.log.Debug(ctx, "capture complete",
		logging.String("instrument_id", sess.InstrumentID()),
		logging.String("mode", req.Mode.String()),
		logging.Int("payload_bytes", result.PayloadBytes()),
		logging.Duration("elapsed", elapsed),
	)
	return result, nil
}

// CaptureDark reads the current spectrum and stores it as the
// instrument's dark reference; the operator is expected to have blocked
// the light path first. It returns the number of reference points stored.
func (c *Controller) CaptureDark(ctx context.Context, sess *session.Session) (int, error) {
	sensor, err := c.sensorFor(sess, model.ModeSpectroscopy)
	if err != nil {
		return 0, err
	}
	if !c.begin(sess.ID()) {
		return 0, fmt.Errorf("%w: session %q", ErrCaptureInFlight, sess.ID())
	}
	defer c.end(sess.ID())

	samples, err := sensor.ReadSpectrum(ctx)
	if err != nil {
		c.telemetry.RecordFailure(sess.InstrumentID())
		return 0, &CaptureError{InstrumentID: sess.InstrumentID(), Mode: model.ModeSpectroscopy, Err: err}
	}

	c.mu.Lock()
	c.darks[sess.InstrumentID()] = samples
	c.mu.Unlock()

	c.log.Info(ctx, "dark reference stored",
		logging.String("instrument_id", sess.InstrumentID()),
		logging.Int("points", len(samples)),
	)
	return len(samples), nil
}

// DarkReference returns the stored dark spectrum length for an
// instrument, zero when none is stored.
func (c *Controller) DarkReference(instrumentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.darks[instrumentID])
}

func (c *Controller) captureImage(ctx context.Context, sess *session.Session, sensor *drivers.Sensor, req model.ScanRequest) (*model.ScanResult, error) {
	exposure := req.ExposureMillis
	if exposure == 0 {
		exposure = sess.Instrument().DefaultExposureMillis
	}
	if exposure > 0 {
		if err := sensor.SetExposure(ctx, exposure); err != nil {
			return nil, &CaptureError{InstrumentID: sess.InstrumentID(), Mode: req.Mode, Err: err}
		}
	}

	frame, retries, err := c.readFrameWithRetry(ctx, sensor)
	c.metrics.AddFrameRetries(retries)
	if err != nil {
		return nil, &CaptureError{InstrumentID: sess.InstrumentID(), Mode: req.Mode, Err: err}
	}

	return &model.ScanResult{
		DeviceID:   sess.InstrumentID(),
		SessionID:  sess.ID(),
		Mode:       model.ModeImaging,
		CapturedAt: c.clock.Now().UTC(),
		Frame:      frame,
	}, nil
}

// readFrameWithRetry polls the camera until a frame is buffered, on the
// firmware's 100ms cadence. Only not-ready responses are retried.
func (c *Controller) readFrameWithRetry(ctx context.Context, sensor *drivers.Sensor) (*model.FramePayload, int, error) {
	for attempt := 1; ; attempt++ {
		frame, err := sensor.ReadFrame(ctx)
		if err == nil {
			return frame, attempt - 1, nil
		}
		if !errors.Is(err, drivers.ErrFrameNotReady) {
			return nil, attempt - 1, err
		}
		if attempt >= c.cfg.FrameReadAttempts {
			return nil, attempt - 1, fmt.Errorf("no frame after %d attempts: %w", attempt, err)
		}
		if err := c.clock.Sleep(ctx, c.cfg.FrameRetryDelay); err != nil {
			return nil, attempt - 1, err
		}
	}
}

func (c *Controller) captureSpectrum(ctx context.Context, sess *session.Session, sensor *drivers.Sensor, req model.ScanRequest) (*model.ScanResult, error) {
	integration := req.IntegrationMillis
	if integration == 0 {
		integration = sess.Instrument().DefaultIntegrationMillis
	}
	if integration > 0 {
		if err := sensor.SetIntegration(ctx, integration); err != nil {
			return nil, &CaptureError{InstrumentID: sess.InstrumentID(), Mode: req.Mode, Err: err}
		}
	}

	samples, err := sensor.ReadSpectrum(ctx)
	if err != nil {
		return nil, &CaptureError{InstrumentID: sess.InstrumentID(), Mode: req.Mode, Err: err}
	}

	darkSubtracted := c.subtractDark(sess.InstrumentID(), samples)

	window := req.Wavelengths
	if window.IsZero() {
		window = c.cfg.Wavelengths
	}
	windowed := make([]model.SpectralSample, 0, len(samples))
	for _, s := range samples {
		if window.Contains(s.WavelengthNm) {
			windowed = append(windowed, s)
		}
	}

	if integration == 0 {
		integration = sensor.LastIntegration()
	}
	return &model.ScanResult{
		DeviceID:   sess.InstrumentID(),
		SessionID:  sess.ID(),
		Mode:       model.ModeSpectroscopy,
		CapturedAt: c.clock.Now().UTC(),
		Spectrum: &model.SpectrumPayload{
			IntegrationMillis: integration,
			Samples:           windowed,
			DarkSubtracted:    darkSubtracted,
		},
	}, nil
}

// subtractDark subtracts the stored dark reference point-wise when its
// length matches the live read. Mismatched references are skipped, not
// an error: the operator may have changed integration settings since.
func (c *Controller) subtractDark(instrumentID string, samples []model.SpectralSample) bool {
	c.mu.Lock()
	dark := c.darks[instrumentID]
	c.mu.Unlock()

	if len(dark) == 0 || len(dark) != len(samples) {
		return false
	}
	for i := range samples {
		samples[i].Intensity -= dark[i].Intensity
	}
	return true
}

// sensorFor validates session state and kind/mode fit, returning the
// binary dialect client.
func (c *Controller) sensorFor(sess *session.Session, mode model.ScanMode) (*drivers.Sensor, error) {
	if state := sess.State(); state != model.StateConnected {
		return nil, fmt.Errorf("%w: session %q is %s", ErrNotConnected, sess.ID(), state)
	}
	if !kindSupports(sess.Kind(), mode) {
		return nil, fmt.Errorf("%w: %s cannot serve %s", ErrModeUnsupported, sess.Kind(), mode)
	}
	sensor, ok := sess.Sensor()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no sensor dialect", ErrModeUnsupported, sess.Kind())
	}
	return sensor, nil
}

func kindSupports(kind model.InstrumentKind, mode model.ScanMode) bool {
	switch mode {
	case model.ModeImaging:
		return kind == model.KindCamera || kind == model.KindCubeSat
	case model.ModeSpectroscopy:
		return kind == model.KindSpectrometer || kind == model.KindCubeSat
	default:
		return false
	}
}

func (c *Controller) begin(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[sessionID]; busy {
		return false
	}
	c.inflight[sessionID] = struct{}{}
	return true
}

func (c *Controller) end(sessionID string) {
	c.mu.Lock()
	delete(c.inflight, sessionID)
	c.mu.Unlock()
}
