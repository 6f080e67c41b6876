package acquisition

import (
	"context"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
)

// DefaultRecordInterval is the sampling cadence used when a recording
// request does not carry its own.
const DefaultRecordInterval = 100 * time.Millisecond

// RecorderStatus is a point-in-time snapshot of a recording loop.
type RecorderStatus struct {
	ID                    string
	CameraSessionID       string
	SpectrometerSessionID string
	Interval              time.Duration
	StartedAt             time.Time
	Running               bool
	Reason                string

	Samples    int
	Images     int
	Spectra    int
	LastRateHz float64
}

// Recorder captures a paired image and spectrum on every tick, archiving
// both. The loop stops itself when either session leaves Connected.
type Recorder struct {
	id       string
	runner   *Runner
	camera   *session.Session
	spectro  *session.Session
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	running   bool
	reason    string
	samples   int
	images    int
	spectra   int
	lastRate  float64
}

func newRecorder(id string, runner *Runner, camera, spectro *session.Session, interval time.Duration) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		id:        id,
		runner:    runner,
		camera:    camera,
		spectro:   spectro,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: runner.clock.Now().UTC(),
		running:   true,
	}
}

// Status returns a snapshot of the loop.
func (rec *Recorder) Status() RecorderStatus {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return RecorderStatus{
		ID:                    rec.id,
		CameraSessionID:       rec.camera.ID(),
		SpectrometerSessionID: rec.spectro.ID(),
		Interval:              rec.interval,
		StartedAt:             rec.startedAt,
		Running:               rec.running,
		Reason:                rec.reason,
		Samples:               rec.samples,
		Images:                rec.images,
		Spectra:               rec.spectra,
		LastRateHz:            rec.lastRate,
	}
}

func (rec *Recorder) usesSession(sessionID string) bool {
	return rec.camera.ID() == sessionID || rec.spectro.ID() == sessionID
}

// stop cancels the loop and waits for it to drain. Safe to call more
// than once; the first recorded reason wins.
func (rec *Recorder) stop(ctx context.Context, reason string) {
	rec.finish(reason)
	rec.cancel()
	select {
	case <-rec.done:
	case <-ctx.Done():
	}
}

// finish marks the loop stopped. The first caller's reason is kept.
func (rec *Recorder) finish(reason string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.running {
		return
	}
	rec.running = false
	rec.reason = reason
}

func (rec *Recorder) run() {
	defer close(rec.done)
	defer rec.cancel()

	log := rec.runner.log
	clock := rec.runner.clock
	ticker := clock.NewTicker(rec.interval)
	defer ticker.Stop()

	prev := clock.Now()
	for {
		select {
		case <-rec.ctx.Done():
			rec.finish("stopped")
			return
		case <-ticker.C():
		}

		if rec.camera.State() != model.StateConnected || rec.spectro.State() != model.StateConnected {
			rec.finish("session left connected state")
			log.Info(rec.ctx, "recording self-stopped",
				logging.String("recording_id", rec.id),
				logging.String("camera_state", rec.camera.State().String()),
				logging.String("spectrometer_state", rec.spectro.State().String()),
			)
			return
		}

		rec.sample()

		now := clock.Now()
		if gap := now.Sub(prev); gap > 0 {
			hz := 1 / gap.Seconds()
			rec.mu.Lock()
			rec.lastRate = hz
			rec.mu.Unlock()
			rec.runner.ctrl.telemetry.SetRate(rec.camera.InstrumentID(), hz)
			rec.runner.ctrl.telemetry.SetRate(rec.spectro.InstrumentID(), hz)
			rec.runner.metrics.SetCaptureRate(rec.camera.InstrumentID(), hz)
			rec.runner.metrics.SetCaptureRate(rec.spectro.InstrumentID(), hz)
		}
		prev = now
	}
}

// sample takes one paired image+spectrum. Device errors are logged and
// the loop keeps going; a sample counts when either payload archived.
func (rec *Recorder) sample() {
	log := rec.runner.log

	gotImage := false
	if _, _, err := rec.runner.CaptureAndArchive(rec.ctx, rec.camera, model.ScanRequest{Mode: model.ModeImaging}); err != nil {
		log.Debug(rec.ctx, "recording image capture failed",
			logging.String("recording_id", rec.id),
			logging.Err(err),
		)
	} else {
		gotImage = true
	}

	gotSpectrum := false
	if _, _, err := rec.runner.CaptureAndArchive(rec.ctx, rec.spectro, model.ScanRequest{Mode: model.ModeSpectroscopy}); err != nil {
		log.Debug(rec.ctx, "recording spectrum capture failed",
			logging.String("recording_id", rec.id),
			logging.Err(err),
		)
	} else {
		gotSpectrum = true
	}

	if !gotImage && !gotSpectrum {
		return
	}

	rec.mu.Lock()
	rec.samples++
	if gotImage {
		rec.images++
	}
	if gotSpectrum {
		rec.spectra++
	}
	rec.mu.Unlock()
	rec.runner.metrics.IncRecordingSample()
}
