package acquisition

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/track"
)

// haltTimeout bounds the all-stop command sent when a survey exits.
const haltTimeout = 2 * time.Second

// SurveyStatus is a point-in-time snapshot of a survey run.
type SurveyStatus struct {
	ID                    string
	MountSessionID        string
	CameraSessionID       string
	SpectrometerSessionID string
	Plan                  model.SurveyPlan
	Running               bool
	Summary               model.SurveySummary
}

// Survey sweeps the mount across the target in fixed angular steps,
// sampling an image+spectrum pair at each step. The drive is always
// halted when the run ends, however it ends.
type Survey struct {
	id      string
	runner  *Runner
	mount   *session.Session
	camera  *session.Session
	spectro *session.Session
	plan    model.SurveyPlan

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
	summary model.SurveySummary
}

func newSurvey(id string, runner *Runner, mount, camera, spectro *session.Session, plan model.SurveyPlan) *Survey {
	ctx, cancel := context.WithCancel(context.Background())
	return &Survey{
		id:      id,
		runner:  runner,
		mount:   mount,
		camera:  camera,
		spectro: spectro,
		plan:    plan,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		running: true,
		summary: model.SurveySummary{
			ID:           id,
			SessionID:    mount.ID(),
			Plan:         plan,
			StartedAt:    runner.clock.Now().UTC(),
			StepsPlanned: plan.Steps(),
		},
	}
}

// Status returns a snapshot of the run, including live progress.
func (s *Survey) Status() SurveyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SurveyStatus{
		ID:                    s.id,
		MountSessionID:        s.mount.ID(),
		CameraSessionID:       s.camera.ID(),
		SpectrometerSessionID: s.spectro.ID(),
		Plan:                  s.plan,
		Running:               s.running,
		Summary:               s.summary,
	}
}

func (s *Survey) usesSession(sessionID string) bool {
	return s.mount.ID() == sessionID || s.camera.ID() == sessionID || s.spectro.ID() == sessionID
}

// stop aborts the run and waits for the drive to halt. Safe to call more
// than once; the first recorded reason wins.
func (s *Survey) stop(ctx context.Context, reason string) {
	s.abort(reason)
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// abort marks the run as ended early. No-op once the run has finished.
func (s *Survey) abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.summary.Aborted {
		return
	}
	s.summary.Aborted = true
	s.summary.Reason = reason
}

func (s *Survey) run() {
	defer close(s.done)
	defer s.cancel()

	log := s.runner.log
	clock := s.runner.clock
	mnt, _ := s.mount.Mount()

	driveSteps := int(math.Round(s.plan.StepArcsec / track.ArcsecPerDriveStep))
	dwell := s.plan.StepDwell()
	steps := s.plan.Steps()

	for i := 0; i < steps; i++ {
		if s.ctx.Err() != nil {
			s.abort("stopped")
			break
		}
		if s.mount.State() != model.StateConnected ||
			s.camera.State() != model.StateConnected ||
			s.spectro.State() != model.StateConnected {
			s.abort("session left connected state")
			break
		}

		if err := mnt.MoveSteps(s.ctx, driveSteps); err != nil {
			s.abort("drive fault: " + err.Error())
			log.Warn(s.ctx, "survey step move failed",
				logging.String("survey_id", s.id),
				logging.Int("step", i),
				logging.Err(err),
			)
			break
		}

		s.sampleStep()

		s.mu.Lock()
		s.summary.StepsCompleted = i + 1
		s.mu.Unlock()

		if err := clock.Sleep(s.ctx, dwell); err != nil {
			s.abort("stopped")
			break
		}
	}

	s.finish(mnt, clock.Now().UTC())
}

// sampleStep takes the image+spectrum pair for the current pointing.
// Capture errors are logged and the sweep continues.
func (s *Survey) sampleStep() {
	log := s.runner.log

	gotImage := false
	if _, _, err := s.runner.CaptureAndArchive(s.ctx, s.camera, model.ScanRequest{Mode: model.ModeImaging}); err != nil {
		log.Debug(s.ctx, "survey image capture failed",
			logging.String("survey_id", s.id),
			logging.Err(err),
		)
	} else {
		gotImage = true
	}

	gotSpectrum := false
	if _, _, err := s.runner.CaptureAndArchive(s.ctx, s.spectro, model.ScanRequest{Mode: model.ModeSpectroscopy}); err != nil {
		log.Debug(s.ctx, "survey spectrum capture failed",
			logging.String("survey_id", s.id),
			logging.Err(err),
		)
	} else {
		gotSpectrum = true
	}

	if !gotImage && !gotSpectrum {
		return
	}

	s.mu.Lock()
	s.summary.Samples++
	if gotImage {
		s.summary.ImagesSaved++
	}
	if gotSpectrum {
		s.summary.SpectraSaved++
	}
	s.mu.Unlock()
	s.runner.metrics.IncSurveySample()
}

// finish halts the drive, seals the summary, archives it, and announces
// the completed run. Uses a fresh context: the run context is typically
// already cancelled by the time the sweep exits.
func (s *Survey) finish(mnt *drivers.Mount, at time.Time) {
	log := s.runner.log

	haltCtx, cancel := context.WithTimeout(context.Background(), haltTimeout)
	if err := mnt.Halt(haltCtx); err != nil {
		log.Warn(haltCtx, "survey drive halt failed",
			logging.String("survey_id", s.id),
			logging.Err(err),
		)
	}
	cancel()

	s.mu.Lock()
	s.running = false
	s.summary.FinishedAt = at
	summary := s.summary
	s.mu.Unlock()

	saveCtx := context.Background()
	if _, err := s.runner.store.SaveSurveySummary(saveCtx, summary); err != nil {
		s.runner.metrics.IncPublishFailure("archive")
		log.Warn(saveCtx, "survey summary archive failed",
			logging.String("survey_id", s.id),
			logging.Err(err),
		)
	} else {
		s.runner.metrics.IncArchiveWrite("survey")
	}
	s.runner.ann.AnnounceSurvey(saveCtx, summary)

	log.Info(saveCtx, "survey finished",
		logging.String("survey_id", s.id),
		logging.Int("steps_completed", summary.StepsCompleted),
		logging.Int("samples", summary.Samples),
		logging.Bool("aborted", summary.Aborted),
	)
}
