package acquisition

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/timebase"
)

var (
	// ErrRecordingNotFound indicates no recording loop has the given ID.
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrSurveyNotFound indicates no survey run has the given ID.
	ErrSurveyNotFound = errors.New("survey not found")
	// ErrSessionBusy indicates a session is already driven by a running
	// recording or survey.
	ErrSessionBusy = errors.New("session already bound to a running acquisition")
)

// Archive persists capture results and survey summaries.
type Archive interface {
	SaveResult(ctx context.Context, res *model.ScanResult) (string, error)
	SaveSurveySummary(ctx context.Context, sum model.SurveySummary) (string, error)
}

// Announcer pushes acquisition events to downstream feeds. Announcing is
// fire-and-forget; implementations log and count their own failures.
type Announcer interface {
	AnnounceCapture(ctx context.Context, res *model.ScanResult, archivePath string)
	AnnounceSurvey(ctx context.Context, sum model.SurveySummary)
}

type noopAnnouncer struct{}

func (noopAnnouncer) AnnounceCapture(context.Context, *model.ScanResult, string) {}
func (noopAnnouncer) AnnounceSurvey(context.Context, model.SurveySummary)        {}

// Runner is the acquisition facade: it archives and announces capture
// results and owns the lifecycle of recording loops and survey runs.
type Runner struct {
	ctrl            *Controller
	store           Archive
	ann             Announcer
	log             logging.Logger
	clock           timebase.Clock
	metrics         MetricsRecorder
	defaultInterval time.Duration

	mu        sync.Mutex
	recorders map[string]*Recorder
	surveys   map[string]*Survey
}

// RunnerOption customises Runner construction.
type RunnerOption func(*Runner)

// WithAnnouncer attaches the live feed.
func WithAnnouncer(a Announcer) RunnerOption {
	return func(r *Runner) {
		if a != nil {
			r.ann = a
		}
	}
}

// WithRunnerClock substitutes the time source pacing loops.
func WithRunnerClock(clock timebase.Clock) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRunnerMetrics attaches acquisition metrics.
func WithRunnerMetrics(rec MetricsRecorder) RunnerOption {
	return func(r *Runner) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

// WithDefaultRecordInterval overrides the cadence used when a recording
// request omits its interval.
func WithDefaultRecordInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.defaultInterval = d
		}
	}
}

// NewRunner builds the acquisition facade over a controller and archive.
func NewRunner(ctrl *Controller, store Archive, log logging.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = logging.Noop()
	}
	r := &Runner{
		ctrl:            ctrl,
		store:           store,
		ann:             noopAnnouncer{},
		log:             log,
		clock:           timebase.System(),
		metrics:         noopMetrics{},
		defaultInterval: DefaultRecordInterval,
		recorders:       make(map[string]*Recorder),
		surveys:         make(map[string]*Survey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Controller returns the capture controller behind the runner.
func (r *Runner) Controller() *Controller {
	return r.ctrl
}

// CaptureAndArchive runs one capture, writes the payload to the archive,
// and announces the result. The archive path of the written payload is
// returned alongside the result.
func (r *Runner) CaptureAndArchive(ctx context.Context, sess *session.Session, req model.ScanRequest) (*model.ScanResult, string, error) {
	res, err := r.ctrl.Capture(ctx, sess, req)
	if err != nil {
		return nil, "", err
	}

	path, err := r.store.SaveResult(ctx, res)
	if err != nil {
		r.metrics.IncPublishFailure("archive")
		return nil, "", fmt.Errorf("archive %s capture: %w", req.Mode, err)
	}
	r.metrics.IncArchiveWrite(payloadKind(res))

	r.ann.AnnounceCapture(ctx, res, path)
	return res, path, nil
}

// CaptureDark stores the session instrument's dark reference.
func (r *Runner) CaptureDark(ctx context.Context, sess *session.Session) (int, error) {
	return r.ctrl.CaptureDark(ctx, sess)
}

// StartRecording launches a paced image+spectrum loop over the two
// sessions. Starting an identical pair again returns the running loop.
func (r *Runner) StartRecording(ctx context.Context, camera, spectro *session.Session, interval time.Duration) (RecorderStatus, error) {
	if interval <= 0 {
		interval = r.defaultInterval
	}
	if state := camera.State(); state != model.StateConnected {
		return RecorderStatus{}, fmt.Errorf("%w: camera session %q is %s", ErrNotConnected, camera.ID(), state)
	}
	if state := spectro.State(); state != model.StateConnected {
		return RecorderStatus{}, fmt.Errorf("%w: spectrometer session %q is %s", ErrNotConnected, spectro.ID(), state)
	}
	if !kindSupports(camera.Kind(), model.ModeImaging) {
		return RecorderStatus{}, fmt.Errorf("%w: %s cannot serve imaging", ErrModeUnsupported, camera.Kind())
	}
	if !kindSupports(spectro.Kind(), model.ModeSpectroscopy) {
		return RecorderStatus{}, fmt.Errorf("%w: %s cannot serve spectroscopy", ErrModeUnsupported, spectro.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.recorders {
		status := rec.Status()
		if !status.Running {
			continue
		}
		if status.CameraSessionID == camera.ID() && status.SpectrometerSessionID == spectro.ID() {
			return status, nil
		}
		if rec.usesSession(camera.ID()) || rec.usesSession(spectro.ID()) {
			return RecorderStatus{}, fmt.Errorf("%w: recording %s", ErrSessionBusy, status.ID)
		}
	}
	if id, busy := r.surveyUsingLocked(camera.ID(), spectro.ID()); busy {
		return RecorderStatus{}, fmt.Errorf("%w: survey %s", ErrSessionBusy, id)
	}

	rec := newRecorder(newRunID("rec"), r, camera, spectro, interval)
	r.recorders[rec.id] = rec
	go rec.run()

	r.log.Info(ctx, "recording started",
		logging.String("recording_id", rec.id),
		logging.String("camera_session_id", camera.ID()),
		logging.String("spectrometer_session_id", spectro.ID()),
		logging.Duration("interval", interval),
	)
	return rec.Status(), nil
}

// StopRecording stops a loop and removes it from the runner.
func (r *Runner) StopRecording(ctx context.Context, id string) (RecorderStatus, error) {
	r.mu.Lock()
	rec, ok := r.recorders[id]
	if ok {
		delete(r.recorders, id)
	}
	r.mu.Unlock()
	if !ok {
		return RecorderStatus{}, fmt.Errorf("%w: %q", ErrRecordingNotFound, id)
	}

	rec.stop(ctx, "stopped by operator")
	r.log.Info(ctx, "recording stopped", logging.String("recording_id", id))
	return rec.Status(), nil
}

// Recording returns the status of one recording loop.
func (r *Runner) Recording(id string) (RecorderStatus, error) {
	r.mu.Lock()
	rec, ok := r.recorders[id]
	r.mu.Unlock()
	if !ok {
		return RecorderStatus{}, fmt.Errorf("%w: %q", ErrRecordingNotFound, id)
	}
	return rec.Status(), nil
}

// Recordings returns all known recording loops ordered by ID.
func (r *Runner) Recordings() []RecorderStatus {
	r.mu.Lock()
	out := make([]RecorderStatus, 0, len(r.recorders))
	for _, rec := range r.recorders {
		out = append(out, rec.Status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartSurvey launches a stepped sweep of the plan across the target.
func (r *Runner) StartSurvey(ctx context.Context, mount, camera, spectro *session.Session, plan model.SurveyPlan) (SurveyStatus, error) {
	if err := plan.Validate(); err != nil {
		return SurveyStatus{}, err
	}
	for _, sess := range []*session.Session{mount, camera, spectro} {
		if state := sess.State(); state != model.StateConnected {
			return SurveyStatus{}, fmt.Errorf("%w: session %q is %s", ErrNotConnected, sess.ID(), state)
		}
	}
	if _, ok := mount.Mount(); !ok {
		return SurveyStatus{}, fmt.Errorf("%w: %s has no drive dialect", ErrModeUnsupported, mount.Kind())
	}
	if !kindSupports(camera.Kind(), model.ModeImaging) {
		return SurveyStatus{}, fmt.Errorf("%w: %s cannot serve imaging", ErrModeUnsupported, camera.Kind())
	}
	if !kindSupports(spectro.Kind(), model.ModeSpectroscopy) {
		return SurveyStatus{}, fmt.Errorf("%w: %s cannot serve spectroscopy", ErrModeUnsupported, spectro.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, busy := r.surveyUsingLocked(mount.ID(), camera.ID(), spectro.ID()); busy {
		return SurveyStatus{}, fmt.Errorf("%w: survey %s", ErrSessionBusy, id)
	}
	for _, rec := range r.recorders {
		if !rec.Status().Running {
			continue
		}
		if rec.usesSession(mount.ID()) || rec.usesSession(camera.ID()) || rec.usesSession(spectro.ID()) {
			return SurveyStatus{}, fmt.Errorf("%w: recording %s", ErrSessionBusy, rec.id)
		}
	}

	svy := newSurvey(newRunID("svy"), r, mount, camera, spectro, plan)
	r.surveys[svy.id] = svy
	go svy.run()

	r.log.Info(ctx, "survey started",
		logging.String("survey_id", svy.id),
		logging.String("mount_session_id", mount.ID()),
		logging.Float64("scan_angle_deg", plan.ScanAngleDegrees),
		logging.Float64("step_arcsec", plan.StepArcsec),
		logging.Int("steps_planned", plan.Steps()),
	)
	return svy.Status(), nil
}

// StopSurvey stops a run and removes it from the runner.
func (r *Runner) StopSurvey(ctx context.Context, id string) (SurveyStatus, error) {
	r.mu.Lock()
	svy, ok := r.surveys[id]
	if ok {
		delete(r.surveys, id)
	}
	r.mu.Unlock()
	if !ok {
		return SurveyStatus{}, fmt.Errorf("%w: %q", ErrSurveyNotFound, id)
	}

	svy.stop(ctx, "stopped by operator")
	r.log.Info(ctx, "survey stopped", logging.String("survey_id", id))
	return svy.Status(), nil
}

// Survey returns the status of one survey run, live or completed.
func (r *Runner) Survey(id string) (SurveyStatus, error) {
	r.mu.Lock()
	svy, ok := r.surveys[id]
	r.mu.Unlock()
	if !ok {
		return SurveyStatus{}, fmt.Errorf("%w: %q", ErrSurveyNotFound, id)
	}
	return svy.Status(), nil
}

// Surveys returns all known survey runs ordered by ID.
func (r *Runner) Surveys() []SurveyStatus {
	r.mu.Lock()
	out := make([]SurveyStatus, 0, len(r.surveys))
	for _, svy := range r.surveys {
		out = append(out, svy.Status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopForSession synchronously stops every running recording and survey
// bound to the session. The session manager calls this during
// Disconnect, before the transport closes.
func (r *Runner) StopForSession(ctx context.Context, sessionID string) {
	r.mu.Lock()
	var recs []*Recorder
	for _, rec := range r.recorders {
		if rec.usesSession(sessionID) {
			recs = append(recs, rec)
		}
	}
	var svys []*Survey
	for _, svy := range r.surveys {
		if svy.usesSession(sessionID) {
			svys = append(svys, svy)
		}
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.stop(ctx, "session disconnected")
	}
	for _, svy := range svys {
		svy.stop(ctx, "session disconnected")
	}
}

// Shutdown stops every running recording and survey.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	recs := make([]*Recorder, 0, len(r.recorders))
	for _, rec := range r.recorders {
		recs = append(recs, rec)
	}
	svys := make([]*Survey, 0, len(r.surveys))
	for _, svy := range r.surveys {
		svys = append(svys, svy)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.stop(ctx, "station shutdown")
	}
	for _, svy := range svys {
		svy.stop(ctx, "station shutdown")
	}
}

// surveyUsingLocked reports the first running survey holding any of the
// session IDs. Callers hold r.mu.
func (r *Runner) surveyUsingLocked(sessionIDs ...string) (string, bool) {
	for _, svy := range r.surveys {
		if !svy.Status().Running {
			continue
		}
		for _, id := range sessionIDs {
			if svy.usesSession(id) {
				return svy.id, true
			}
		}
	}
	return "", false
}

func payloadKind(res *model.ScanResult) string {
	if res != nil && res.Spectrum != nil {
		return "spectrum"
	}
	return "image"
}

func newRunID(prefix string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return prefix + "-00000000"
	}
	return prefix + "-" + hex.EncodeToString(b[:])
}
