package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/copernicusworks/moonscan/internal/drivers/devsim"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
	"github.com/copernicusworks/moonscan/timebase"
)

// acqEnv wires a registry, session manager, and runner over simulated
// devices. The manual clock paces recording ticks and survey dwells;
// captures themselves complete synchronously over net.Pipe.
type acqEnv struct {
	t      *testing.T
	reg    *registry.Registry
	dialer *devsim.PipeDialer
	mgr    *session.Manager
	ctrl   *Controller
	clock  *timebase.Manual
	runner *Runner
	store  *fakeArchive
	feed   *fakeAnnouncer
}

func newAcqEnv(t *testing.T, ctrlOpts ...ControllerOption) *acqEnv {
	t.Helper()

	env := &acqEnv{
		t:      t,
		reg:    registry.New(),
		dialer: devsim.NewPipeDialer(),
		clock:  timebase.NewManual(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)),
		store:  &fakeArchive{},
		feed:   &fakeAnnouncer{},
	}
	env.mgr = session.NewManager(env.reg, env.dialer, logging.Noop())
	env.ctrl = NewController(logging.Noop(), ctrlOpts...)
	env.runner = NewRunner(env.ctrl, env.store, logging.Noop(),
		WithRunnerClock(env.clock),
		WithAnnouncer(env.feed),
	)
	env.mgr.SetTeardown(func(ctx context.Context, sessionID string) {
		env.runner.StopForSession(ctx, sessionID)
	})
	return env
}

// addDevice registers an instrument and its simulated endpoint.
func (e *acqEnv) addDevice(id string, kind model.InstrumentKind, opts devsim.Options) *devsim.Device {
	e.t.Helper()

	opts.Kind = kind
	dev := devsim.New(opts, nil)
	endpoint := id + ".local:4040"
	e.dialer.Register(endpoint, dev)

	def := model.InstrumentDefinition{ID: id, Name: id, Kind: kind, Endpoint: endpoint}
	if err := e.reg.Add(def); err != nil {
		e.t.Fatalf("Add(%q): %v", id, err)
	}
	return dev
}

func (e *acqEnv) connect(id string) *session.Session {
	e.t.Helper()
	sess, err := e.mgr.Connect(context.Background(), id)
	if err != nil {
		e.t.Fatalf("Connect(%q): %v", id, err)
	}
	return sess
}

// waitFor polls cond with a real-time deadline. Loops under test run in
// their own goroutines, so assertions on their effects need to wait.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// driveClock advances the manual clock in fixed steps until cond holds.
func driveClock(t *testing.T, clock *timebase.Manual, step time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		clock.Advance(step)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out driving clock for %s", msg)
}

type fakeArchive struct {
	mu        sync.Mutex
	results   []*model.ScanResult
	summaries []model.SurveySummary
	failSaves bool
}

func (f *fakeArchive) SaveResult(_ context.Context, res *model.ScanResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves {
		return "", errors.New("disk full")
	}
	f.results = append(f.results, res)
	return fmt.Sprintf("/archive/%s-%d", payloadKind(res), len(f.results)), nil
}

func (f *fakeArchive) SaveSurveySummary(_ context.Context, sum model.SurveySummary) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves {
		return "", errors.New("disk full")
	}
	f.summaries = append(f.summaries, sum)
	return fmt.Sprintf("/archive/survey-%d", len(f.summaries)), nil
}

func (f *fakeArchive) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func (f *fakeArchive) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

func (f *fakeArchive) lastSummary() (model.SurveySummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.summaries) == 0 {
		return model.SurveySummary{}, false
	}
	return f.summaries[len(f.summaries)-1], true
}

type fakeAnnouncer struct {
	mu       sync.Mutex
	captures []string
	surveys  []model.SurveySummary
}

func (f *fakeAnnouncer) AnnounceCapture(_ context.Context, _ *model.ScanResult, archivePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, archivePath)
}

func (f *fakeAnnouncer) AnnounceSurvey(_ context.Context, sum model.SurveySummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.surveys = append(f.surveys, sum)
}

func (f *fakeAnnouncer) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.captures)
}

func (f *fakeAnnouncer) surveyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.surveys)
}
