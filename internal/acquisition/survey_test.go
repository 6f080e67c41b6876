package acquisition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/copernicusworks/moonscan/internal/drivers/devsim"
	"github.com/copernicusworks/moonscan/model"
)

func surveyEnv(t *testing.T) (*acqEnv, *devsim.Device) {
	t.Helper()
	env := newAcqEnv(t)
	mountDev := env.addDevice("mount-1", model.KindMount, devsim.Options{})
	env.addDevice("cam-1", model.KindCamera, devsim.Options{})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	return env, mountDev
}

func TestSurveySweepsPlanAndArchivesSummary(t *testing.T) {
	env, mountDev := surveyEnv(t)
	mount := env.connect("mount-1")
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	// 0.025 degrees in 30 arcsec steps: 3 steps of 2 drive steps each,
	// dwelling 1s per step.
	plan := model.SurveyPlan{
		ScanAngleDegrees:  0.025,
		StepArcsec:        30,
		SpeedArcsecPerSec: 30,
	}
	status, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, plan)
	if err != nil {
		t.Fatalf("StartSurvey: %v", err)
	}
	if !status.Running || status.Summary.StepsPlanned != 3 {
		t.Fatalf("start status = %+v, want running with 3 planned steps", status)
	}

	driveClock(t, env.clock, time.Second, func() bool {
		got, err := env.runner.Survey(status.ID)
		return err == nil && !got.Running
	}, "survey completion")

	got, err := env.runner.Survey(status.ID)
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	sum := got.Summary
	if sum.StepsCompleted != 3 || sum.Aborted {
		t.Fatalf("summary = %+v, want 3 completed steps without abort", sum)
	}
	if sum.Samples != 3 || sum.ImagesSaved != 3 || sum.SpectraSaved != 3 {
		t.Errorf("samples=%d images=%d spectra=%d, want 3 each", sum.Samples, sum.ImagesSaved, sum.SpectraSaved)
	}
	if sum.FinishedAt.IsZero() || sum.FinishedAt.Before(sum.StartedAt) {
		t.Errorf("finished %v not after started %v", sum.FinishedAt, sum.StartedAt)
	}
	if steps := mountDev.RASteps(); steps != 6 {
		t.Errorf("drive steps sent = %d, want 6", steps)
	}

	if env.store.summaryCount() != 1 {
		t.Fatalf("archived summaries = %d, want 1", env.store.summaryCount())
	}
	archived, _ := env.store.lastSummary()
	if archived.ID != status.ID || archived.StepsCompleted != 3 {
		t.Errorf("archived summary = %+v", archived)
	}
	if env.feed.surveyCount() != 1 {
		t.Errorf("announced surveys = %d, want 1", env.feed.surveyCount())
	}
	if env.store.resultCount() != 6 {
		t.Errorf("archived capture results = %d, want 6", env.store.resultCount())
	}
}

func TestSurveyFineStepsStillDriveMount(t *testing.T) {
	env, mountDev := surveyEnv(t)
	mount := env.connect("mount-1")
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	// 10 arcsec is finer than one 15-arcsec drive step; each move must
	// round to a single drive step, not truncate to a zero-step move.
	plan := model.SurveyPlan{
		ScanAngleDegrees:  30.0 / 3600.0,
		StepArcsec:        10,
		SpeedArcsecPerSec: 10,
	}
	status, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, plan)
	if err != nil {
		t.Fatalf("StartSurvey: %v", err)
	}
	if status.Summary.StepsPlanned != 3 {
		t.Fatalf("planned steps = %d, want 3", status.Summary.StepsPlanned)
	}

	driveClock(t, env.clock, time.Second, func() bool {
		got, err := env.runner.Survey(status.ID)
		return err == nil && !got.Running
	}, "survey completion")

	got, err := env.runner.Survey(status.ID)
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	if got.Summary.StepsCompleted != 3 || got.Summary.Aborted {
		t.Fatalf("summary = %+v, want 3 completed steps without abort", got.Summary)
	}
	if steps := mountDev.RASteps(); steps != 3 {
		t.Errorf("drive steps sent = %d, want 3 (one per survey step)", steps)
	}
}

func TestSurveyStopHaltsDrive(t *testing.T) {
	env, mountDev := surveyEnv(t)
	mount := env.connect("mount-1")
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	// Leave the drive slewing so the all-stop on survey exit is visible.
	mnt, ok := mount.Mount()
	if !ok {
		t.Fatal("mount session has no drive dialect")
	}
	if err := mnt.Slew(context.Background(), model.SlewEast, 5); err != nil {
		t.Fatalf("Slew: %v", err)
	}
	if !mountDev.Slewing() {
		t.Fatal("device not slewing after slew command")
	}

	plan := model.SurveyPlan{
		ScanAngleDegrees:  1,
		StepArcsec:        15,
		SpeedArcsecPerSec: 15,
	}
	status, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, plan)
	if err != nil {
		t.Fatalf("StartSurvey: %v", err)
	}

	driveClock(t, env.clock, time.Second, func() bool {
		got, err := env.runner.Survey(status.ID)
		return err == nil && got.Summary.StepsCompleted >= 2
	}, "two survey steps")

	stopped, err := env.runner.StopSurvey(context.Background(), status.ID)
	if err != nil {
		t.Fatalf("StopSurvey: %v", err)
	}
	if stopped.Running {
		t.Fatal("survey still running after stop")
	}
	if !stopped.Summary.Aborted || stopped.Summary.Reason != "stopped by operator" {
		t.Errorf("summary aborted=%v reason=%q, want operator stop", stopped.Summary.Aborted, stopped.Summary.Reason)
	}
	if stopped.Summary.StepsCompleted >= stopped.Summary.StepsPlanned {
		t.Errorf("completed %d of %d steps, expected an early stop", stopped.Summary.StepsCompleted, stopped.Summary.StepsPlanned)
	}
	if mountDev.Slewing() {
		t.Error("drive still in motion after survey stop")
	}

	if _, err := env.runner.Survey(status.ID); !errors.Is(err, ErrSurveyNotFound) {
		t.Errorf("Survey after stop error = %v, want ErrSurveyNotFound", err)
	}
	if env.store.summaryCount() != 1 {
		t.Errorf("archived summaries = %d, want 1", env.store.summaryCount())
	}
}

func TestSurveyStopsViaSessionTeardown(t *testing.T) {
	env, _ := surveyEnv(t)
	mount := env.connect("mount-1")
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	plan := model.SurveyPlan{
		ScanAngleDegrees:  1,
		StepArcsec:        15,
		SpeedArcsecPerSec: 15,
	}
	status, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, plan)
	if err != nil {
		t.Fatalf("StartSurvey: %v", err)
	}

	if err := env.mgr.Disconnect(context.Background(), mount.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	got, err := env.runner.Survey(status.ID)
	if err != nil {
		t.Fatalf("Survey: %v", err)
	}
	if got.Running {
		t.Fatal("survey still running after mount session disconnect")
	}
	if !got.Summary.Aborted || got.Summary.Reason != "session disconnected" {
		t.Errorf("summary aborted=%v reason=%q, want session disconnected", got.Summary.Aborted, got.Summary.Reason)
	}
}

func TestStartSurveyValidation(t *testing.T) {
	env, _ := surveyEnv(t)
	mount := env.connect("mount-1")
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	if _, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, model.SurveyPlan{}); !errors.Is(err, model.ErrInvalidSurveyPlan) {
		t.Errorf("empty plan error = %v, want ErrInvalidSurveyPlan", err)
	}

	plan := model.SurveyPlan{ScanAngleDegrees: 0.025, StepArcsec: 30, SpeedArcsecPerSec: 30}
	if _, err := env.runner.StartSurvey(context.Background(), camera, camera, spectro, plan); !errors.Is(err, ErrModeUnsupported) {
		t.Errorf("camera-as-mount error = %v, want ErrModeUnsupported", err)
	}

	if err := env.mgr.Disconnect(context.Background(), spectro.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := env.runner.StartSurvey(context.Background(), mount, camera, spectro, plan); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected spectrometer error = %v, want ErrNotConnected", err)
	}
}
