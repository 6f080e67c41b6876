package acquisition

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/copernicusworks/moonscan/internal/drivers/devsim"
	"github.com/copernicusworks/moonscan/model"
)

func TestRecordingSamplesPairsOnTicks(t *testing.T) {
	env := newAcqEnv(t)
	env.addDevice("cam-1", model.KindCamera, devsim.Options{})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	status, err := env.runner.StartRecording(context.Background(), camera, spectro, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !status.Running {
		t.Fatal("recording not running after start")
	}

	driveClock(t, env.clock, 100*time.Millisecond, func() bool {
		got, err := env.runner.Recording(status.ID)
		return err == nil && got.Samples >= 2
	}, "two recording samples")

	got, err := env.runner.Recording(status.ID)
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	if got.Images < 2 || got.Spectra < 2 {
		t.Errorf("images=%d spectra=%d, want at least 2 of each", got.Images, got.Spectra)
	}
	if math.Abs(got.LastRateHz-10) > 0.01 {
		t.Errorf("LastRateHz = %v, want ~10", got.LastRateHz)
	}
	if env.store.resultCount() < 4 {
		t.Errorf("archived results = %d, want at least 4", env.store.resultCount())
	}
	if env.feed.captureCount() < 4 {
		t.Errorf("announced captures = %d, want at least 4", env.feed.captureCount())
	}

	telemetry, ok := env.ctrl.Telemetry().Get("cam-1")
	if !ok || math.Abs(telemetry.LastRateHz-10) > 0.01 {
		t.Errorf("camera telemetry rate = %v, want ~10", telemetry.LastRateHz)
	}

	if _, err := env.runner.StopRecording(context.Background(), status.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := env.runner.Recording(status.ID); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("Recording after stop error = %v, want ErrRecordingNotFound", err)
	}
}

func TestStartRecordingIdempotentForSamePair(t *testing.T) {
	env := newAcqEnv(t)
	env.addDevice("cam-1", model.KindCamera, devsim.Options{})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	env.addDevice("spec-2", model.KindSpectrometer, devsim.Options{})
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")
	other := env.connect("spec-2")

	first, err := env.runner.StartRecording(context.Background(), camera, spectro, 0)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if first.Interval != DefaultRecordInterval {
		t.Errorf("interval = %v, want default %v", first.Interval, DefaultRecordInterval)
	}

	again, err := env.runner.StartRecording(context.Background(), camera, spectro, 0)
	if err != nil {
		t.Fatalf("StartRecording same pair: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("same pair got a new recording %s, want %s", again.ID, first.ID)
	}

	if _, err := env.runner.StartRecording(context.Background(), camera, other, 0); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("overlapping pair error = %v, want ErrSessionBusy", err)
	}

	if _, err := env.runner.StopRecording(context.Background(), first.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := env.runner.StopRecording(context.Background(), first.ID); !errors.Is(err, ErrRecordingNotFound) {
		t.Errorf("second stop error = %v, want ErrRecordingNotFound", err)
	}
}

func TestRecordingStopsViaSessionTeardown(t *testing.T) {
	env := newAcqEnv(t)
	env.addDevice("cam-1", model.KindCamera, devsim.Options{})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	status, err := env.runner.StartRecording(context.Background(), camera, spectro, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	// Disconnect runs the teardown hook synchronously: by the time it
	// returns, the loop goroutine has drained.
	if err := env.mgr.Disconnect(context.Background(), camera.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	got, err := env.runner.Recording(status.ID)
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	if got.Running {
		t.Fatal("recording still running after camera session disconnect")
	}
	if got.Reason != "session disconnected" {
		t.Errorf("stop reason = %q, want %q", got.Reason, "session disconnected")
	}
}

func TestRecordingSelfStopsWhenSessionLeavesConnected(t *testing.T) {
	env := newAcqEnv(t)
	env.addDevice("cam-1", model.KindCamera, devsim.Options{})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	// Unhook the teardown so the loop's own connected-state guard is the
	// one that has to catch the disconnect.
	env.mgr.SetTeardown(nil)

	status, err := env.runner.StartRecording(context.Background(), camera, spectro, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := env.mgr.Disconnect(context.Background(), spectro.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	driveClock(t, env.clock, 100*time.Millisecond, func() bool {
		got, err := env.runner.Recording(status.ID)
		return err == nil && !got.Running
	}, "recording self-stop")

	got, _ := env.runner.Recording(status.ID)
	if got.Reason != "session left connected state" {
		t.Errorf("stop reason = %q, want %q", got.Reason, "session left connected state")
	}
}

func TestRecordingCountsSampleWhenOnePayloadSaves(t *testing.T) {
	env := newAcqEnv(t)
	// Every image capture faults; spectra keep flowing.
	env.addDevice("cam-1", model.KindCamera, devsim.Options{FailCaptures: 1000})
	env.addDevice("spec-1", model.KindSpectrometer, devsim.Options{})
	camera := env.connect("cam-1")
	spectro := env.connect("spec-1")

	status, err := env.runner.StartRecording(context.Background(), camera, spectro, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	driveClock(t, env.clock, 100*time.Millisecond, func() bool {
		got, err := env.runner.Recording(status.ID)
		return err == nil && got.Samples >= 2
	}, "spectrum-only samples")

	got, _ := env.runner.Recording(status.ID)
	if got.Images != 0 {
		t.Errorf("images = %d, want 0 with a faulted camera", got.Images)
	}
	if got.Spectra < 2 {
		t.Errorf("spectra = %d, want at least 2", got.Spectra)
	}

	if _, err := env.runner.StopRecording(context.Background(), status.ID); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}
