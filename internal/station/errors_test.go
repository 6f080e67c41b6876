package station

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/copernicusworks/moonscan/internal/acquisition"
	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
	"github.com/copernicusworks/moonscan/track"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"instrument missing", fmt.Errorf("lookup: %w", registry.ErrInstrumentNotFound), http.StatusNotFound},
		{"session missing", session.ErrSessionNotFound, http.StatusNotFound},
		{"recording missing", acquisition.ErrRecordingNotFound, http.StatusNotFound},
		{"survey missing", acquisition.ErrSurveyNotFound, http.StatusNotFound},
		{"bad scan request", fmt.Errorf("%w: exposure must be positive", model.ErrInvalidScanRequest), http.StatusBadRequest},
		{"bad survey plan", model.ErrInvalidSurveyPlan, http.StatusBadRequest},
		{"bad definition", registry.ErrInstrumentInvalid, http.StatusBadRequest},
		{"no orbital elements", track.ErrMissingTLE, http.StatusBadRequest},
		{"session exists", session.ErrSessionExists, http.StatusConflict},
		{"not connected", fmt.Errorf("%w: session %q is faulted", acquisition.ErrNotConnected, "s-1"), http.StatusConflict},
		{"capture in flight", acquisition.ErrCaptureInFlight, http.StatusConflict},
		{"mode unsupported", acquisition.ErrModeUnsupported, http.StatusConflict},
		{"session busy", acquisition.ErrSessionBusy, http.StatusConflict},
		{"breaker open", fmt.Errorf("connect %q: %w", "cam-1", session.ErrBreakerOpen), http.StatusServiceUnavailable},
		{"not visible", session.ErrNotVisible, http.StatusServiceUnavailable},
		{"capture fault", &acquisition.CaptureError{InstrumentID: "cam-1", Mode: model.ModeImaging, Err: errors.New("short read")}, http.StatusBadGateway},
		{"device fault", &drivers.DeviceError{Op: "READF", Status: 0x51}, http.StatusBadGateway},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StatusForError(tc.err); got != tc.want {
				t.Fatalf("StatusForError(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
