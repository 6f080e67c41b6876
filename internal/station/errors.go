package station

import (
	"errors"
	"net/http"

	"github.com/copernicusworks/moonscan/internal/acquisition"
	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
	"github.com/copernicusworks/moonscan/track"
)

// retryAfterSeconds is the backoff hint sent with 503 responses. It
// matches the default breaker reset timeout, so a client that honours
// it lands after the next half-open probe window opens.
const retryAfterSeconds = 30

// StatusForError maps domain errors onto HTTP status codes for the
// control API. Unrecognised errors report as internal.
func StatusForError(err error) int {
	var (
		capErr *acquisition.CaptureError
		devErr *drivers.DeviceError
	)

	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, registry.ErrInstrumentNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, acquisition.ErrRecordingNotFound),
		errors.Is(err, acquisition.ErrSurveyNotFound):
		return http.StatusNotFound

	case errors.Is(err, model.ErrInvalidScanRequest),
		errors.Is(err, model.ErrInvalidSurveyPlan),
		errors.Is(err, registry.ErrInstrumentInvalid),
		errors.Is(err, track.ErrMissingTLE):
		return http.StatusBadRequest

	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, acquisition.ErrNotConnected),
		errors.Is(err, acquisition.ErrCaptureInFlight),
		errors.Is(err, acquisition.ErrModeUnsupported),
		errors.Is(err, acquisition.ErrSessionBusy):
		return http.StatusConflict

	case errors.Is(err, session.ErrBreakerOpen),
		errors.Is(err, session.ErrNotVisible):
		return http.StatusServiceUnavailable

	case errors.As(err, &capErr),
		errors.As(err, &devErr):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
