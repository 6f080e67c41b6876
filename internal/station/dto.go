package station

import (
	"time"

	"github.com/copernicusworks/moonscan/internal/acquisition"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/track"
)

type tlePayload struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

type instrumentResponse struct {
	ID       string      `json:"id"`
	Name     string      `json:"name,omitempty"`
	Kind     string      `json:"kind"`
	Endpoint string      `json:"endpoint"`
	Orbit    *tlePayload `json:"orbit,omitempty"`

	DefaultExposureMillis    float64 `json:"default_exposure_ms,omitempty"`
	DefaultIntegrationMillis float64 `json:"default_integration_ms,omitempty"`

	// Breaker reports the connect circuit for the instrument; "open"
	// means connects are being refused.
	Breaker string `json:"breaker"`
}

func instrumentResponseFrom(def model.InstrumentDefinition, breakerState string) instrumentResponse {
	out := instrumentResponse{
		ID:                       def.ID,
		Name:                     def.Name,
		Kind:                     def.Kind.String(),
		Endpoint:                 def.Endpoint,
		DefaultExposureMillis:    def.DefaultExposureMillis,
		DefaultIntegrationMillis: def.DefaultIntegrationMillis,
		Breaker:                  breakerState,
	}
	if !def.Orbit.IsZero() {
		out.Orbit = &tlePayload{Line1: def.Orbit.Line1, Line2: def.Orbit.Line2}
	}
	return out
}

type passResponse struct {
	AOS             time.Time `json:"aos"`
	LOS             time.Time `json:"los"`
	DurationSeconds float64   `json:"duration_seconds"`
	MaxElevationDeg float64   `json:"max_elevation_deg"`
	MaxElevationAt  time.Time `json:"max_elevation_at"`
}

func passResponseFrom(w track.PassWindow) passResponse {
	return passResponse{
		AOS:             w.AOS,
		LOS:             w.LOS,
		DurationSeconds: w.Duration().Seconds(),
		MaxElevationDeg: w.MaxElevationDeg,
		MaxElevationAt:  w.MaxElevationAt,
	}
}

type connectRequest struct {
	InstrumentID string `json:"instrument_id"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	Detail       string    `json:"detail,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
}

func sessionResponseFrom(sess *session.Session) sessionResponse {
	state, detail := sess.StateDetail()
	return sessionResponse{
		ID:           sess.ID(),
		InstrumentID: sess.InstrumentID(),
		Kind:         sess.Kind().String(),
		State:        state.String(),
		Detail:       detail,
		OpenedAt:     sess.OpenedAt(),
	}
}

type wavelengthRangePayload struct {
	MinNm float64 `json:"min_nm"`
	MaxNm float64 `json:"max_nm"`
}

type captureRequest struct {
	Mode              string                  `json:"mode"`
	ExposureMillis    float64                 `json:"exposure_ms,omitempty"`
	IntegrationMillis float64                 `json:"integration_ms,omitempty"`
	WavelengthRange   *wavelengthRangePayload `json:"wavelength_range,omitempty"`
}

type frameMeta struct {
	Format         string  `json:"format"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	ExposureMillis float64 `json:"exposure_ms"`
}

type spectrumMeta struct {
	IntegrationMillis float64 `json:"integration_ms"`
	Samples           int     `json:"samples"`
	DarkSubtracted    bool    `json:"dark_subtracted"`
}

type captureResponse struct {
	InstrumentID string    `json:"instrument_id"`
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode"`
	CapturedAt   time.Time `json:"captured_at"`
	PayloadBytes int       `json:"payload_bytes"`
	ArchivePath  string    `json:"archive_path"`

	Frame    *frameMeta    `json:"frame,omitempty"`
	Spectrum *spectrumMeta `json:"spectrum,omitempty"`
}

func captureResponseFrom(res *model.ScanResult, archivePath string) captureResponse {
	out := captureResponse{
		InstrumentID: res.DeviceID,
		SessionID:    res.SessionID,
		Mode:         res.Mode.String(),
		CapturedAt:   res.CapturedAt,
		PayloadBytes: res.PayloadBytes(),
		ArchivePath:  archivePath,
	}
	if res.Frame != nil {
		out.Frame = &frameMeta{
			Format:         res.Frame.Format,
			Width:          res.Frame.Width,
			Height:         res.Frame.Height,
			ExposureMillis: res.Frame.ExposureMillis,
		}
	}
	if res.Spectrum != nil {
		out.Spectrum = &spectrumMeta{
			IntegrationMillis: res.Spectrum.IntegrationMillis,
			Samples:           len(res.Spectrum.Samples),
			DarkSubtracted:    res.Spectrum.DarkSubtracted,
		}
	}
	return out
}

type darkCalibrationResponse struct {
	InstrumentID string `json:"instrument_id"`
	SessionID    string `json:"session_id"`
	Samples      int    `json:"samples"`
}

type slewRequest struct {
	Direction string `json:"direction"`
	Rate      int    `json:"rate"`
}

type slewResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Direction string `json:"direction,omitempty"`
	Rate      int    `json:"rate,omitempty"`
}

type recordingRequest struct {
	CameraSessionID       string `json:"camera_session_id"`
	SpectrometerSessionID string `json:"spectrometer_session_id"`
	IntervalMillis        int64  `json:"interval_ms,omitempty"`
}

type recordingResponse struct {
	ID                    string    `json:"id"`
	CameraSessionID       string    `json:"camera_session_id"`
	SpectrometerSessionID string    `json:"spectrometer_session_id"`
	IntervalMillis        int64     `json:"interval_ms"`
	StartedAt             time.Time `json:"started_at"`
	Running               bool      `json:"running"`
	Reason                string    `json:"reason,omitempty"`
	Samples               int       `json:"samples"`
	Images                int       `json:"images"`
	Spectra               int       `json:"spectra"`
	RateHz                float64   `json:"rate_hz"`
}

func recordingResponseFrom(st acquisition.RecorderStatus) recordingResponse {
	return recordingResponse{
		ID:                    st.ID,
		CameraSessionID:       st.CameraSessionID,
		SpectrometerSessionID: st.SpectrometerSessionID,
		IntervalMillis:        st.Interval.Milliseconds(),
		StartedAt:             st.StartedAt,
		Running:               st.Running,
		Reason:                st.Reason,
		Samples:               st.Samples,
		Images:                st.Images,
		Spectra:               st.Spectra,
		RateHz:                st.LastRateHz,
	}
}

type surveyPlanPayload struct {
	ScanAngleDeg         float64 `json:"scan_angle_deg"`
	StepArcsec           float64 `json:"step_arcsec"`
	SpeedArcsecPerSec    float64 `json:"speed_arcsec_per_sec"`
	SampleIntervalMillis int64   `json:"sample_interval_ms,omitempty"`
}

func surveyPlanFrom(p surveyPlanPayload) model.SurveyPlan {
	return model.SurveyPlan{
		ScanAngleDegrees:  p.ScanAngleDeg,
		StepArcsec:        p.StepArcsec,
		SpeedArcsecPerSec: p.SpeedArcsecPerSec,
		SampleInterval:    time.Duration(p.SampleIntervalMillis) * time.Millisecond,
	}
}

func surveyPlanPayloadFrom(p model.SurveyPlan) surveyPlanPayload {
	return surveyPlanPayload{
		ScanAngleDeg:         p.ScanAngleDegrees,
		StepArcsec:           p.StepArcsec,
		SpeedArcsecPerSec:    p.SpeedArcsecPerSec,
		SampleIntervalMillis: p.SampleInterval.Milliseconds(),
	}
}

type surveyRequest struct {
	MountSessionID        string            `json:"mount_session_id"`
	CameraSessionID       string            `json:"camera_session_id"`
	SpectrometerSessionID string            `json:"spectrometer_session_id"`
	Plan                  surveyPlanPayload `json:"plan"`
}

type surveyResponse struct {
	ID                    string            `json:"id"`
	MountSessionID        string            `json:"mount_session_id"`
	CameraSessionID       string            `json:"camera_session_id"`
	SpectrometerSessionID string            `json:"spectrometer_session_id"`
	Plan                  surveyPlanPayload `json:"plan"`
	Running               bool              `json:"running"`

	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	StepsPlanned   int        `json:"steps_planned"`
	StepsCompleted int        `json:"steps_completed"`
	Samples        int        `json:"samples"`
	ImagesSaved    int        `json:"images_saved"`
	SpectraSaved   int        `json:"spectra_saved"`
	Aborted        bool       `json:"aborted,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

func surveyResponseFrom(st acquisition.SurveyStatus) surveyResponse {
	sum := st.Summary
	return surveyResponse{
		ID:                    st.ID,
		MountSessionID:        st.MountSessionID,
		CameraSessionID:       st.CameraSessionID,
		SpectrometerSessionID: st.SpectrometerSessionID,
		Plan:                  surveyPlanPayloadFrom(st.Plan),
		Running:               st.Running,
		StartedAt:             sum.StartedAt,
		FinishedAt:            optionalTime(sum.FinishedAt),
		StepsPlanned:          sum.StepsPlanned,
		StepsCompleted:        sum.StepsCompleted,
		Samples:               sum.Samples,
		ImagesSaved:           sum.ImagesSaved,
		SpectraSaved:          sum.SpectraSaved,
		Aborted:               sum.Aborted,
		Reason:                sum.Reason,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
