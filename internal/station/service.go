// Package station exposes the operator-facing HTTP control surface:
// instrument inventory and pass prediction, session lifecycle, captures
// and calibrations, manual slews, recordings, and surveys. Domain errors
// map onto HTTP statuses in one place; every response echoes the
// request ID.
package station

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/copernicusworks/moonscan/internal/acquisition"
	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
	"github.com/copernicusworks/moonscan/timebase"
	"github.com/copernicusworks/moonscan/track"
)

// Pass prediction lookahead bounds for the passes endpoint, in hours.
const (
	defaultPassHours = 24
	maxPassHours     = 168
)

// Service serves the station control API over the registry, session
// manager, and acquisition runner.
type Service struct {
	reg      *registry.Registry
	sessions *session.Manager
	runner   *acquisition.Runner
	log      logging.Logger
	clock    timebase.Clock

	site    track.Site
	maskDeg float64
}

// Option customises a Service.
type Option func(*Service)

// WithSite sets the observing site used for pass prediction.
func WithSite(site track.Site) Option {
	return func(s *Service) { s.site = site }
}

// WithElevationMask sets the minimum workable elevation for pass
// prediction, in degrees.
func WithElevationMask(deg float64) Option {
	return func(s *Service) { s.maskDeg = deg }
}

// WithServiceClock substitutes the time source; tests pin it.
func WithServiceClock(clock timebase.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService builds the control surface. The registry, session manager,
// and runner must outlive the service.
func NewService(reg *registry.Registry, sessions *session.Manager, runner *acquisition.Runner, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Noop()
	}
	s := &Service{
		reg:      reg,
		sessions: sessions,
		runner:   runner,
		log:      log.With(logging.String("component", "station_api")),
		clock:    timebase.System(),
		maskDeg:  track.DefaultElevationMaskDeg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the control API router with the request-ID and tracing
// middleware attached. Callers layer further middleware (metrics,
// access logging) on top before serving.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware(s.log), TracingMiddleware())

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/instruments", s.handleListInstruments).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{id}", s.handleGetInstrument).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{id}/passes", s.handleListPasses).Methods(http.MethodGet)

	api.HandleFunc("/sessions", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/captures", s.handleCapture).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/calibrations/dark", s.handleDarkCalibration).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/slews", s.handleStartSlew).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/slews", s.handleStopSlew).Methods(http.MethodDelete)

	api.HandleFunc("/recordings", s.handleStartRecording).Methods(http.MethodPost)
	api.HandleFunc("/recordings", s.handleListRecordings).Methods(http.MethodGet)
	api.HandleFunc("/recordings/{id}", s.handleGetRecording).Methods(http.MethodGet)
	api.HandleFunc("/recordings/{id}", s.handleStopRecording).Methods(http.MethodDelete)

	api.HandleFunc("/surveys", s.handleStartSurvey).Methods(http.MethodPost)
	api.HandleFunc("/surveys", s.handleListSurveys).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}", s.handleGetSurvey).Methods(http.MethodGet)
	api.HandleFunc("/surveys/{id}", s.handleStopSurvey).Methods(http.MethodDelete)

	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "station": s.site.Name})
}

func (s *Service) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	defs := s.reg.List()
	items := make([]instrumentResponse, 0, len(defs))
	for _, def := range defs {
		items = append(items, instrumentResponseFrom(def, s.sessions.BreakerState(def.ID).String()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

func (s *Service) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	def, err := s.reg.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instrumentResponseFrom(def, s.sessions.BreakerState(def.ID).String()))
}

func (s *Service) handleListPasses(w http.ResponseWriter, r *http.Request) {
	def, err := s.reg.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	hours := defaultPassHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxPassHours {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be an integer in [1, %d]", maxPassHours))
			return
		}
		hours = parsed
	}

	pred, err := track.NewPassPredictor(def.Orbit, s.site, s.maskDeg)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	from := s.clock.Now().UTC()
	windows := pred.Passes(from, time.Duration(hours)*time.Hour, 0)
	items := make([]passResponse, 0, len(windows))
	for _, win := range windows {
		items = append(items, passResponseFrom(win))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument_id":      def.ID,
		"from":               from,
		"hours":              hours,
		"elevation_mask_deg": pred.MaskDeg(),
		"total":              len(items),
		"items":              items,
	})
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.InstrumentID) == "" {
		writeError(w, http.StatusBadRequest, "instrument_id is required")
		return
	}

	sess, err := s.sessions.Connect(r.Context(), req.InstrumentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponseFrom(sess))
}

func (s *Service) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	items := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionResponseFrom(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponseFrom(sess))
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Disconnect(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, ok := model.ParseScanMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scan mode %q", req.Mode))
		return
	}

	scanReq := model.ScanRequest{
		Mode:              mode,
		ExposureMillis:    req.ExposureMillis,
		IntegrationMillis: req.IntegrationMillis,
	}
	if req.WavelengthRange != nil {
		scanReq.Wavelengths = model.WavelengthRange{
			MinNm: req.WavelengthRange.MinNm,
			MaxNm: req.WavelengthRange.MaxNm,
		}
	}

	res, archivePath, err := s.runner.CaptureAndArchive(r.Context(), sess, scanReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, captureResponseFrom(res, archivePath))
}

func (s *Service) handleDarkCalibration(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	samples, err := s.runner.CaptureDark(r.Context(), sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, darkCalibrationResponse{
		InstrumentID: sess.InstrumentID(),
		SessionID:    sess.ID(),
		Samples:      samples,
	})
}

func (s *Service) handleStartSlew(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req slewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir, ok := model.ParseSlewDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown slew direction %q", req.Direction))
		return
	}
	if req.Rate < model.MinSlewRate || req.Rate > model.MaxSlewRate {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("slew rate %d outside [%d, %d]", req.Rate, model.MinSlewRate, model.MaxSlewRate))
		return
	}

	mount, err := s.mountFor(sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := mount.Slew(r.Context(), dir, req.Rate); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slewResponse{
		SessionID: sess.ID(),
		Status:    "slewing",
		Direction: dir.String(),
		Rate:      req.Rate,
	})
}

func (s *Service) handleStopSlew(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}

	mount, err := s.mountFor(sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := mount.Halt(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slewResponse{SessionID: sess.ID(), Status: "halted"})
}

// mountFor resolves the drive dialect of a connected session.
func (s *Service) mountFor(sess *session.Session) (*drivers.Mount, error) {
	if state := sess.State(); state != model.StateConnected {
		return nil, fmt.Errorf("%w: session %q is %s", acquisition.ErrNotConnected, sess.ID(), state)
	}
	mount, ok := sess.Mount()
	if !ok {
		return nil, fmt.Errorf("%w: %s has no drive dialect", acquisition.ErrModeUnsupported, sess.Kind())
	}
	return mount, nil
}

func (s *Service) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CameraSessionID) == "" || strings.TrimSpace(req.SpectrometerSessionID) == "" {
		writeError(w, http.StatusBadRequest, "camera_session_id and spectrometer_session_id are required")
		return
	}
	if req.IntervalMillis < 0 {
		writeError(w, http.StatusBadRequest, "interval_ms must not be negative")
		return
	}

	camera, err := s.sessions.Get(req.CameraSessionID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("camera session: %w", err))
		return
	}
	spectro, err := s.sessions.Get(req.SpectrometerSessionID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("spectrometer session: %w", err))
		return
	}

	status, err := s.runner.StartRecording(r.Context(), camera, spectro, time.Duration(req.IntervalMillis)*time.Millisecond)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordingResponseFrom(status))
}

func (s *Service) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	statuses := s.runner.Recordings()
	items := make([]recordingResponse, 0, len(statuses))
	for _, st := range statuses {
		items = append(items, recordingResponseFrom(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

func (s *Service) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.Recording(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordingResponseFrom(status))
}

func (s *Service) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.StopRecording(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordingResponseFrom(status))
}

func (s *Service) handleStartSurvey(w http.ResponseWriter, r *http.Request) {
	var req surveyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.MountSessionID) == "" ||
		strings.TrimSpace(req.CameraSessionID) == "" ||
		strings.TrimSpace(req.SpectrometerSessionID) == "" {
		writeError(w, http.StatusBadRequest, "mount_session_id, camera_session_id, and spectrometer_session_id are required")
		return
	}

	mount, err := s.sessions.Get(req.MountSessionID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("mount session: %w", err))
		return
	}
	camera, err := s.sessions.Get(req.CameraSessionID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("camera session: %w", err))
		return
	}
	spectro, err := s.sessions.Get(req.SpectrometerSessionID)
	if err != nil {
		writeDomainError(w, fmt.Errorf("spectrometer session: %w", err))
		return
	}

	status, err := s.runner.StartSurvey(r.Context(), mount, camera, spectro, surveyPlanFrom(req.Plan))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, surveyResponseFrom(status))
}

func (s *Service) handleListSurveys(w http.ResponseWriter, r *http.Request) {
	statuses := s.runner.Surveys()
	items := make([]surveyResponse, 0, len(statuses))
	for _, st := range statuses {
		items = append(items, surveyResponseFrom(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(items), "items": items})
}

func (s *Service) handleGetSurvey(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.Survey(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, surveyResponseFrom(status))
}

func (s *Service) handleStopSurvey(w http.ResponseWriter, r *http.Request) {
	status, err := s.runner.StopSurvey(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, surveyResponseFrom(status))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError renders a domain failure with its mapped status.
// 503s carry a Retry-After hint so clients back off past the breaker
// reset window.
func writeDomainError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeError(w, status, err.Error())
}
