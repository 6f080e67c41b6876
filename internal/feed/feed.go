// Package feed streams station activity to an MQTT broker for live
// dashboards: session state changes, capture summaries, and survey
// results, published as QoS 0 JSON events. Publishing is fire-and-forget;
// a dead broker costs log lines and counters, never a failed operation.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
)

// Config configures the live feed.
type Config struct {
	Enabled   bool
	BrokerURL string // e.g. tcp://localhost:1883
	ClientID  string

	// Station is the topic segment identifying this ground station.
	Station string

	// ConnectTimeout bounds the initial broker handshake; PublishTimeout
	// bounds the wait for each publish acknowledgement.
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Station == "" {
		c.Station = "station"
	}
	if c.ClientID == "" {
		c.ClientID = "moonscan-" + c.Station
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Publisher is the live feed surface. Implementations never surface
// publish errors to callers; they log and count them.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)

	// HandleRegistryEvent has the shape of a registry subscriber so main
	// can wire it directly into registry.Subscribe.
	HandleRegistryEvent(ev registry.Event)

	AnnounceCapture(ctx context.Context, res *model.ScanResult, archivePath string)
	AnnounceSurvey(ctx context.Context, sum model.SurveySummary)
}

// Noop discards all feed events. It stands in when the feed is disabled.
type Noop struct{}

func (Noop) Start(context.Context) error                                { return nil }
func (Noop) Stop(context.Context)                                       {}
func (Noop) HandleRegistryEvent(registry.Event)                         {}
func (Noop) AnnounceCapture(context.Context, *model.ScanResult, string) {}
func (Noop) AnnounceSurvey(context.Context, model.SurveySummary)        {}

// MetricsRecorder counts feed publish failures.
type MetricsRecorder interface {
	IncPublishFailure(sink string)
}

type noopMetrics struct{}

func (noopMetrics) IncPublishFailure(string) {}

// SessionStateEvent mirrors one session state transition.
type SessionStateEvent struct {
	SessionID    string    `json:"session_id"`
	InstrumentID string    `json:"instrument_id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// CaptureEvent summarises one archived capture.
type CaptureEvent struct {
	SessionID    string    `json:"session_id"`
	InstrumentID string    `json:"instrument_id"`
	Mode         string    `json:"mode"`
	CapturedAt   time.Time `json:"captured_at"`
	PayloadBytes int       `json:"payload_bytes"`
	ArchivePath  string    `json:"archive_path,omitempty"`
}

// SurveyEvent carries the end-of-run summary of a survey sweep.
type SurveyEvent struct {
	SurveyID       string    `json:"survey_id"`
	SessionID      string    `json:"session_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	StepsPlanned   int       `json:"steps_planned"`
	StepsCompleted int       `json:"steps_completed"`
	Samples        int       `json:"samples"`
	ImagesSaved    int       `json:"images_saved"`
	SpectraSaved   int       `json:"spectra_saved"`
	Aborted        bool      `json:"aborted"`
	Reason         string    `json:"reason,omitempty"`
}

// MQTT publishes feed events to an MQTT broker.
type MQTT struct {
	cfg     Config
	log     logging.Logger
	client  mqtt.Client
	metrics MetricsRecorder
}

// Option customises MQTT publisher construction.
type Option func(*MQTT)

// WithClient substitutes the broker client; tests use it.
func WithClient(client mqtt.Client) Option {
	return func(m *MQTT) {
		if client != nil {
			m.client = client
		}
	}
}

// WithMetrics attaches feed metrics.
func WithMetrics(rec MetricsRecorder) Option {
	return func(m *MQTT) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// New builds the feed publisher for the config: an MQTT-backed publisher
// when enabled, a Noop otherwise, so callers never branch on the flag.
func New(cfg Config, log logging.Logger, opts ...Option) (Publisher, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		log.Info(context.Background(), "live feed disabled")
		return Noop{}, nil
	}
	cfg = cfg.withDefaults()
	if cfg.BrokerURL == "" {
		return nil, errors.New("feed broker URL must not be empty")
	}

	m := &MQTT{
		cfg:     cfg,
		log:     log.With(logging.String("component", "feed")),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.client == nil {
		copts := mqtt.NewClientOptions().
			AddBroker(cfg.BrokerURL).
			SetClientID(cfg.ClientID).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetAutoReconnect(true)
		m.client = mqtt.NewClient(copts)
	}
	return m, nil
}

// Start connects to the broker.
func (m *MQTT) Start(ctx context.Context) error {
	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to feed broker %s: timed out", m.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to feed broker %s: %w", m.cfg.BrokerURL, err)
	}
	m.log.Info(ctx, "live feed connected", logging.String("broker", m.cfg.BrokerURL))
	return nil
}

// Stop disconnects from the broker, giving in-flight messages a moment
// to flush.
func (m *MQTT) Stop(ctx context.Context) {
	m.client.Disconnect(250)
	m.log.Info(ctx, "live feed disconnected")
}

// HandleRegistryEvent forwards session state changes to the feed.
func (m *MQTT) HandleRegistryEvent(ev registry.Event) {
	if ev.Type != registry.EventSessionState {
		return
	}
	topic := fmt.Sprintf("moonscan/%s/sessions/%s/state", m.cfg.Station, ev.SessionID)
	m.publish(context.Background(), topic, SessionStateEvent{
		SessionID:    ev.SessionID,
		InstrumentID: ev.Instrument.ID,
		Kind:         ev.Instrument.Kind.String(),
		State:        ev.State.String(),
		Detail:       ev.Detail,
		At:           ev.At,
	})
}

// AnnounceCapture publishes a capture summary.
func (m *MQTT) AnnounceCapture(ctx context.Context, res *model.ScanResult, archivePath string) {
	if res == nil {
		return
	}
	topic := fmt.Sprintf("moonscan/%s/sessions/%s/captures", m.cfg.Station, res.SessionID)
	m.publish(ctx, topic, CaptureEvent{
		SessionID:    res.SessionID,
		InstrumentID: res.DeviceID,
		Mode:         res.Mode.String(),
		CapturedAt:   res.CapturedAt,
		PayloadBytes: res.PayloadBytes(),
		ArchivePath:  archivePath,
	})
}

// AnnounceSurvey publishes a survey summary.
func (m *MQTT) AnnounceSurvey(ctx context.Context, sum model.SurveySummary) {
	topic := fmt.Sprintf("moonscan/%s/surveys/%s", m.cfg.Station, sum.ID)
	m.publish(ctx, topic, SurveyEvent{
		SurveyID:       sum.ID,
		SessionID:      sum.SessionID,
		StartedAt:      sum.StartedAt,
		FinishedAt:     sum.FinishedAt,
		StepsPlanned:   sum.StepsPlanned,
		StepsCompleted: sum.StepsCompleted,
		Samples:        sum.Samples,
		ImagesSaved:    sum.ImagesSaved,
		SpectraSaved:   sum.SpectraSaved,
		Aborted:        sum.Aborted,
		Reason:         sum.Reason,
	})
}

// publish marshals and fires one QoS 0 event. The acknowledgement wait
// happens off the caller's goroutine so control paths never stall on a
// slow broker.
func (m *MQTT) publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.metrics.IncPublishFailure("mqtt")
		m.log.Error(ctx, "encode feed event", logging.Err(err), logging.String("topic", topic))
		return
	}

	token := m.client.Publish(topic, 0, false, data)
	go func() {
		if !token.WaitTimeout(m.cfg.PublishTimeout) {
			m.metrics.IncPublishFailure("mqtt")
			m.log.Warn(ctx, "feed publish timed out", logging.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			m.metrics.IncPublishFailure("mqtt")
			m.log.Warn(ctx, "feed publish failed", logging.Err(err), logging.String("topic", topic))
			return
		}
		m.log.Debug(ctx, "feed event published", logging.String("topic", topic))
	}()
}
