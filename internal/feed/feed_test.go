package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
)

type stubToken struct{ err error }

func (t stubToken) Wait() bool                     { return true }
func (t stubToken) WaitTimeout(time.Duration) bool { return true }
func (t stubToken) Error() error                   { return t.err }
func (t stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishedEvent struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeBroker implements the slice of mqtt.Client the feed touches; the
// embedded interface panics on anything else.
type fakeBroker struct {
	mqtt.Client

	mu          sync.Mutex
	connected   bool
	connectErr  error
	publishErr  error
	published   []publishedEvent
	disconnects int
}

func (b *fakeBroker) Connect() mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return stubToken{err: b.connectErr}
	}
	b.connected = true
	return stubToken{}
}

func (b *fakeBroker) Disconnect(quiesce uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.disconnects++
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return stubToken{err: b.publishErr}
	}
	data, _ := payload.([]byte)
	b.published = append(b.published, publishedEvent{topic: topic, qos: qos, retained: retained, payload: data})
	return stubToken{}
}

func (b *fakeBroker) events() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedEvent, len(b.published))
	copy(out, b.published)
	return out
}

type fakeFeedMetrics struct {
	mu    sync.Mutex
	fails map[string]int
}

func (m *fakeFeedMetrics) IncPublishFailure(sink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails == nil {
		m.fails = make(map[string]int)
	}
	m.fails[sink]++
}

func (m *fakeFeedMetrics) failures(sink string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails[sink]
}

func newTestFeed(t *testing.T, broker *fakeBroker, opts ...Option) Publisher {
	t.Helper()
	cfg := Config{
		Enabled:   true,
		BrokerURL: "tcp://broker:1883",
		Station:   "copernicus-1",
	}
	pub, err := New(cfg, logging.Noop(), append([]Option{WithClient(broker)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { pub.Stop(context.Background()) })
	return pub
}

func waitForFeed(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFeedPublishesSessionStateEvents(t *testing.T) {
	broker := &fakeBroker{}
	pub := newTestFeed(t, broker)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	pub.HandleRegistryEvent(registry.Event{
		Type:       registry.EventSessionState,
		Instrument: model.InstrumentDefinition{ID: "cam-1", Kind: model.KindCamera, Endpoint: "cam-1.local:4040"},
		SessionID:  "sess-1",
		State:      model.StateConnected,
		Detail:     "probe ok",
		At:         at,
	})
	waitForFeed(t, func() bool { return len(broker.events()) == 1 }, "session event never published")

	ev := broker.events()[0]
	if ev.topic != "moonscan/copernicus-1/sessions/sess-1/state" {
		t.Fatalf("topic = %q", ev.topic)
	}
	if ev.qos != 0 || ev.retained {
		t.Fatalf("event published with qos=%d retained=%t, want 0/false", ev.qos, ev.retained)
	}

	var state SessionStateEvent
	if err := json.Unmarshal(ev.payload, &state); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if state.SessionID != "sess-1" || state.InstrumentID != "cam-1" {
		t.Fatalf("event identity = %q/%q", state.SessionID, state.InstrumentID)
	}
	if state.Kind != "camera" || state.State != "connected" || state.Detail != "probe ok" {
		t.Fatalf("event fields = %q/%q/%q", state.Kind, state.State, state.Detail)
	}
	if !state.At.Equal(at) {
		t.Fatalf("event time = %v, want %v", state.At, at)
	}
}

func TestFeedIgnoresInstrumentAddedEvents(t *testing.T) {
	broker := &fakeBroker{}
	pub := newTestFeed(t, broker)

	pub.HandleRegistryEvent(registry.Event{
		Type:       registry.EventInstrumentAdded,
		Instrument: model.InstrumentDefinition{ID: "cam-1", Kind: model.KindCamera, Endpoint: "cam-1.local:4040"},
	})

	time.Sleep(20 * time.Millisecond)
	if got := len(broker.events()); got != 0 {
		t.Fatalf("published %d events for an instrument-added change", got)
	}
}

func TestFeedPublishesCaptureSummaries(t *testing.T) {
	broker := &fakeBroker{}
	pub := newTestFeed(t, broker)

	res := &model.ScanResult{
		DeviceID:   "spec-1",
		SessionID:  "sess-2",
		Mode:       model.ModeSpectroscopy,
		CapturedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Spectrum: &model.SpectrumPayload{
			IntegrationMillis: 100,
			Samples:           []model.SpectralSample{{WavelengthNm: 550, Intensity: 20}},
		},
	}
	pub.AnnounceCapture(context.Background(), res, "/data/spectra/spectrum_100ms.csv")
	waitForFeed(t, func() bool { return len(broker.events()) == 1 }, "capture event never published")

	ev := broker.events()[0]
	if ev.topic != "moonscan/copernicus-1/sessions/sess-2/captures" {
		t.Fatalf("topic = %q", ev.topic)
	}
	var summary CaptureEvent
	if err := json.Unmarshal(ev.payload, &summary); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if summary.InstrumentID != "spec-1" || summary.Mode != "spectroscopy" {
		t.Fatalf("event fields = %q/%q", summary.InstrumentID, summary.Mode)
	}
	if summary.ArchivePath != "/data/spectra/spectrum_100ms.csv" || summary.PayloadBytes == 0 {
		t.Fatalf("event payload fields = %q/%d", summary.ArchivePath, summary.PayloadBytes)
	}
}

func TestFeedPublishesSurveySummaries(t *testing.T) {
	broker := &fakeBroker{}
	pub := newTestFeed(t, broker)

	pub.AnnounceSurvey(context.Background(), model.SurveySummary{
		ID:             "svy-9",
		SessionID:      "sess-3",
		StartedAt:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC),
		StepsPlanned:   6,
		StepsCompleted: 3,
		Samples:        3,
		ImagesSaved:    3,
		SpectraSaved:   2,
		Aborted:        true,
		Reason:         "session disconnected",
	})
	waitForFeed(t, func() bool { return len(broker.events()) == 1 }, "survey event never published")

	ev := broker.events()[0]
	if ev.topic != "moonscan/copernicus-1/surveys/svy-9" {
		t.Fatalf("topic = %q", ev.topic)
	}
	var svy SurveyEvent
	if err := json.Unmarshal(ev.payload, &svy); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if svy.SurveyID != "svy-9" || svy.StepsCompleted != 3 || !svy.Aborted {
		t.Fatalf("event fields = %+v", svy)
	}
	if svy.Reason != "session disconnected" {
		t.Fatalf("event reason = %q", svy.Reason)
	}
}

func TestFeedCountsPublishFailures(t *testing.T) {
	broker := &fakeBroker{publishErr: errors.New("broker rejected publish")}
	metrics := &fakeFeedMetrics{}
	pub := newTestFeed(t, broker, WithMetrics(metrics))

	pub.AnnounceCapture(context.Background(), &model.ScanResult{
		DeviceID:   "cam-1",
		SessionID:  "sess-1",
		Mode:       model.ModeImaging,
		CapturedAt: time.Now(),
		Frame:      &model.FramePayload{Format: "jpeg", ExposureMillis: 20, Data: []byte{1}},
	}, "/data/images/img.jpg")

	waitForFeed(t, func() bool { return metrics.failures("mqtt") == 1 }, "publish failure never counted")
}

func TestFeedStartSurfacesConnectError(t *testing.T) {
	broker := &fakeBroker{connectErr: errors.New("connection refused")}
	pub, err := New(Config{Enabled: true, BrokerURL: "tcp://broker:1883"}, logging.Noop(), WithClient(broker))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pub.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a refusing broker")
	}
}

func TestFeedDisabledReturnsNoop(t *testing.T) {
	pub, err := New(Config{Enabled: false}, logging.Noop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := pub.(Noop); !ok {
		t.Fatalf("disabled feed is %T, want Noop", pub)
	}

	if err := pub.Start(context.Background()); err != nil {
		t.Fatalf("Noop Start: %v", err)
	}
	pub.HandleRegistryEvent(registry.Event{Type: registry.EventSessionState})
	pub.AnnounceCapture(context.Background(), nil, "")
	pub.AnnounceSurvey(context.Background(), model.SurveySummary{})
	pub.Stop(context.Background())
}

func TestNewFeedRequiresBrokerURL(t *testing.T) {
	if _, err := New(Config{Enabled: true}, logging.Noop()); err == nil {
		t.Fatal("New accepted an enabled config without a broker URL")
	}
}
