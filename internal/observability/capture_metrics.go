package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CaptureCollector exposes acquisition-side Prometheus metrics: capture
// outcomes, pacing loops, archive writes, and device breaker state.
type CaptureCollector struct {
	gatherer prometheus.Gatherer

	CapturesTotal    *prometheus.CounterVec
	CaptureDuration  *prometheus.HistogramVec
	FrameRetries     prometheus.Counter
	RecordingSamples prometheus.Counter
	SurveySamples    prometheus.Counter
	ArchiveWrites    *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	CaptureRate      *prometheus.GaugeVec
	EventQueueDepth  prometheus.Gauge
	EventPublishes   *prometheus.CounterVec
}

// NewCaptureCollector registers acquisition metrics against the provided
// registerer.
func NewCaptureCollector(reg prometheus.Registerer) (*CaptureCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	captures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_captures_total",
		Help: "Completed capture attempts, labeled by scan mode and outcome.",
	}, []string{"mode", "outcome"})
	captures, err := registerCounterVec(reg, captures, "station_captures_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "station_capture_duration_seconds",
		Help:    "Wall time spent per capture, labeled by scan mode.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})
	durations, err = registerHistogramVec(reg, durations, "station_capture_duration_seconds")
	if err != nil {
		return nil, err
	}

	frameRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "station_frame_read_retries_total",
		Help: "Cumulative number of camera frame reads that needed a retry.",
	})
	frameRetries, err = registerCounter(reg, frameRetries, "station_frame_read_retries_total")
	if err != nil {
		return nil, err
	}

	recSamples := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "station_recording_samples_total",
		Help: "Cumulative number of paired samples taken by recording loops.",
	})
	recSamples, err = registerCounter(reg, recSamples, "station_recording_samples_total")
	if err != nil {
		return nil, err
	}

	surveySamples := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "station_survey_samples_total",
		Help: "Cumulative number of samples taken by survey sweeps.",
	})
	surveySamples, err = registerCounter(reg, surveySamples, "station_survey_samples_total")
	if err != nil {
		return nil, err
	}

	archiveWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_archive_writes_total",
		Help: "Files written to the scan archive, labeled by payload kind.",
	}, []string{"kind"})
	archiveWrites, err = registerCounterVec(reg, archiveWrites, "station_archive_writes_total")
	if err != nil {
		return nil, err
	}

	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_publish_failures_total",
		Help: "Scan events that could not be handed to a downstream sink, labeled by sink.",
	}, []string{"sink"})
	publishFailures, err = registerCounterVec(reg, publishFailures, "station_publish_failures_total")
	if err != nil {
		return nil, err
	}

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_breaker_state",
		Help: "Device circuit breaker state per instrument: 0 closed, 1 half-open, 2 open.",
	}, []string{"instrument"})
	breakerState, err = registerGaugeVec(reg, breakerState, "station_breaker_state")
	if err != nil {
		return nil, err
	}

	captureRate := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_capture_rate_hz",
		Help: "Most recent achieved capture rate per instrument, in hertz.",
	}, []string{"instrument"})
	captureRate, err = registerGaugeVec(reg, captureRate, "station_capture_rate_hz")
	if err != nil {
		return nil, err
	}

	eventQueue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "station_event_queue_depth",
		Help: "Scan events waiting in the Kafka publish queue.",
	})
	eventQueue, err = registerGauge(reg, eventQueue, "station_event_queue_depth")
	if err != nil {
		return nil, err
	}

	eventPublishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "station_event_publishes_total",
		Help: "Scan events handed to Kafka, labeled by outcome.",
	}, []string{"outcome"})
	eventPublishes, err = registerCounterVec(reg, eventPublishes, "station_event_publishes_total")
	if err != nil {
		return nil, err
	}

	return &CaptureCollector{
		gatherer:         gatherer,
		CapturesTotal:    captures,
		CaptureDuration:  durations,
		FrameRetries:     frameRetries,
		RecordingSamples: recSamples,
		SurveySamples:    surveySamples,
		ArchiveWrites:    archiveWrites,
		PublishFailures:  publishFailures,
		BreakerState:     breakerState,
		CaptureRate:      captureRate,
		EventQueueDepth:  eventQueue,
		EventPublishes:   eventPublishes,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *CaptureCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCapture records one capture attempt.
func (c *CaptureCollector) ObserveCapture(mode, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.CapturesTotal != nil {
		c.CapturesTotal.WithLabelValues(mode, outcome).Inc()
	}
	if c.CaptureDuration != nil {
		c.CaptureDuration.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// AddFrameRetries adds n to the frame retry counter.
func (c *CaptureCollector) AddFrameRetries(n int) {
	if c == nil || c.FrameRetries == nil || n <= 0 {
		return
	}
	c.FrameRetries.Add(float64(n))
}

// IncRecordingSample counts one paired recording sample.
func (c *CaptureCollector) IncRecordingSample() {
	if c == nil || c.RecordingSamples == nil {
		return
	}
	c.RecordingSamples.Inc()
}

// IncSurveySample counts one survey sample.
func (c *CaptureCollector) IncSurveySample() {
	if c == nil || c.SurveySamples == nil {
		return
	}
	c.SurveySamples.Inc()
}

// IncArchiveWrite counts one archived file of the given kind.
func (c *CaptureCollector) IncArchiveWrite(kind string) {
	if c == nil || c.ArchiveWrites == nil {
		return
	}
	c.ArchiveWrites.WithLabelValues(kind).Inc()
}

// IncPublishFailure counts a failed hand-off to a downstream sink.
func (c *CaptureCollector) IncPublishFailure(sink string) {
	if c == nil || c.PublishFailures == nil {
		return
	}
	c.PublishFailures.WithLabelValues(sink).Inc()
}

// SetBreakerState records the breaker state for an instrument.
func (c *CaptureCollector) SetBreakerState(instrument string, state float64) {
	if c == nil || c.BreakerState == nil {
		return
	}
	c.BreakerState.WithLabelValues(instrument).Set(state)
}

// SetCaptureRate records the achieved capture rate for an instrument.
func (c *CaptureCollector) SetCaptureRate(instrument string, hz float64) {
	if c == nil || c.CaptureRate == nil {
		return
	}
	c.CaptureRate.WithLabelValues(instrument).Set(hz)
}

// SetEventQueueDepth records the number of queued scan events.
func (c *CaptureCollector) SetEventQueueDepth(n int) {
	if c == nil || c.EventQueueDepth == nil {
		return
	}
	c.EventQueueDepth.Set(float64(n))
}

// IncEventPublish counts one scan event publish attempt by outcome.
func (c *CaptureCollector) IncEventPublish(outcome string) {
	if c == nil || c.EventPublishes == nil {
		return
	}
	c.EventPublishes.WithLabelValues(outcome).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
