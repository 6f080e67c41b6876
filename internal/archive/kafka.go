package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/copernicusworks/moonscan/internal/breaker"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/timebase"
)

// Scan event types emitted on the Kafka topic.
const (
	EventTypeCapture = "capture"
	EventTypeSurvey  = "survey"
)

const (
	defaultEventQueueSize = 256

	// drainTimeout bounds the flush of queued events at shutdown. The
	// run context is already cancelled by then, so drain writes under a
	// fresh deadline.
	drainTimeout = 5 * time.Second
)

// ScanEvent is the JSON document emitted per archived capture and per
// finished survey run.
type ScanEvent struct {
	Type         string    `json:"type"`
	Station      string    `json:"station"`
	InstrumentID string    `json:"instrument_id,omitempty"`
	SessionID    string    `json:"session_id"`
	Mode         string    `json:"mode,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	PayloadBytes int       `json:"payload_bytes,omitempty"`
	ArchivePath  string    `json:"archive_path,omitempty"`

	Survey *surveyRecord `json:"survey,omitempty"`
}

// EventConfig configures the Kafka scan-event publisher.
type EventConfig struct {
	Enabled bool
	Brokers []string
	Topic   string

	// Station tags every event with the emitting ground station.
	Station string

	// QueueSize bounds the async publish queue. A full queue drops new
	// events rather than stalling the capture path.
	QueueSize int

	// Breaker guards the Kafka writes so a dead broker cannot back the
	// station up behind write timeouts.
	Breaker breaker.Config
}

func (c EventConfig) withDefaults() EventConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultEventQueueSize
	}
	return c
}

// kafkaMessageWriter is the slice of kafka.Writer the publisher uses.
// Tests substitute it.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventMetricsRecorder receives publisher queue and outcome metrics.
type EventMetricsRecorder interface {
	SetEventQueueDepth(n int)
	IncEventPublish(outcome string)
}

type noopEventMetrics struct{}

func (noopEventMetrics) SetEventQueueDepth(int) {}
func (noopEventMetrics) IncEventPublish(string) {}

// EventPublisher asynchronously publishes scan events to a Kafka topic.
// It implements the acquisition announcer contract: announcing is
// fire-and-forget, failures are logged and counted, never returned.
type EventPublisher struct {
	cfg     EventConfig
	log     logging.Logger
	writer  kafkaMessageWriter
	closer  io.Closer
	clock   timebase.Clock
	brk     *breaker.Breaker
	metrics EventMetricsRecorder

	queue  chan kafka.Message
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

// EventOption customises publisher construction.
type EventOption func(*EventPublisher)

// WithEventMetrics attaches publisher metrics.
func WithEventMetrics(rec EventMetricsRecorder) EventOption {
	return func(p *EventPublisher) {
		if rec != nil {
			p.metrics = rec
		}
	}
}

// WithEventClock substitutes the time source behind the write breaker.
func WithEventClock(clock timebase.Clock) EventOption {
	return func(p *EventPublisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewEventPublisher builds the async Kafka publisher. A disabled config
// yields a publisher whose methods are all no-ops, so callers never
// branch on the flag themselves.
func NewEventPublisher(cfg EventConfig, log logging.Logger, opts ...EventOption) (*EventPublisher, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		log.Info(context.Background(), "scan event publisher disabled")
		return newEventPublisher(cfg, log, nil, nil, opts...), nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("event topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one event broker is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newEventPublisher(cfg, log, w, w, opts...), nil
}

func newEventPublisher(cfg EventConfig, log logging.Logger, writer kafkaMessageWriter, closer io.Closer, opts ...EventOption) *EventPublisher {
	p := &EventPublisher{
		cfg:     cfg.withDefaults(),
		log:     log.With(logging.String("component", "event_publisher")),
		writer:  writer,
		closer:  closer,
		clock:   timebase.System(),
		metrics: noopEventMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.brk = breaker.New(p.cfg.Breaker, p.clock)
	if p.cfg.Enabled {
		p.queue = make(chan kafka.Message, p.cfg.QueueSize)
		p.metrics.SetEventQueueDepth(0)
	}
	return p
}

// Start launches the background delivery loop. The loop runs until Stop
// or until ctx is cancelled, whichever comes first.
func (p *EventPublisher) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.log.Info(ctx, "scan event publisher started",
			logging.String("topic", p.cfg.Topic),
			logging.Int("queue_size", p.cfg.QueueSize),
		)
	})
	return nil
}

// Stop cancels the delivery loop and waits for queued events to drain,
// bounded by ctx.
func (p *EventPublisher) Stop(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if p.closer != nil {
			if err := p.closer.Close(); err != nil {
				p.log.Error(ctx, "close kafka writer", logging.Err(err))
			}
		}
		p.metrics.SetEventQueueDepth(0)
		p.log.Info(ctx, "scan event publisher stopped")
	})
	return stopErr
}

// AnnounceCapture queues a capture event for delivery.
func (p *EventPublisher) AnnounceCapture(ctx context.Context, res *model.ScanResult, archivePath string) {
	if res == nil {
		return
	}
	p.enqueue(ctx, res.DeviceID, ScanEvent{
		Type:         EventTypeCapture,
		Station:      p.cfg.Station,
		InstrumentID: res.DeviceID,
		SessionID:    res.SessionID,
		Mode:         res.Mode.String(),
		CapturedAt:   res.CapturedAt,
		PayloadBytes: res.PayloadBytes(),
		ArchivePath:  archivePath,
	})
}

// AnnounceSurvey queues a survey summary event for delivery.
func (p *EventPublisher) AnnounceSurvey(ctx context.Context, sum model.SurveySummary) {
	rec := surveyRecordFrom(sum)
	p.enqueue(ctx, sum.SessionID, ScanEvent{
		Type:       EventTypeSurvey,
		Station:    p.cfg.Station,
		SessionID:  sum.SessionID,
		CapturedAt: sum.FinishedAt,
		Survey:     &rec,
	})
}

func (p *EventPublisher) enqueue(ctx context.Context, key string, ev ScanEvent) {
	if !p.cfg.Enabled {
		return
	}
	if !p.started.Load() {
		p.metrics.IncEventPublish("dropped")
		p.log.Warn(ctx, "scan event dropped, publisher not running", logging.String("type", ev.Type))
		return
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.metrics.IncEventPublish("fail")
		p.log.Error(ctx, "encode scan event", logging.Err(err), logging.String("type", ev.Type))
		return
	}

	select {
	case p.queue <- kafka.Message{Key: []byte(key), Value: value}:
		p.metrics.SetEventQueueDepth(len(p.queue))
	default:
		p.metrics.IncEventPublish("dropped")
		p.log.Warn(ctx, "scan event dropped, queue full",
			logging.String("type", ev.Type),
			logging.Int("queue_size", p.cfg.QueueSize),
		)
	}
}

func (p *EventPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			return
		case msg := <-p.queue:
			p.metrics.SetEventQueueDepth(len(p.queue))
			p.deliver(p.runCtx, msg)
		}
	}
}

// drain flushes whatever is queued at shutdown under a fresh deadline;
// the run context is already cancelled and would abort the writes.
func (p *EventPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.metrics.SetEventQueueDepth(len(p.queue))
			p.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (p *EventPublisher) deliver(ctx context.Context, msg kafka.Message) {
	if err := p.brk.Allow(); err != nil {
		p.metrics.IncEventPublish("dropped")
		p.log.Warn(ctx, "scan event dropped, kafka breaker open", logging.String("key", string(msg.Key)))
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.brk.Failure()
		p.metrics.IncEventPublish("fail")
		p.log.Error(ctx, "publish scan event", logging.Err(err), logging.String("key", string(msg.Key)))
		return
	}
	p.brk.Success()
	p.metrics.IncEventPublish("ok")
	p.log.Debug(ctx, "published scan event", logging.String("key", string(msg.Key)))
}
