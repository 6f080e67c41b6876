package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/handlers"

	"github.com/copernicusworks/moonscan/internal/acquisition"
	"github.com/copernicusworks/moonscan/internal/archive"
	"github.com/copernicusworks/moonscan/internal/breaker"
	"github.com/copernicusworks/moonscan/internal/config"
	"github.com/copernicusworks/moonscan/internal/drivers"
	"github.com/copernicusworks/moonscan/internal/feed"
	"github.com/copernicusworks/moonscan/internal/logging"
	"github.com/copernicusworks/moonscan/internal/observability"
	"github.com/copernicusworks/moonscan/internal/session"
	"github.com/copernicusworks/moonscan/internal/station"
	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/registry"
)

func main() {
	configPath := flag.String("config", "configs/stationd.yaml", "Path to the station YAML configuration")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})

	stationMetrics, err := observability.NewStationCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise station metrics", logging.Err(err))
		os.Exit(1)
	}
	captureMetrics, err := observability.NewCaptureCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise capture metrics", logging.Err(err))
		os.Exit(1)
	}

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.StationID = cfg.Station.ID
	tracingShutdown, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.Addr, stationMetrics, log)
	}

	reg := registry.New()
	for _, ic := range cfg.Instruments {
		def, err := ic.Definition()
		if err != nil {
			log.Error(ctx, "bad instrument definition", logging.String("id", ic.ID), logging.Err(err))
			os.Exit(1)
		}
		if err := reg.Add(def); err != nil {
			log.Error(ctx, "failed to register instrument", logging.String("id", def.ID), logging.Err(err))
			os.Exit(1)
		}
	}
	stationMetrics.SetInstrumentCount(len(cfg.Instruments))
	log.Info(ctx, "instrument inventory loaded", logging.Int("instruments", len(cfg.Instruments)))

	store, err := archive.NewStore(cfg.Archive.Root, log)
	if err != nil {
		log.Error(ctx, "failed to open scan archive", logging.String("root", cfg.Archive.Root), logging.Err(err))
		os.Exit(1)
	}

	events, err := archive.NewEventPublisher(archive.EventConfig{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Station:   cfg.Station.ID,
		QueueSize: cfg.Kafka.QueueSize,
	}, log, archive.WithEventMetrics(captureMetrics))
	if err != nil {
		log.Error(ctx, "failed to build scan event publisher", logging.Err(err))
		os.Exit(1)
	}
	if err := events.Start(ctx); err != nil {
		log.Error(ctx, "failed to start scan event publisher", logging.Err(err))
		os.Exit(1)
	}

	livefeed, err := feed.New(feed.Config{
		Enabled:   cfg.Feed.Enabled,
		BrokerURL: cfg.Feed.BrokerURL,
		ClientID:  cfg.Feed.ClientID,
		Station:   cfg.Station.ID,
	}, log, feed.WithMetrics(captureMetrics))
	if err != nil {
		log.Error(ctx, "failed to build live feed", logging.Err(err))
		os.Exit(1)
	}
	// The feed is fire-and-forget: an unreachable broker degrades the
	// station to log lines, it does not stop it.
	if err := livefeed.Start(ctx); err != nil {
		log.Warn(ctx, "live feed unavailable", logging.Err(err))
	}
	reg.Subscribe(livefeed.HandleRegistryEvent)

	controller := acquisition.NewController(log,
		acquisition.WithControllerConfig(acquisition.Config{
			FrameReadAttempts: cfg.Acquisition.FrameReadAttempts,
			FrameRetryDelay:   cfg.Acquisition.FrameRetryDelay,
			Wavelengths: model.WavelengthRange{
				MinNm: cfg.Acquisition.WavelengthMinNm,
				MaxNm: cfg.Acquisition.WavelengthMaxNm,
			},
		}),
		acquisition.WithControllerMetrics(captureMetrics),
	)
	runner := acquisition.NewRunner(controller, store, log,
		acquisition.WithAnnouncer(multiAnnouncer{livefeed, events}),
		acquisition.WithRunnerMetrics(captureMetrics),
		acquisition.WithDefaultRecordInterval(cfg.Acquisition.RecordInterval),
	)

	mgr := session.NewManager(reg, drivers.NewTCPDialer(cfg.Session.DialTimeout), log,
		session.WithConfig(session.Config{
			DialTimeout:   cfg.Session.DialTimeout,
			ProbeTimeout:  cfg.Session.ProbeTimeout,
			ConnectBudget: cfg.Session.ConnectBudget,
			Breaker: breaker.Config{
				MaxFailures:  cfg.Session.BreakerMaxFailures,
				ResetTimeout: cfg.Session.BreakerResetTimeout,
			},
		}),
		session.WithVisibility(session.SiteVisibility{
			Site:    cfg.Site(),
			MaskDeg: cfg.Station.Site.MinElevationDeg,
		}),
		session.WithMetricsRecorder(sessionGauges{station: stationMetrics, capture: captureMetrics}),
	)
	mgr.SetTeardown(func(ctx context.Context, sessionID string) {
		runner.StopForSession(ctx, sessionID)
	})

	svc := station.NewService(reg, mgr, runner, log,
		station.WithSite(cfg.Site()),
		station.WithElevationMask(cfg.Station.Site.MinElevationDeg),
	)
	router := svc.Router()
	router.Use(stationMetrics.Middleware)

	apiSrv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handlers.LoggingHandler(os.Stdout, router),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	log.Info(ctx, "starting station control API",
		logging.String("addr", cfg.API.Addr),
		logging.String("station", cfg.Station.ID),
	)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "control API exited", logging.Err(err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down station")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	_ = apiSrv.Shutdown(shutdownCtx)
	runner.Shutdown(shutdownCtx)
	mgr.Shutdown(shutdownCtx)
	if err := events.Stop(shutdownCtx); err != nil {
		log.Warn(ctx, "scan event publisher stop", logging.Err(err))
	}
	livefeed.Stop(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	observability.ShutdownWithTimeout(context.Background(), tracingShutdown, log)
}

// sessionGauges fans session-level gauge updates out to the two
// collectors that carry them.
type sessionGauges struct {
	station *observability.StationCollector
	capture *observability.CaptureCollector
}

func (g sessionGauges) SetSessionsActive(n int) {
	g.station.SetSessionsActive(n)
}

func (g sessionGauges) SetBreakerState(instrument string, state float64) {
	g.capture.SetBreakerState(instrument, state)
}

// multiAnnouncer fans acquisition events out to every configured sink.
type multiAnnouncer []acquisition.Announcer

func (m multiAnnouncer) AnnounceCapture(ctx context.Context, res *model.ScanResult, archivePath string) {
	for _, a := range m {
		a.AnnounceCapture(ctx, res, archivePath)
	}
}

func (m multiAnnouncer) AnnounceSurvey(ctx context.Context, sum model.SurveySummary) {
	for _, a := range m {
		a.AnnounceSurvey(ctx, sum)
	}
}

func serveMetrics(addr string, collector *observability.StationCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
