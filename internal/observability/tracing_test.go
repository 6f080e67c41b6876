package observability

import (
	"context"
	"testing"

	"github.com/copernicusworks/moonscan/internal/logging"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("STATION_TRACING_ENABLED", "true")
	t.Setenv("STATION_TRACING_EXPORTER", "otlp")
	t.Setenv("STATION_TRACING_SERVICE_NAME", "stationd-test")
	t.Setenv("STATION_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("STATION_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.ServiceName != "stationd-test" {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"STATION_TRACING_ENABLED",
		"STATION_TRACING_EXPORTER",
		"STATION_TRACING_SERVICE_NAME",
		"STATION_TRACING_SAMPLE_RATIO",
		"STATION_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}

	cfg := TracingConfigFromEnv()
	if cfg.Enabled {
		t.Error("tracing enabled without STATION_TRACING_ENABLED")
	}
	if cfg.Exporter != "stdout" || cfg.ServiceName != "stationd" || cfg.SampleRatio != 1.0 {
		t.Fatalf("config = %+v, want stdout/stationd/1.0 defaults", cfg)
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestInitTracingStdoutWithStation(t *testing.T) {
	cfg := TracingConfig{
		Enabled:     true,
		ServiceName: "stationd",
		StationID:   "copernicus-1",
		Exporter:    "stdout",
		SampleRatio: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	cfg := TracingConfig{Enabled: true, ServiceName: "stationd", Exporter: "jaegerx"}
	if _, err := InitTracing(context.Background(), cfg, logging.Noop()); err == nil {
		t.Fatal("InitTracing accepted an unsupported exporter")
	}
}
