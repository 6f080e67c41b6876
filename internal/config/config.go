// Package config loads the station configuration from a YAML file:
// identity and site, listener addresses, the instrument inventory, and
// tuning for sessions, acquisition, the archive, and the event sinks.
//
// Load starts from Default and decodes the file over it, so a value
// omitted from the file keeps its default. Validation runs after the
// decode; a bad file fails at startup, never mid-scan.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/copernicusworks/moonscan/model"
	"github.com/copernicusworks/moonscan/track"
)

// Config is the root station configuration.
type Config struct {
	Station     StationConfig      `yaml:"station"`
	API         APIConfig          `yaml:"api"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Log         LogConfig          `yaml:"log"`
	Session     SessionConfig      `yaml:"session"`
	Acquisition AcquisitionConfig  `yaml:"acquisition"`
	Archive     ArchiveConfig      `yaml:"archive"`
	Kafka       KafkaConfig        `yaml:"kafka"`
	Feed        FeedConfig         `yaml:"feed"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// StationConfig identifies the ground station and its observing site.
type StationConfig struct {
	ID   string     `yaml:"id"`
	Site SiteConfig `yaml:"site"`
}

// SiteConfig locates the station for pass prediction and drive rates.
type SiteConfig struct {
	LatitudeDeg  float64 `yaml:"latitude_deg"`
	LongitudeDeg float64 `yaml:"longitude_deg"`
	AltitudeM    float64 `yaml:"altitude_m"`

	// MinElevationDeg is the elevation mask below which CubeSat
	// instruments count as not visible.
	MinElevationDeg float64 `yaml:"min_elevation_deg"`
}

// durationString is a time.Duration that decodes from YAML scalars in
// time.ParseDuration form, such as "500ms" or "15s". An empty scalar
// leaves the current value in place.
type durationString time.Duration

func (d *durationString) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = durationString(parsed)
	return nil
}

// APIConfig configures the HTTP control listener.
type APIConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UnmarshalYAML decodes the section with its duration fields in
// time.ParseDuration form; keys the file omits keep the values the
// receiver already holds.
func (a *APIConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Addr            string         `yaml:"addr"`
		ReadTimeout     durationString `yaml:"read_timeout"`
		WriteTimeout    durationString `yaml:"write_timeout"`
		ShutdownTimeout durationString `yaml:"shutdown_timeout"`
	}{
		Addr:            a.Addr,
		ReadTimeout:     durationString(a.ReadTimeout),
		WriteTimeout:    durationString(a.WriteTimeout),
		ShutdownTimeout: durationString(a.ShutdownTimeout),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	a.Addr = raw.Addr
	a.ReadTimeout = time.Duration(raw.ReadTimeout)
	a.WriteTimeout = time.Duration(raw.WriteTimeout)
	a.ShutdownTimeout = time.Duration(raw.ShutdownTimeout)
	return nil
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// SessionConfig tunes instrument connects.
type SessionConfig struct {
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	ConnectBudget       time.Duration `yaml:"connect_budget"`
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		DialTimeout         durationString `yaml:"dial_timeout"`
		ProbeTimeout        durationString `yaml:"probe_timeout"`
		ConnectBudget       durationString `yaml:"connect_budget"`
		BreakerMaxFailures  int            `yaml:"breaker_max_failures"`
		BreakerResetTimeout durationString `yaml:"breaker_reset_timeout"`
	}{
		DialTimeout:         durationString(s.DialTimeout),
		ProbeTimeout:        durationString(s.ProbeTimeout),
		ConnectBudget:       durationString(s.ConnectBudget),
		BreakerMaxFailures:  s.BreakerMaxFailures,
		BreakerResetTimeout: durationString(s.BreakerResetTimeout),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.DialTimeout = time.Duration(raw.DialTimeout)
	s.ProbeTimeout = time.Duration(raw.ProbeTimeout)
	s.ConnectBudget = time.Duration(raw.ConnectBudget)
	s.BreakerMaxFailures = raw.BreakerMaxFailures
	s.BreakerResetTimeout = time.Duration(raw.BreakerResetTimeout)
	return nil
}

// AcquisitionConfig tunes captures and recording loops.
type AcquisitionConfig struct {
	FrameReadAttempts int           `yaml:"frame_read_attempts"`
	FrameRetryDelay   time.Duration `yaml:"frame_retry_delay"`
	WavelengthMinNm   float64       `yaml:"wavelength_min_nm"`
	WavelengthMaxNm   float64       `yaml:"wavelength_max_nm"`
	RecordInterval    time.Duration `yaml:"record_interval"`
}

func (a *AcquisitionConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		FrameReadAttempts int            `yaml:"frame_read_attempts"`
		FrameRetryDelay   durationString `yaml:"frame_retry_delay"`
		WavelengthMinNm   float64        `yaml:"wavelength_min_nm"`
		WavelengthMaxNm   float64        `yaml:"wavelength_max_nm"`
		RecordInterval    durationString `yaml:"record_interval"`
	}{
		FrameReadAttempts: a.FrameReadAttempts,
		FrameRetryDelay:   durationString(a.FrameRetryDelay),
		WavelengthMinNm:   a.WavelengthMinNm,
		WavelengthMaxNm:   a.WavelengthMaxNm,
		RecordInterval:    durationString(a.RecordInterval),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	a.FrameReadAttempts = raw.FrameReadAttempts
	a.FrameRetryDelay = time.Duration(raw.FrameRetryDelay)
	a.WavelengthMinNm = raw.WavelengthMinNm
	a.WavelengthMaxNm = raw.WavelengthMaxNm
	a.RecordInterval = time.Duration(raw.RecordInterval)
	return nil
}

// ArchiveConfig locates the scan data directory.
type ArchiveConfig struct {
	Root string `yaml:"root"`
}

// KafkaConfig configures the scan event publisher.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	QueueSize int      `yaml:"queue_size"`
}

// FeedConfig configures the MQTT live feed.
type FeedConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
}

// InstrumentConfig describes one instrument in the station inventory.
type InstrumentConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`

	// TLE lines apply to cubesat instruments only.
	TLELine1 string `yaml:"tle_line1"`
	TLELine2 string `yaml:"tle_line2"`

	DefaultExposureMillis    float64 `yaml:"default_exposure_ms"`
	DefaultIntegrationMillis float64 `yaml:"default_integration_ms"`
}

// Definition maps the config entry onto the registry's instrument model.
func (ic InstrumentConfig) Definition() (model.InstrumentDefinition, error) {
	kind := model.ParseInstrumentKind(ic.Kind)
	if kind == model.KindUnknown {
		return model.InstrumentDefinition{}, fmt.Errorf("instrument %q: unknown kind %q", ic.ID, ic.Kind)
	}
	return model.InstrumentDefinition{
		ID:                       ic.ID,
		Name:                     ic.Name,
		Kind:                     kind,
		Endpoint:                 ic.Endpoint,
		Orbit:                    model.TLE{Line1: ic.TLELine1, Line2: ic.TLELine2},
		DefaultExposureMillis:    ic.DefaultExposureMillis,
		DefaultIntegrationMillis: ic.DefaultIntegrationMillis,
	}, nil
}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	return &Config{
		Station: StationConfig{
			ID: "moonscan",
			Site: SiteConfig{
				LatitudeDeg:     40.0,
				MinElevationDeg: 10.0,
			},
		},
		API: APIConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			DialTimeout:         5 * time.Second,
			ProbeTimeout:        500 * time.Millisecond,
			ConnectBudget:       15 * time.Second,
			BreakerMaxFailures:  5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Acquisition: AcquisitionConfig{
			FrameReadAttempts: 10,
			FrameRetryDelay:   100 * time.Millisecond,
			WavelengthMinNm:   200,
			WavelengthMaxNm:   900,
			RecordInterval:    100 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Root: "scan_data",
		},
		Kafka: KafkaConfig{
			Topic:     "moonscan.scans",
			QueueSize: 256,
		},
		Feed: FeedConfig{},
	}
}

// Load reads the YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Site returns the observing site in the form the tracking code expects.
func (c *Config) Site() track.Site {
	return track.Site{
		Name:         c.Station.ID,
		LatitudeDeg:  c.Station.Site.LatitudeDeg,
		LongitudeDeg: c.Station.Site.LongitudeDeg,
		AltitudeKm:   c.Station.Site.AltitudeM / 1000.0,
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Station.ID == "" {
		return fmt.Errorf("station id must not be empty")
	}
	if c.Station.Site.LatitudeDeg < -90 || c.Station.Site.LatitudeDeg > 90 {
		return fmt.Errorf("site latitude %.2f out of range", c.Station.Site.LatitudeDeg)
	}
	if c.Station.Site.LongitudeDeg < -180 || c.Station.Site.LongitudeDeg > 180 {
		return fmt.Errorf("site longitude %.2f out of range", c.Station.Site.LongitudeDeg)
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api address must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics address must not be empty when metrics are enabled")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"session.dial_timeout", c.Session.DialTimeout},
		{"session.probe_timeout", c.Session.ProbeTimeout},
		{"session.connect_budget", c.Session.ConnectBudget},
		{"session.breaker_reset_timeout", c.Session.BreakerResetTimeout},
		{"acquisition.frame_retry_delay", c.Acquisition.FrameRetryDelay},
		{"acquisition.record_interval", c.Acquisition.RecordInterval},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Session.BreakerMaxFailures <= 0 {
		return fmt.Errorf("session.breaker_max_failures must be positive")
	}
	if c.Acquisition.FrameReadAttempts <= 0 {
		return fmt.Errorf("acquisition.frame_read_attempts must be positive")
	}
	if c.Acquisition.WavelengthMinNm >= c.Acquisition.WavelengthMaxNm {
		return fmt.Errorf("acquisition wavelength window [%.0f, %.0f] is empty",
			c.Acquisition.WavelengthMinNm, c.Acquisition.WavelengthMaxNm)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers must not be empty when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic must not be empty when kafka is enabled")
		}
	}
	if c.Feed.Enabled && c.Feed.BrokerURL == "" {
		return fmt.Errorf("feed broker URL must not be empty when the feed is enabled")
	}

	seen := make(map[string]bool, len(c.Instruments))
	for _, ic := range c.Instruments {
		if ic.ID == "" {
			return fmt.Errorf("instrument with empty id")
		}
		if seen[ic.ID] {
			return fmt.Errorf("instrument %q is defined twice", ic.ID)
		}
		seen[ic.ID] = true
		if ic.Endpoint == "" {
			return fmt.Errorf("instrument %q has no endpoint", ic.ID)
		}
		def, err := ic.Definition()
		if err != nil {
			return err
		}
		if def.Kind == model.KindCubeSat && (ic.TLELine1 == "" || ic.TLELine2 == "") {
			return fmt.Errorf("cubesat %q needs both TLE lines", ic.ID)
		}
	}
	return nil
}
