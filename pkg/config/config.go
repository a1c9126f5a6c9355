// Package config loads service configuration from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server   Server             `yaml:"server"`
	Storage  Storage            `yaml:"storage"`
	Events   Events             `yaml:"events"`
	Publish  Publish            `yaml:"publish"`
	Channels map[string]Channel `yaml:"channels"`
	Feeds    []Feed             `yaml:"feeds"`
}

type Server struct {
	Port           string        `yaml:"port"`
	CORSOrigin     string        `yaml:"cors_origin"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
}

// Storage selects the vehicle and job store drivers.
type Storage struct {
	Vehicles    string `yaml:"vehicles"` // memory | neo4j
	Jobs        string `yaml:"jobs"`     // memory | pebble | postgres
	Neo4jURL    string `yaml:"neo4j_url"`
	Neo4jUser   string `yaml:"neo4j_user"`
	Neo4jPass   string `yaml:"neo4j_pass"`
	PostgresDSN string `yaml:"postgres_dsn"`
	PebbleDir   string `yaml:"pebble_dir"`
}

// Events selects the event driver. NATSURL is also used by the dealer
// website channel.
type Events struct {
	Driver       string   `yaml:"driver"` // none | nats | kafka
	NATSURL      string   `yaml:"nats_url"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
}

type Publish struct {
	ChannelTimeout time.Duration `yaml:"channel_timeout"`
	Concurrency    int           `yaml:"concurrency"`
	Retry          Retry         `yaml:"retry"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Channel holds endpoint and credentials for one marketplace.
type Channel struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	DealerID   string        `yaml:"dealer_id"`
	CatalogID  string        `yaml:"catalog_id"`
	RatePerSec float64       `yaml:"rate_per_sec"`
	Burst      int           `yaml:"burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Feed is a dealer feed source registered at startup.
type Feed struct {
	Name     string            `yaml:"name"`
	Format   string            `yaml:"format"`
	Mapping  string            `yaml:"mapping"`
	URL      string            `yaml:"url"`
	Encoding string            `yaml:"encoding"`
	Interval time.Duration     `yaml:"interval"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	Token    string            `yaml:"token"`
}

// Default returns the configuration used when no file is given: in-memory
// stores, no events, no channels.
func Default() Config {
	return Config{
		Server: Server{
			Port:           "8080",
			CORSOrigin:     "*",
			RequestTimeout: 60 * time.Second,
			LogLevel:       "info",
		},
		Storage: Storage{
			Vehicles:  "memory",
			Jobs:      "memory",
			Neo4jURL:  "neo4j://localhost:7687",
			Neo4jUser: "neo4j",
			PebbleDir: "data/jobs",
		},
		Events: Events{Driver: "none", NATSURL: "nats://localhost:4222"},
		Publish: Publish{
			ChannelTimeout: 30 * time.Second,
			Retry: Retry{
				MaxAttempts: 3,
				InitialWait: time.Second,
				MaxWait:     15 * time.Second,
			},
		},
		Channels: map[string]Channel{},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.Channels == nil {
		cfg.Channels = map[string]Channel{}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// channelEnv names the credential variables of each channel.
var channelEnv = map[string]struct{ key, dealer, catalog string }{
	"autotrader":     {"AUTOTRADER_API_KEY", "AUTOTRADER_DEALER_ID", ""},
	"cars_com":       {"CARSCOM_API_KEY", "CARSCOM_DEALER_ID", ""},
	"facebook":       {"FACEBOOK_ACCESS_TOKEN", "", "FACEBOOK_CATALOG_ID"},
	"cargurus":       {"CARGURUS_API_KEY", "CARGURUS_DEALER_ID", ""},
	"dealer_website": {"", "", ""},
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = envOr("PONS_PORT", cfg.Server.Port)
	cfg.Server.CORSOrigin = envOr("PONS_CORS_ORIGIN", cfg.Server.CORSOrigin)
	cfg.Server.LogLevel = envOr("PONS_LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Storage.Vehicles = envOr("PONS_VEHICLE_STORE", cfg.Storage.Vehicles)
	cfg.Storage.Jobs = envOr("PONS_JOB_STORE", cfg.Storage.Jobs)
	cfg.Storage.Neo4jURL = envOr("NEO4J_URL", cfg.Storage.Neo4jURL)
	cfg.Storage.Neo4jUser = envOr("NEO4J_USER", cfg.Storage.Neo4jUser)
	cfg.Storage.Neo4jPass = envOr("NEO4J_PASS", cfg.Storage.Neo4jPass)
	cfg.Storage.PostgresDSN = envOr("POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.PebbleDir = envOr("PONS_PEBBLE_DIR", cfg.Storage.PebbleDir)

	cfg.Events.Driver = envOr("PONS_EVENTS", cfg.Events.Driver)
	cfg.Events.NATSURL = envOr("NATS_URL", cfg.Events.NATSURL)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.KafkaBrokers = splitList(v)
	}

	if v := os.Getenv("PONS_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Publish.Retry.MaxAttempts = n
		}
	}

	enabled := map[string]bool{}
	for _, name := range splitList(os.Getenv("PONS_CHANNELS")) {
		enabled[name] = true
	}
	for name, env := range channelEnv {
		ch, ok := cfg.Channels[name]
		if env.key != "" {
			ch.APIKey = envOr(env.key, ch.APIKey)
		}
		if env.dealer != "" {
			ch.DealerID = envOr(env.dealer, ch.DealerID)
		}
		if env.catalog != "" {
			ch.CatalogID = envOr(env.catalog, ch.CatalogID)
		}
		if enabled[name] {
			ch.Enabled = true
		}
		if ok || ch != (Channel{}) {
			cfg.Channels[name] = ch
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every structural problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		bad("server.port %q is not a number", c.Server.Port)
	}
	switch c.Storage.Vehicles {
	case "memory":
	case "neo4j":
		if c.Storage.Neo4jURL == "" {
			bad("storage.neo4j_url is required for the neo4j vehicle store")
		}
	default:
		bad("storage.vehicles %q: want memory or neo4j", c.Storage.Vehicles)
	}
	switch c.Storage.Jobs {
	case "memory":
	case "pebble":
		if c.Storage.PebbleDir == "" {
			bad("storage.pebble_dir is required for the pebble job store")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			bad("storage.postgres_dsn is required for the postgres job store")
		}
	default:
		bad("storage.jobs %q: want memory, pebble or postgres", c.Storage.Jobs)
	}
	switch c.Events.Driver {
	case "none":
	case "nats":
		if c.Events.NATSURL == "" {
			bad("events.nats_url is required for the nats driver")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			bad("events.kafka_brokers is required for the kafka driver")
		}
	default:
		bad("events.driver %q: want none, nats or kafka", c.Events.Driver)
	}

	if c.Publish.ChannelTimeout <= 0 {
		bad("publish.channel_timeout must be positive")
	}
	if c.Publish.Retry.MaxAttempts < 1 {
		bad("publish.retry.max_attempts must be at least 1")
	}
	if c.Publish.Concurrency < 0 {
		bad("publish.concurrency must not be negative")
	}

	for _, name := range c.EnabledChannels() {
		ch := c.Channels[name]
		if _, known := channelEnv[name]; !known {
			bad("channels.%s: unknown channel", name)
		}
		if ch.RatePerSec < 0 || ch.Burst < 0 || ch.Timeout < 0 {
			bad("channels.%s: rate, burst and timeout must not be negative", name)
		}
		if name == "dealer_website" && c.Events.NATSURL == "" {
			bad("channels.dealer_website requires events.nats_url")
		}
	}

	seen := map[string]bool{}
	for i, f := range c.Feeds {
		switch {
		case f.Name == "":
			bad("feeds[%d]: name is required", i)
		case seen[f.Name]:
			bad("feeds[%d]: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true
		if f.Interval < 0 || f.Timeout < 0 {
			bad("feeds[%d]: interval and timeout must not be negative", i)
		}
		if f.Interval > 0 && f.URL == "" {
			bad("feeds[%d]: polling requires a url", i)
		}
	}
	return errors.Join(errs...)
}

// EnabledChannels returns the names of enabled channels, sorted.
func (c Config) EnabledChannels() []string {
	var out []string
	for name, ch := range c.Channels {
		if ch.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
