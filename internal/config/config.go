package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Feed transports understood by syncctl.
const (
	FeedSSE = "sse"
	FeedWS  = "ws"
)

type SyncConfig struct {
	Name           string            `toml:"name"`
	APIURL         string            `toml:"api_url"`
	Feed           string            `toml:"feed"`
	RequestTimeout string            `toml:"request_timeout"`
	CAFile         string            `toml:"ca_file"`
	InsecureTLS    bool              `toml:"insecure_tls"`
	Services       []string          `toml:"services"`
	CatalogFiles   []string          `toml:"catalog_files"`
	ListenAddr     string            `toml:"listen_addr"`
	CorsOrigins    []string          `toml:"cors_origins"`
	APIToken       string            `toml:"api_token"`
	Quickstart     string            `toml:"quickstart"`
	Collections    CollectionsConfig `toml:"collections"`
	Backoff        BackoffConfig     `toml:"backoff"`
}

// CollectionsConfig names the datastore scopes mirrored next to blocks.
type CollectionsConfig struct {
	Presets   string `toml:"presets"`
	Layouts   string `toml:"layouts"`
	Processes string `toml:"processes"`
}

type BackoffConfig struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     *bool   `toml:"jitter"`
}

// DeviceConfig configures the device simulator.
type DeviceConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	Services    []string `toml:"services"`
	SampleData  bool     `toml:"sample_data"`
	CorsOrigins []string `toml:"cors_origins"`
}

func LoadSyncConfig(path string) (SyncConfig, error) {
	var cfg SyncConfig
	if err := loadToml(path, &cfg); err != nil {
		return SyncConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateSyncConfig(cfg); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

func LoadDeviceConfig(path string) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := loadToml(path, &cfg); err != nil {
		return DeviceConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := ValidateDeviceConfig(cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (cfg SyncConfig) WithDefaults() SyncConfig {
	if cfg.Name == "" {
		cfg.Name = "syncctl"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:9200/api"
	}
	if cfg.Feed == "" {
		cfg.Feed = FeedSSE
	}
	if cfg.RequestTimeout == "" {
		cfg.RequestTimeout = "10s"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9300"
	}
	if cfg.Collections.Presets == "" {
		cfg.Collections.Presets = "default"
	}
	if cfg.Collections.Layouts == "" {
		cfg.Collections.Layouts = "default"
	}
	if cfg.Collections.Processes == "" {
		cfg.Collections.Processes = "default"
	}
	return cfg
}

func (cfg DeviceConfig) WithDefaults() DeviceConfig {
	if cfg.Name == "" {
		cfg.Name = "devicesim"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9200"
	}
	if len(cfg.Services) == 0 {
		cfg.Services = []string{"spark-one"}
	}
	return cfg
}

func ValidateSyncConfig(cfg SyncConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("sync config missing name")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.APIURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("sync config api_url must be an http(s) url: %q", cfg.APIURL)
	}
	switch cfg.Feed {
	case FeedSSE, FeedWS:
	default:
		return fmt.Errorf("sync config feed must be %q or %q: %q", FeedSSE, FeedWS, cfg.Feed)
	}
	if _, err := parseDuration(cfg.RequestTimeout); err != nil {
		return fmt.Errorf("sync config request_timeout: %w", err)
	}
	if _, err := cfg.TLSConfig(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("sync config missing listen_addr")
	}
	seen := make(map[string]bool, len(cfg.Services))
	for i, id := range cfg.Services {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("service[%d] invalid: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("service[%d] invalid: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	if err := validateBackoff(cfg.Backoff); err != nil {
		return fmt.Errorf("sync config backoff invalid: %w", err)
	}
	return nil
}

func ValidateDeviceConfig(cfg DeviceConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("device config missing addr")
	}
	for i, id := range cfg.Services {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("service[%d] invalid: id is required", i)
		}
	}
	return nil
}

func validateBackoff(cfg BackoffConfig) error {
	initial, err := parseDuration(cfg.Initial)
	if err != nil {
		return fmt.Errorf("initial: %w", err)
	}
	maxDelay, err := parseDuration(cfg.Max)
	if err != nil {
		return fmt.Errorf("max: %w", err)
	}
	if cfg.Multiplier != 0 && cfg.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", cfg.Multiplier)
	}
	if initial > 0 && maxDelay > 0 && maxDelay < initial {
		return fmt.Errorf("max %s below initial %s", maxDelay, initial)
	}
	return nil
}

// parseDuration treats an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
