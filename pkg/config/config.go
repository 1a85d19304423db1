package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"peer-wan-console/pkg/statussync"
	"peer-wan-console/pkg/topology"
)

const (
	DefaultListen      = ":8090"
	DefaultLogLevel    = "info"
	DefaultJournalPath = "peer-wan-console.db"
)

// Config is the explicit console configuration. It is loaded once and passed
// to every component; nothing reads the environment afterwards.
type Config struct {
	BaseURL         string         `yaml:"baseUrl"`
	Token           string         `yaml:"token"`
	PollInterval    time.Duration  `yaml:"pollInterval"`
	InstallLogLimit int            `yaml:"installLogLimit"`
	LogBufferSize   int            `yaml:"logBufferSize"`
	Plane           topology.Plane `yaml:"plane"`
	LogLevel        string         `yaml:"logLevel"`
	Listen          string         `yaml:"listen"`
	JournalPath     string         `yaml:"journalPath"`
	AuditDSN        string         `yaml:"auditDsn"`
	ConsulAddr      string         `yaml:"consulAddr"`
	ConsulToken     string         `yaml:"consulToken"`
	TLS             TLSConfig      `yaml:"tls"`
	GeoIP           GeoIPConfig    `yaml:"geoip"`
}

// TLSConfig holds controller TLS material.
type TLSConfig struct {
	CAFile   string `yaml:"caFile"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	Insecure bool   `yaml:"insecure"`
}

// GeoIPConfig controls rule preview expansion of geoip tags.
type GeoIPConfig struct {
	SourceV4 string        `yaml:"sourceV4"`
	SourceV6 string        `yaml:"sourceV6"`
	CacheDir string        `yaml:"cacheDir"`
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

// Load reads an optional YAML file, then .env, then environment overrides,
// and fills defaults. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.BaseURL, "PEERWAN_BASE")
	setString(&cfg.Token, "PEERWAN_TOKEN")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Listen, "CONSOLE_LISTEN")
	setString(&cfg.JournalPath, "CONSOLE_JOURNAL")
	setString(&cfg.AuditDSN, "MYSQL_DSN")
	setString(&cfg.ConsulAddr, "CONSUL_ADDR")
	setString(&cfg.ConsulToken, "CONSUL_TOKEN")
	setString(&cfg.TLS.CAFile, "CONTROLLER_CA_FILE")
	setString(&cfg.TLS.CertFile, "CONTROLLER_CERT_FILE")
	setString(&cfg.TLS.KeyFile, "CONTROLLER_KEY_FILE")
	setString(&cfg.GeoIP.SourceV4, "GEOIP_SOURCE_V4")
	setString(&cfg.GeoIP.SourceV6, "GEOIP_SOURCE_V6")
	setString(&cfg.GeoIP.CacheDir, "GEOIP_CACHE_DIR")
	if v := os.Getenv("CONTROLLER_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONTROLLER_INSECURE: %w", err)
		}
		cfg.TLS.Insecure = b
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = statussync.DefaultInterval
	}
	if cfg.InstallLogLimit <= 0 {
		cfg.InstallLogLimit = statussync.DefaultInstallLogLimit
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = statussync.DefaultBufferSize
	}
	if cfg.Plane.Width <= 0 {
		cfg.Plane.Width = topology.DefaultPlane.Width
	}
	if cfg.Plane.Height <= 0 {
		cfg.Plane.Height = topology.DefaultPlane.Height
	}
	if cfg.Plane.Radius <= 0 {
		cfg.Plane.Radius = topology.DefaultPlane.Radius
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = DefaultJournalPath
	}
}

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("baseUrl is required (config file or PEERWAN_BASE)")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("baseUrl %q is not an absolute URL", c.BaseURL)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls certFile and keyFile must be set together")
	}
	return nil
}
