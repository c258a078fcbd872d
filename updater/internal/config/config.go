// Package config loads the updater daemon configuration from a JSON or YAML file and
// UPDATER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Samankhalid01/capacitor-updater/util"
)

// EnvPrefix is the prefix of environment overrides, e.g. UPDATER_AUTO_UPDATE
const EnvPrefix = "UPDATER"

// DefaultAutoUpdateURL is the endpoint queried for the latest bundle
const DefaultAutoUpdateURL = "https://capgo.app/api/auto_update"

// Config holds the daemon configuration
type Config struct {
	// identity reported to the update endpoint
	AppID         string `json:"appId" yaml:"appId" envconfig:"APP_ID"`
	DeviceID      string `json:"deviceId" yaml:"deviceId" envconfig:"DEVICE_ID"`
	NativeVersion string `json:"nativeVersion" yaml:"nativeVersion" envconfig:"NATIVE_VERSION"`
	Platform      string `json:"platform" yaml:"platform" envconfig:"PLATFORM"`

	// lifecycle policy
	AppReadyTimeout    util.Duration `json:"appReadyTimeout" yaml:"appReadyTimeout" envconfig:"APP_READY_TIMEOUT"`
	AutoDeleteFailed   bool          `json:"autoDeleteFailed" yaml:"autoDeleteFailed" envconfig:"AUTO_DELETE_FAILED"`
	AutoDeletePrevious bool          `json:"autoDeletePrevious" yaml:"autoDeletePrevious" envconfig:"AUTO_DELETE_PREVIOUS"`
	AutoUpdate         bool          `json:"autoUpdate" yaml:"autoUpdate" envconfig:"AUTO_UPDATE"`
	AutoUpdateURL      string        `json:"autoUpdateUrl" yaml:"autoUpdateUrl" envconfig:"AUTO_UPDATE_URL"`
	ResetWhenUpdate    bool          `json:"resetWhenUpdate" yaml:"resetWhenUpdate" envconfig:"RESET_WHEN_UPDATE"`

	// network
	CheckTimeout      util.Duration `json:"checkTimeout" yaml:"checkTimeout" envconfig:"CHECK_TIMEOUT"`
	DownloadTimeout   util.Duration `json:"downloadTimeout" yaml:"downloadTimeout" envconfig:"DOWNLOAD_TIMEOUT"`
	FailedDownloadTTL util.Duration `json:"failedDownloadTtl" yaml:"failedDownloadTtl" envconfig:"FAILED_DOWNLOAD_TTL"`
	MaxArchiveSize    int64         `json:"maxArchiveSize" yaml:"maxArchiveSize" envconfig:"MAX_ARCHIVE_SIZE"`
	MaxDownloads      int           `json:"maxDownloads" yaml:"maxDownloads" envconfig:"MAX_DOWNLOADS"`
	S3Endpoint        string        `json:"s3Endpoint" yaml:"s3Endpoint" envconfig:"S3_ENDPOINT"`

	// storage
	BuiltinPath    string `json:"builtinPath" yaml:"builtinPath" envconfig:"BUILTIN_PATH"`
	BundlesDir     string `json:"bundlesDir" yaml:"bundlesDir" envconfig:"BUNDLES_DIR"`
	StatePath      string `json:"statePath" yaml:"statePath" envconfig:"STATE_PATH"`
	StoreKind      string `json:"storeKind" yaml:"storeKind" envconfig:"STORE_KIND"`
	ReadyMarkerDir string `json:"readyMarkerDir" yaml:"readyMarkerDir" envconfig:"READY_MARKER_DIR"`

	// listeners
	HostListen  string `json:"hostListen" yaml:"hostListen" envconfig:"HOST_LISTEN"`
	APIListen   string `json:"apiListen" yaml:"apiListen" envconfig:"API_LISTEN"`
	MetricsPort int    `json:"metricsPort" yaml:"metricsPort" envconfig:"METRICS_PORT"`

	// AllowedOrigins lists the web origins that may call the control API, e.g.
	// http://127.0.0.1:8080. Empty rejects every cross-origin request, "*" allows all.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		AppReadyTimeout:    util.Duration{Duration: 10 * time.Second},
		AutoDeleteFailed:   true,
		AutoDeletePrevious: true,
		AutoUpdate:         false,
		AutoUpdateURL:      DefaultAutoUpdateURL,
		ResetWhenUpdate:    true,

		CheckTimeout:    util.Duration{Duration: 20 * time.Second},
		DownloadTimeout: util.Duration{Duration: 10 * time.Minute},
		MaxArchiveSize:  512 << 20,
		MaxDownloads:    2,

		BuiltinPath: "public",
		BundlesDir:  "bundles",
		StatePath:   "updater-state.json",

		HostListen: "127.0.0.1:8080",
		APIListen:  "127.0.0.1:8089",
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if _, err := util.ReadJson(path, cfg); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	log.Debugf("loaded config from %s", path)
	return nil
}

// Validate checks the values that have no usable fallback
func (c *Config) Validate() error {
	var errs []error
	if c.AppReadyTimeout.Duration <= 0 {
		errs = append(errs, errors.New("appReadyTimeout must be positive"))
	}
	if c.BuiltinPath == "" {
		errs = append(errs, errors.New("builtinPath is required"))
	}
	if c.BundlesDir == "" {
		errs = append(errs, errors.New("bundlesDir is required"))
	}
	if c.MaxDownloads < 1 {
		errs = append(errs, errors.New("maxDownloads must be at least 1"))
	}
	if c.MaxArchiveSize <= 0 {
		errs = append(errs, errors.New("maxArchiveSize must be positive"))
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("allowedOrigins entry %q is not an origin like http://host:port", origin))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PollingEnabled reports whether foreground transitions should check for updates
func (c *Config) PollingEnabled() bool {
	return c.AutoUpdate && c.AutoUpdateURL != ""
}
