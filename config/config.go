package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Skryldev/media-pipeline/core"
)

// StorageBackend selects the storage adapter.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
	StorageMinIO StorageBackend = "minio"
)

// ImageBackend selects the codec implementation.
type ImageBackend string

const (
	// BackendVips uses libvips through govips.  It is the default because
	// it is the only backend that writes progressive JPEG.
	BackendVips ImageBackend = "vips"
	// BackendStd uses imaging and go-webp.  Its JPEG output is baseline.
	BackendStd ImageBackend = "std"
)

// Config is the top-level configuration struct.  All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Fetch     FetchConfig     `toml:"fetch"`
	Storage   StorageConfig   `toml:"storage"`
	Records   RecordsConfig   `toml:"records"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Server    ServerConfig    `toml:"server"`

	// Logging.
	LogLevel  string `toml:"log_level"`  // "debug", "info", "warn", "error"
	LogFormat string `toml:"log_format"` // "json" or "text"
}

// PipelineConfig controls per-asset processing.
type PipelineConfig struct {
	Backend        ImageBackend `toml:"backend"`
	ProfileWorkers int          `toml:"profile_workers"` // concurrent profiles per asset
	MaxRetries     int          `toml:"max_retries"`     // retries for transient step failures
	RetryDelay     Duration     `toml:"retry_delay"`
	SkipExisting   bool         `toml:"skip_existing"` // HEAD before upload, skip present objects

	// Encode overrides applied to every profile of the matching format.
	// 0 keeps each profile's own setting.
	JPEGQuality int `toml:"jpeg_quality"`
	WebPQuality int `toml:"webp_quality"`
	WebPEffort  int `toml:"webp_effort"`

	// libvips tuning, ignored by the std backend.
	VipsConcurrency  int `toml:"vips_concurrency"`
	VipsMaxCacheSize int `toml:"vips_max_cache_size"`
}

// FetchConfig configures the original-image downloader.
type FetchConfig struct {
	Timeout       Duration `toml:"timeout"`
	MaxImageBytes int64    `toml:"max_image_bytes"` // 0 = no limit
	UserAgent     string   `toml:"user_agent"`
}

// StorageConfig configures the object store.
type StorageConfig struct {
	Backend StorageBackend `toml:"backend"`

	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"` // optional custom endpoint (MinIO, etc.)
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
	UseSSL          bool   `toml:"use_ssl"`

	// PublicBaseURL is the CDN or bucket domain variant URLs are built from.
	PublicBaseURL string   `toml:"public_base_url"`
	CacheControl  string   `toml:"cache_control"`
	UploadTimeout Duration `toml:"upload_timeout"`

	Local LocalConfig `toml:"local"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `toml:"root_dir"`
	Permissions uint32 `toml:"permissions"` // default 0644
}

// RecordsConfig configures the SQLite record store.
type RecordsConfig struct {
	Path string `toml:"path"`
}

// ReconcileConfig configures the scanner and trigger adapters.
type ReconcileConfig struct {
	Workers      int      `toml:"workers"` // concurrent assets per scan; 1 = sequential
	AssetTimeout Duration `toml:"asset_timeout"`
	LockDir      string   `toml:"lock_dir"` // per-asset advisory file locks; empty disables
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			Backend:        BackendVips,
			ProfileWorkers: 2,
			MaxRetries:     2,
			RetryDelay:     Duration(200 * time.Millisecond),
		},
		Fetch: FetchConfig{
			Timeout:       Duration(30 * time.Second),
			MaxImageBytes: 64 << 20,
			UserAgent:     "media-pipeline/1.0",
		},
		Storage: StorageConfig{
			Backend:       StorageLocal,
			Region:        "us-east-1",
			PublicBaseURL: "http://localhost:8080/media",
			CacheControl:  "public, max-age=31536000, immutable",
			UploadTimeout: Duration(15 * time.Second),
			Local:         LocalConfig{RootDir: "./data/objects"},
		},
		Records: RecordsConfig{Path: "./data/media.db"},
		Reconcile: ReconcileConfig{
			Workers:      1,
			AssetTimeout: Duration(5 * time.Minute),
		},
		Server:    ServerConfig{Addr: ":8080"},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	var errs []error
	p := c.Pipeline
	if p.Backend != BackendStd && p.Backend != BackendVips {
		errs = append(errs, fmt.Errorf("config: unknown pipeline backend %q", p.Backend))
	}
	if p.ProfileWorkers <= 0 {
		errs = append(errs, errors.New("config: pipeline.profile_workers must be positive"))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, errors.New("config: pipeline.max_retries must not be negative"))
	}
	if p.JPEGQuality < 0 || p.JPEGQuality > 100 {
		errs = append(errs, errors.New("config: pipeline.jpeg_quality must be between 1 and 100, or 0"))
	}
	if p.WebPQuality < 0 || p.WebPQuality > 100 {
		errs = append(errs, errors.New("config: pipeline.webp_quality must be between 1 and 100, or 0"))
	}
	if p.WebPEffort < 0 || p.WebPEffort > 6 {
		errs = append(errs, errors.New("config: pipeline.webp_effort must be between 0 and 6"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("config: fetch.timeout must be positive"))
	}
	if c.Storage.UploadTimeout <= 0 {
		errs = append(errs, errors.New("config: storage.upload_timeout must be positive"))
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Local.RootDir == "" {
			errs = append(errs, errors.New("config: storage.local.root_dir is required"))
		}
	case StorageS3, StorageMinIO:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("config: storage.bucket is required"))
		}
		if c.Storage.Backend == StorageMinIO && c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("config: storage.endpoint is required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.PublicBaseURL == "" {
		errs = append(errs, errors.New("config: storage.public_base_url is required"))
	}
	if c.Reconcile.Workers <= 0 {
		errs = append(errs, errors.New("config: reconcile.workers must be positive"))
	}
	if c.Reconcile.AssetTimeout < 0 {
		errs = append(errs, errors.New("config: reconcile.asset_timeout must not be negative"))
	} else if p.ProfileWorkers > 0 && p.MaxRetries >= 0 {
		if err := ValidateBudget(c, len(core.DefaultProfiles)); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// UploadBudget is the longest one asset can take when every upload stalls
// until its timeout on every attempt: the download, then the profiles in
// rounds of profile_workers, each profile retried max_retries times.
func UploadBudget(c Config, profiles int) time.Duration {
	p := c.Pipeline
	workers := max(p.ProfileWorkers, 1)
	rounds := (profiles + workers - 1) / workers
	attempts := time.Duration(max(p.MaxRetries, 0) + 1)
	perProfile := attempts*c.Storage.UploadTimeout.Std() + (attempts-1)*p.RetryDelay.Std()
	return c.Fetch.Timeout.Std() + time.Duration(rounds)*perProfile
}

// ValidateBudget rejects an asset_timeout that would expire before stalled
// uploads time out.  Upload failures are per profile and must reach the
// caller as a partial result, which an expired asset deadline prevents.
func ValidateBudget(c Config, profiles int) error {
	limit := c.Reconcile.AssetTimeout.Std()
	if limit == 0 {
		return nil
	}
	if need := UploadBudget(c, profiles); limit <= need {
		return fmt.Errorf("config: reconcile.asset_timeout %s must exceed the worst-case upload budget %s for %d profiles", limit, need, profiles)
	}
	return nil
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("30s", "2m") in TOML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}
