package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MEDIA_"

// Load builds a Config from defaults, an optional TOML file and environment
// overrides, in that order.  A missing file is not an error when path is
// empty; a .env file in the working directory is applied when present.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes TOML data over cfg.  Unknown keys are rejected so typos in
// the file surface at start-up.
func Parse(data []byte, cfg *Config) error {
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return fmt.Errorf("config: %s", sme.String())
		}
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML, used by `mediad config`.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
			}
		}
	}

	var backend, storageBackend string
	str("PIPELINE_BACKEND", &backend)
	if backend != "" {
		cfg.Pipeline.Backend = ImageBackend(backend)
	}
	integer("PROFILE_WORKERS", &cfg.Pipeline.ProfileWorkers)
	boolean("SKIP_EXISTING", &cfg.Pipeline.SkipExisting)
	duration("FETCH_TIMEOUT", &cfg.Fetch.Timeout)

	str("STORAGE_BACKEND", &storageBackend)
	if storageBackend != "" {
		cfg.Storage.Backend = StorageBackend(storageBackend)
	}
	str("S3_BUCKET", &cfg.Storage.Bucket)
	str("S3_REGION", &cfg.Storage.Region)
	str("S3_ENDPOINT", &cfg.Storage.Endpoint)
	str("S3_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)
	boolean("S3_USE_SSL", &cfg.Storage.UseSSL)
	boolean("S3_PATH_STYLE", &cfg.Storage.UsePathStyle)
	str("PUBLIC_BASE_URL", &cfg.Storage.PublicBaseURL)
	duration("UPLOAD_TIMEOUT", &cfg.Storage.UploadTimeout)
	str("LOCAL_ROOT", &cfg.Storage.Local.RootDir)

	str("DB_PATH", &cfg.Records.Path)
	integer("RECONCILE_WORKERS", &cfg.Reconcile.Workers)
	duration("ASSET_TIMEOUT", &cfg.Reconcile.AssetTimeout)
	str("LOCK_DIR", &cfg.Reconcile.LockDir)

	str("HTTP_ADDR", &cfg.Server.Addr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(errs...)
}
