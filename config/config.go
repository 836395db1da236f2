package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sagarc03/filevault"
	"github.com/sagarc03/filevault/database"
	"github.com/sagarc03/filevault/gcs"
	vaulthttp "github.com/sagarc03/filevault/http"
	"github.com/sagarc03/filevault/keybackend"
	"github.com/sagarc03/filevault/s3"
)

// configKey is the context key for storing the loaded configuration.
type configKey struct{}

// WithContext returns a new context with the config stored.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from context.
// Returns an error if config is not found.
func FromContext(ctx context.Context) (*Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

// Config is the root configuration struct for filevault.
type Config struct {
	Env      string               `mapstructure:"env"`
	Server   ServerConfig         `mapstructure:"server"`
	Engine   EngineConfig         `mapstructure:"engine"`
	GC       GCConfig             `mapstructure:"gc"`
	Database database.Config      `mapstructure:"database"`
	Storage  StorageConfig        `mapstructure:"storage"`
	Auth     AuthConfig           `mapstructure:"auth"`
	CORS     vaulthttp.CORSConfig `mapstructure:"cors"`
	Log      LogConfig            `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// EngineConfig holds the storage engine settings.
type EngineConfig struct {
	Active          string        `mapstructure:"active" validate:"required,oneof=local cloud"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout" validate:"min=0"`
	BlobTimeout     time.Duration `mapstructure:"blob_timeout" validate:"min=0"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout" validate:"min=0"`
	QuotaBytes      int64         `mapstructure:"quota_bytes" validate:"min=0"`
	DeleteWorkers   int           `mapstructure:"delete_workers" validate:"min=0"`
	DeleteQueueSize int           `mapstructure:"delete_queue_size" validate:"min=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
}

// GCConfig holds garbage collection settings.
type GCConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval" validate:"min=0"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold" validate:"min=0"`
	// HistoryRetention is how long superseded versions are kept. Zero
	// disables history: old versions are reclaimed on the next sweep.
	HistoryRetention time.Duration `mapstructure:"history_retention" validate:"min=0"`
	BatchSize        int           `mapstructure:"batch_size" validate:"min=1"`
	LockWait         time.Duration `mapstructure:"lock_wait" validate:"min=0"`
}

// StorageConfig holds the blob backends. Local is always available; Cloud is
// configured when Provider is set.
type StorageConfig struct {
	Local LocalConfig `mapstructure:"local"`
	Cloud CloudConfig `mapstructure:"cloud"`
}

// LocalConfig holds the filesystem backend configuration.
type LocalConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// CloudConfig selects and configures the cloud backend.
type CloudConfig struct {
	Provider string     `mapstructure:"provider" validate:"omitempty,oneof=s3 gcs"`
	S3       s3.Config  `mapstructure:"s3"`
	GCS      gcs.Config `mapstructure:"gcs"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// AnonymousOwner owns every file when authentication is disabled.
	AnonymousOwner string                `mapstructure:"anonymous_owner" validate:"required"`
	Token          filevault.TokenConfig `mapstructure:"token"`
	Keys           keybackend.KeysConfig `mapstructure:"keys"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// IsProd reports whether the process runs in production mode.
func (c *Config) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}

// EngineSettings converts the engine section into filevault.EngineConfig.
func (c *Config) EngineSettings(logger *slog.Logger) filevault.EngineConfig {
	return filevault.EngineConfig{
		Active:          filevault.BackendKind(c.Engine.Active),
		MetadataTimeout: c.Engine.MetadataTimeout,
		BlobTimeout:     c.Engine.BlobTimeout,
		CleanupTimeout:  c.Engine.CleanupTimeout,
		QuotaBytes:      c.Engine.QuotaBytes,
		DeleteWorkers:   c.Engine.DeleteWorkers,
		DeleteQueueSize: c.Engine.DeleteQueueSize,
		MaxAttempts:     c.Engine.MaxAttempts,
		Logger:          logger,
	}
}

// GCSettings converts the gc section into filevault.GCConfig.
func (c *Config) GCSettings(logger *slog.Logger) filevault.GCConfig {
	return filevault.GCConfig{
		Interval:           c.GC.Interval,
		StalenessThreshold: c.GC.StalenessThreshold,
		HistoryRetention:   c.GC.HistoryRetention,
		NoHistory:          c.GC.HistoryRetention == 0,
		BatchSize:          c.GC.BatchSize,
		LockWait:           c.GC.LockWait,
		Logger:             logger,
	}
}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"db-type":      "database.type",
	"db-dsn":       "database.dsn",
	"storage-path": "storage.local.path",
	"port":         "server.port",
	"active":       "engine.active",
	"log-level":    "log.level",
}

// bindFlags binds CLI flags to viper keys with custom name mapping.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		// Use custom mapping if it exists, otherwise use flag name as-is
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		// Only bind if the flag was explicitly set
		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

// setDefaults configures default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")

	v.SetDefault("server.port", 5708)
	v.SetDefault("server.max_upload_size", 0) // 0 means no limit
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("engine.active", "local")
	v.SetDefault("engine.metadata_timeout", "5s")
	v.SetDefault("engine.blob_timeout", "5m")
	v.SetDefault("engine.cleanup_timeout", "30s")
	v.SetDefault("engine.quota_bytes", 0) // 0 means no quota
	v.SetDefault("engine.delete_workers", 2)
	v.SetDefault("engine.delete_queue_size", 256)
	v.SetDefault("engine.max_attempts", 5)

	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval", "5m")
	v.SetDefault("gc.staleness_threshold", "1h")
	v.SetDefault("gc.history_retention", "24h")
	v.SetDefault("gc.batch_size", 500)
	v.SetDefault("gc.lock_wait", "100ms")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "filevault.db")
	v.SetDefault("database.tables.files", "filevault_files")
	v.SetDefault("database.lock_max_conns", 16)

	v.SetDefault("storage.local.path", "./data")
	v.SetDefault("storage.cloud.s3.region", "us-east-1")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.anonymous_owner", "public")
	v.SetDefault("auth.token.issuer", "filevault")
	v.SetDefault("auth.token.leeway", "30s")

	v.SetDefault("log.level", "info")
}

var validate = validator.New()

// Load reads configuration and returns a validated Config struct.
// Order of precedence (highest to lowest): flags > env > config files > defaults
//
// Parameters:
//   - configFiles: list of config file paths (later files override earlier ones)
//   - flags: cobra flag set for flag binding (can be nil)
func Load(configFiles []string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	setDefaults(v)

	// 2. Read config files
	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("error reading config file", "file", configFiles[0], "err", err)
		}

		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				slog.Warn("error merging config file", "file", cf, "err", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("error reading config file", "err", err)
			}
		}
	}

	// 3. Bind environment variables
	v.SetEnvPrefix("FILEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags (if provided)
	if flags != nil {
		bindFlags(v, flags)
	}

	// 5. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// 6. Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := c.Database.Tables.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if c.Engine.Active == string(filevault.BackendCloud) && c.Storage.Cloud.Provider == "" {
		return errors.New("validate config: engine.active is cloud but storage.cloud.provider is not set")
	}
	switch c.Storage.Cloud.Provider {
	case "s3":
		if c.Storage.Cloud.S3.Bucket == "" {
			return errors.New("validate config: storage.cloud.s3.bucket is required")
		}
	case "gcs":
		if c.Storage.Cloud.GCS.Bucket == "" {
			return errors.New("validate config: storage.cloud.gcs.bucket is required")
		}
	}

	if c.Auth.Enabled && c.Auth.Keys.Secret == "" && len(c.Auth.Keys.Inline) == 0 && c.Auth.Keys.File == "" {
		return errors.New("validate config: auth is enabled but no signing keys are configured")
	}
	if !filevault.IsValidOwner(c.Auth.AnonymousOwner) {
		return fmt.Errorf("validate config: invalid auth.anonymous_owner: %q", c.Auth.AnonymousOwner)
	}

	return nil
}
