package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Sync         SyncConfig         `mapstructure:"sync"`
	SSH          SSHConfig          `mapstructure:"ssh"`
	Security     SecurityConfig     `mapstructure:"security"`
	Notification NotificationConfig `mapstructure:"notification"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Name is the MongoDB database name; ignored by SQL drivers.
	Name string `mapstructure:"name"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type SyncConfig struct {
	ChunkSize            int    `mapstructure:"chunk_size"`
	MaxConcurrent        int    `mapstructure:"max_concurrent"`
	StallTimeoutSeconds  int    `mapstructure:"stall_timeout_seconds"`
	ReapGraceSeconds     int    `mapstructure:"reap_grace_seconds"`
	ChecksumAlgorithm    string `mapstructure:"checksum_algorithm"`
	RateLimitBytesPerSec int    `mapstructure:"rate_limit_bytes_per_sec"`
	SpoolDir             string `mapstructure:"spool_dir"`
	HealthCheckInterval  int    `mapstructure:"health_check_interval"`
	SpoolCleanupInterval int    `mapstructure:"spool_cleanup_interval"`
	SpoolRetentionHours  int    `mapstructure:"spool_retention_hours"`
}

type SSHConfig struct {
	KnownHosts     string `mapstructure:"known_hosts"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type SecurityConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type NotificationConfig struct {
	Email EmailConfig `mapstructure:"email"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

func (c SyncConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

func (c SyncConfig) ReapGrace() time.Duration {
	return time.Duration(c.ReapGraceSeconds) * time.Second
}

// SpoolRetention is how long an untouched partial upload is kept.
func (c SyncConfig) SpoolRetention() time.Duration {
	return time.Duration(c.SpoolRetentionHours) * time.Hour
}

func (c SSHConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8181)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/hostsync.db")
	v.SetDefault("database.name", "hostsync")
	v.SetDefault("logging.level", "info")
	v.SetDefault("sync.chunk_size", 1<<20)
	v.SetDefault("sync.max_concurrent", 4)
	v.SetDefault("sync.stall_timeout_seconds", 60)
	v.SetDefault("sync.reap_grace_seconds", 300)
	v.SetDefault("sync.checksum_algorithm", "sha256")
	v.SetDefault("sync.spool_dir", "./data/spool")
	v.SetDefault("sync.health_check_interval", 300)
	v.SetDefault("sync.spool_cleanup_interval", 3600)
	v.SetDefault("sync.spool_retention_hours", 168)
	v.SetDefault("ssh.timeout_seconds", 10)
	v.SetDefault("notification.email.smtp_port", 587)
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from config.yaml in the usual
// search locations when path is empty. HOSTSYNC_* environment variables
// override file values.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOSTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx", "mongo":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}
	if c.Sync.MaxConcurrent <= 0 {
		return fmt.Errorf("sync.max_concurrent must be positive")
	}
	switch c.Sync.ChecksumAlgorithm {
	case "sha256", "md5":
	default:
		return fmt.Errorf("unsupported checksum algorithm: %s", c.Sync.ChecksumAlgorithm)
	}
	if c.Sync.RateLimitBytesPerSec < 0 {
		return fmt.Errorf("sync.rate_limit_bytes_per_sec must not be negative")
	}
	return nil
}
