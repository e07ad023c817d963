package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	SessionSecret         string        `mapstructure:"SESSION_SECRET"`
	SessionTTL            time.Duration `mapstructure:"SESSION_TTL"`
	SeedUsers             string        `mapstructure:"SEED_USERS"`
	AttachmentBackend     string        `mapstructure:"ATTACHMENT_BACKEND"`
	UploadDir             string        `mapstructure:"UPLOAD_DIR"`
	LevelDBPath           string        `mapstructure:"LEVELDB_PATH"`
	MaxUploadSize         string        `mapstructure:"MAX_UPLOAD_SIZE"`
	MaxFilesPerUpload     int           `mapstructure:"MAX_FILES_PER_UPLOAD"`
	NotificationRetention int           `mapstructure:"NOTIFICATION_RETENTION"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled            bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "CORS_ORIGINS",
	"SESSION_SECRET", "SESSION_TTL", "SEED_USERS",
	"ATTACHMENT_BACKEND", "UPLOAD_DIR", "LEVELDB_PATH",
	"MAX_UPLOAD_SIZE", "MAX_FILES_PER_UPLOAD", "NOTIFICATION_RETENTION",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("ATTACHMENT_BACKEND", "fs")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("LEVELDB_PATH", "data/attachments")
	v.SetDefault("MAX_UPLOAD_SIZE", "100M")
	v.SetDefault("MAX_FILES_PER_UPLOAD", 30)
	v.SetDefault("NOTIFICATION_RETENTION", 0)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// an explicit session secret of at least 32 bytes and a seed user list, so
// the bootstrap doctor account never reaches a real deployment.
func (c *Config) Validate() error {
	switch c.AttachmentBackend {
	case "fs", "leveldb", "memory":
	default:
		return fmt.Errorf("ATTACHMENT_BACKEND must be \"fs\", \"leveldb\" or \"memory\", got %q", c.AttachmentBackend)
	}
	if c.AttachmentBackend == "fs" && c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required for the fs attachment backend")
	}
	if c.AttachmentBackend == "leveldb" && c.LevelDBPath == "" {
		return fmt.Errorf("LEVELDB_PATH is required for the leveldb attachment backend")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.MaxFilesPerUpload <= 0 {
		return fmt.Errorf("MAX_FILES_PER_UPLOAD must be positive, got %d", c.MaxFilesPerUpload)
	}
	if c.NotificationRetention < 0 {
		return fmt.Errorf("NOTIFICATION_RETENTION must not be negative, got %d", c.NotificationRetention)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE are required when TLS_ENABLED is true")
	}
	if c.IsProduction() {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET of at least 32 bytes is required in production")
		}
		if strings.TrimSpace(c.SeedUsers) == "" {
			return fmt.Errorf("SEED_USERS is required in production")
		}
	}
	return nil
}
