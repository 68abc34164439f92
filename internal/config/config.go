// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

type RuntimeConfig struct {
	Dev bool
}

type BotConfig struct {
	Token   string `yaml:"token"`
	Workers int    `yaml:"workers"` // polling workers
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	Port int `yaml:"port"` // 0 disables the admin server
}

type RedisConfig struct {
	URL      string `yaml:"url"` // empty disables rate limiting
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

const (
	SessionFormatTelethon = "telethon"
	SessionFormatGotd     = "gotd"
)

type MTProtoConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionFormat  string        `yaml:"session_format"` // telethon|gotd
}

type FlowConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"` // 0 keeps flows until cancel/restart
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RateLimitConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute"`
	GeneratePerHour   int `yaml:"generate_per_hour"`
}

type I18nConfig struct {
	Lang string `yaml:"lang"`
}

type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Log       LogConfig       `yaml:"log"`
	Admin     AdminConfig     `yaml:"admin"`
	Redis     RedisConfig     `yaml:"redis"`
	MTProto   MTProtoConfig   `yaml:"mtproto"`
	Flow      FlowConfig      `yaml:"flow"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	I18n      I18nConfig      `yaml:"i18n"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies a .env file and environment
// overrides, fills defaults and validates the result. A missing file is only
// an error when path is not the default.
func LoadConfig(path string, dev bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := firstEnv("BOT_TOKEN", "TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Bot.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Admin.Port = port
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Bot.Workers <= 0 {
		cfg.Bot.Workers = 8
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.MTProto.RequestTimeout == 0 {
		cfg.MTProto.RequestTimeout = 30 * time.Second
	}
	if cfg.MTProto.SessionFormat == "" {
		cfg.MTProto.SessionFormat = SessionFormatTelethon
	}
	cfg.MTProto.SessionFormat = strings.ToLower(cfg.MTProto.SessionFormat)
	if cfg.Flow.SweepInterval == 0 {
		cfg.Flow.SweepInterval = time.Minute
	}
	if cfg.RateLimit.MessagesPerMinute == 0 {
		cfg.RateLimit.MessagesPerMinute = 30
	}
	if cfg.RateLimit.GeneratePerHour == 0 {
		cfg.RateLimit.GeneratePerHour = 5
	}
	if cfg.I18n.Lang == "" {
		cfg.I18n.Lang = "en"
	}
}

// Validate checks the settings that have no safe default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bot.Token) == "" {
		return errors.New("bot token is required (bot.token or BOT_TOKEN)")
	}
	switch c.MTProto.SessionFormat {
	case SessionFormatTelethon, SessionFormatGotd:
	default:
		return fmt.Errorf("mtproto.session_format %q is not supported", c.MTProto.SessionFormat)
	}
	if c.MTProto.RequestTimeout < 0 || c.Flow.IdleTimeout < 0 || c.Flow.SweepInterval < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port %d out of range", c.Admin.Port)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
