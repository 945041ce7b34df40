package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Store        StoreConfig         `mapstructure:"store"`
	Signal       SignalConfig        `mapstructure:"signal"`
	SSE          SSEConfig           `mapstructure:"sse"`
	Auth         AuthConfig          `mapstructure:"auth"`
	Hooks        HooksConfig         `mapstructure:"hooks"`
	Retry        RetryConfig         `mapstructure:"retry"`
	Chat         ChatConfig          `mapstructure:"chat"`
	Agent        AgentConfig         `mapstructure:"agent"`
	Appointments []AppointmentConfig `mapstructure:"appointments"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SignalConfig struct {
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type SSEConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	CookieName string        `mapstructure:"cookie_name"`
}

type HooksConfig struct {
	EndWebhook     string        `mapstructure:"end_webhook"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
}

type ChatConfig struct {
	MaxLength int    `mapstructure:"max_length"`
	Relay     string `mapstructure:"relay"`
}

// AgentConfig drives cmd/agent, one headless participant.
type AgentConfig struct {
	Server       string        `mapstructure:"server"`
	Token        string        `mapstructure:"token"`
	UserID       string        `mapstructure:"user_id"`
	Name         string        `mapstructure:"name"`
	Role         string        `mapstructure:"role"`
	Appointment  string        `mapstructure:"appointment"`
	Modality     string        `mapstructure:"modality"`
	LobbyTimeout time.Duration `mapstructure:"lobby_timeout"`
	AutoAdmit    bool          `mapstructure:"auto_admit"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	AllowVideo   bool          `mapstructure:"allow_video"`
	AllowAudio   bool          `mapstructure:"allow_audio"`
	Synthesize   bool          `mapstructure:"synthesize"`
	PLIInterval  time.Duration `mapstructure:"pli_interval"`
	Say          []string      `mapstructure:"say"`
	Duration     time.Duration `mapstructure:"duration"`
}

// AppointmentConfig seeds the in-memory appointment directory.
type AppointmentConfig struct {
	ID         string `mapstructure:"id"`
	ProviderID string `mapstructure:"provider_id"`
	PatientID  string `mapstructure:"patient_id"`
}

// New returns a viper instance with defaults, env overrides (CONSULT_
// prefix, dots as underscores) and the config file for CONFIG_ENV.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))

	v.SetEnvPrefix("CONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "consult.db")

	v.SetDefault("signal.write_wait", "5s")
	v.SetDefault("signal.pong_wait", "60s")
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.send_buffer", 256)
	v.SetDefault("signal.rate_limit", 100)
	v.SetDefault("signal.rate_interval", "1s")

	v.SetDefault("sse.buffer_size", 128)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.cookie_name", "ConsultSessions")

	v.SetDefault("hooks.end_webhook", "")
	v.SetDefault("hooks.webhook_timeout", "1m")

	v.SetDefault("retry.initial_interval", "200ms")
	v.SetDefault("retry.max_interval", "5s")
	v.SetDefault("retry.max_elapsed", "30s")
	v.SetDefault("retry.max_retries", 5)

	v.SetDefault("chat.max_length", 4000)
	v.SetDefault("chat.relay", "on-failure")

	v.SetDefault("agent.server", "http://localhost:8080")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.role", "patient")
	v.SetDefault("agent.appointment", "")
	v.SetDefault("agent.modality", "video")
	v.SetDefault("agent.lobby_timeout", "0s")
	v.SetDefault("agent.auto_admit", true)
	v.SetDefault("agent.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("agent.allow_video", true)
	v.SetDefault("agent.allow_audio", true)
	v.SetDefault("agent.synthesize", true)
	v.SetDefault("agent.pli_interval", "3s")
	v.SetDefault("agent.say", []string{})
	v.SetDefault("agent.duration", "0s")
	return v
}

// Decode reads the config file, if any, and unmarshals v.
func Decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
		log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func Load() (*Config, error) {
	return Decode(New())
}

func (c *Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Mode == "release" && (c.Secret == "" || c.Auth.JWTSecret == "") {
		return errors.New("release mode needs secret and auth.jwt_secret")
	}
	return nil
}
