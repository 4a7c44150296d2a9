package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/jwalitptl/carelink/pkg/validator"
)

type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Server    ServerConfig    `mapstructure:"server"`
}

type RemoteConfig struct {
	PrimaryURL      string        `mapstructure:"primary_url" validate:"required,url"`
	FallbackURLs    []string      `mapstructure:"fallback_urls" validate:"dive,url"`
	HealthPaths     []string      `mapstructure:"health_paths" validate:"min=1"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	ProbeCacheTTL   time.Duration `mapstructure:"probe_cache_ttl" validate:"gte=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst           int           `mapstructure:"burst" validate:"gte=1"`
	BreakerFailures int           `mapstructure:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Driver           string `mapstructure:"driver" validate:"oneof=memory redis postgres sqlite"`
	Namespace        string `mapstructure:"namespace" validate:"required"`
	RedisURL         string `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	PostgresDSN      string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	SQLitePath       string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	EncryptionSecret string `mapstructure:"encryption_secret"`
}

type SchedulerConfig struct {
	DrainEvery        time.Duration `mapstructure:"drain_every" validate:"gt=0"`
	ForegroundDelay   time.Duration `mapstructure:"foreground_delay" validate:"gte=0"`
	ReloadCheckEvery  time.Duration `mapstructure:"reload_check_every" validate:"gt=0"`
	ReloadPeriodicGap time.Duration `mapstructure:"reload_periodic_gap" validate:"gt=0"`
	FocusReloadGap    time.Duration `mapstructure:"focus_reload_gap" validate:"gt=0"`
	RefreshEvery      time.Duration `mapstructure:"refresh_every" validate:"gt=0"`
	FocusRefreshGap   time.Duration `mapstructure:"focus_refresh_gap" validate:"gte=0"`
	VerificationEvery time.Duration `mapstructure:"verification_every" validate:"gt=0"`
	VerificationGap   time.Duration `mapstructure:"verification_gap" validate:"gt=0"`
	AdvisoryThreshold int           `mapstructure:"advisory_threshold" validate:"gte=1"`
	SuppressWindow    time.Duration `mapstructure:"suppress_window" validate:"gt=0"`
}

// SessionConfig identifies the signed-in caregiver: either directly or
// through a bearer token signed with JWTSecret.
type SessionConfig struct {
	Email     string `mapstructure:"email" validate:"omitempty,email"`
	ID        string `mapstructure:"id"`
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
}

type MailConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to" validate:"dive,email"`
}

type RedisNotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url" validate:"required_if=Enabled true"`
	Channel string `mapstructure:"channel"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker" validate:"required_if=Enabled true"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type NotifyConfig struct {
	Log   bool              `mapstructure:"log"`
	Mail  MailConfig        `mapstructure:"mail"`
	Redis RedisNotifyConfig `mapstructure:"redis"`
	MQTT  MQTTConfig        `mapstructure:"mqtt"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// envOverrides are read from CARELINK_* variables and win over the file.
type envOverrides struct {
	PrimaryURL       string   `envconfig:"PRIMARY_URL"`
	FallbackURLs     []string `envconfig:"FALLBACK_URLS"`
	StoreDriver      string   `envconfig:"STORE_DRIVER"`
	SQLitePath       string   `envconfig:"SQLITE_PATH"`
	RedisURL         string   `envconfig:"REDIS_URL"`
	PostgresDSN      string   `envconfig:"POSTGRES_DSN"`
	EncryptionSecret string   `envconfig:"ENCRYPTION_SECRET"`
	SessionEmail     string   `envconfig:"SESSION_EMAIL"`
	SessionID        string   `envconfig:"SESSION_ID"`
	SessionToken     string   `envconfig:"SESSION_TOKEN"`
	JWTSecret        string   `envconfig:"JWT_SECRET"`
	LogLevel         string   `envconfig:"LOG_LEVEL"`
	ServerPort       int      `envconfig:"SERVER_PORT"`
}

const EnvPrefix = "carelink"

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.primary_url", "http://localhost:8080")
	v.SetDefault("remote.fallback_urls", []string{})
	v.SetDefault("remote.health_paths", []string{"/health", "/api/health", "/ping"})
	v.SetDefault("remote.probe_timeout", "4s")
	v.SetDefault("remote.probe_cache_ttl", "3s")
	v.SetDefault("remote.request_timeout", "8s")
	v.SetDefault("remote.rate_limit", 20)
	v.SetDefault("remote.burst", 10)
	v.SetDefault("remote.breaker_failures", 5)
	v.SetDefault("remote.breaker_timeout", "30s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.namespace", "carelink")
	v.SetDefault("store.sqlite_path", "carelink.db")

	v.SetDefault("scheduler.drain_every", "60s")
	v.SetDefault("scheduler.foreground_delay", "5s")
	v.SetDefault("scheduler.reload_check_every", "1m")
	v.SetDefault("scheduler.reload_periodic_gap", "5m")
	v.SetDefault("scheduler.focus_reload_gap", "2m")
	v.SetDefault("scheduler.refresh_every", "10s")
	v.SetDefault("scheduler.focus_refresh_gap", "2s")
	v.SetDefault("scheduler.verification_every", "1m")
	v.SetDefault("scheduler.verification_gap", "15m")
	v.SetDefault("scheduler.advisory_threshold", 3)
	v.SetDefault("scheduler.suppress_window", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.mail.port", 587)
	v.SetDefault("notify.redis.channel", "carelink:events")
	v.SetDefault("notify.mqtt.client_id", "carelink")
	v.SetDefault("notify.mqtt.topic_prefix", "carelink/events")

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
}

// LoadConfig reads path, or config.yaml from . and ./config when path is
// empty. A missing default file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	setString(&c.Remote.PrimaryURL, env.PrimaryURL)
	if len(env.FallbackURLs) > 0 {
		c.Remote.FallbackURLs = env.FallbackURLs
	}
	setString(&c.Store.Driver, env.StoreDriver)
	setString(&c.Store.SQLitePath, env.SQLitePath)
	setString(&c.Store.RedisURL, env.RedisURL)
	setString(&c.Store.PostgresDSN, env.PostgresDSN)
	setString(&c.Store.EncryptionSecret, env.EncryptionSecret)
	setString(&c.Session.Email, env.SessionEmail)
	setString(&c.Session.ID, env.SessionID)
	setString(&c.Session.Token, env.SessionToken)
	setString(&c.Session.JWTSecret, env.JWTSecret)
	setString(&c.Log.Level, env.LogLevel)
	if env.ServerPort != 0 {
		c.Server.Port = env.ServerPort
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := validator.Default().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
