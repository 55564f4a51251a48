package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally layered over a file named by CONFIG_FILE.
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Calls    CallsConfig
	WS       WSConfig
	ICE      ICEConfig
	Kafka    KafkaConfig
	Presence PresenceConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type CallsConfig struct {
	// RingTimeout is how long an unanswered call rings before it is missed.
	RingTimeout time.Duration
	// PersistTimeout bounds one call history write including retries.
	PersistTimeout time.Duration
	// PersistQueue is how many finished calls may wait for their history
	// write before new ones are dropped.
	PersistQueue int
}

type WSConfig struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// RequireToken rejects handshakes without a valid access token.
	RequireToken   bool
	AllowedOrigins []string
}

type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// KafkaConfig is optional. With no brokers, call history is not published.
type KafkaConfig struct {
	Brokers      []string
	HistoryTopic string
}

type PresenceConfig struct {
	MirrorTTL       time.Duration
	RefreshInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "local")
	v.SetDefault("APP_PORT", 3000)
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_ACCESS_TTL", "12h")

	v.SetDefault("CALL_RING_TIMEOUT", "30s")
	v.SetDefault("CALL_PERSIST_TIMEOUT", "5s")
	v.SetDefault("CALL_PERSIST_QUEUE", 256)

	v.SetDefault("WS_WRITE_TIMEOUT", "10s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_PING_INTERVAL", "25s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_REQUIRE_TOKEN", false)

	v.SetDefault("KAFKA_HISTORY_TOPIC", "call-history")

	v.SetDefault("PRESENCE_MIRROR_TTL", "2m")
	v.SetDefault("PRESENCE_REFRESH_INTERVAL", "30s")
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config file error: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(v.GetString("APP_ENV"))
	c.App.Port = v.GetInt("APP_PORT")

	c.DB.Host = strings.TrimSpace(v.GetString("DB_HOST"))
	c.DB.Port = v.GetInt("DB_PORT")
	c.DB.User = strings.TrimSpace(v.GetString("DB_USER"))
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(v.GetString("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(v.GetString("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(v.GetString("REDIS_HOST"))
	c.Redis.Port = v.GetInt("REDIS_PORT")
	c.Redis.Password = v.GetString("REDIS_PASSWORD")
	c.Redis.DB = v.GetInt("REDIS_DB")

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(v.GetString("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(v.GetString("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = duration(v, "JWT_ACCESS_TTL", parseErrs)

	c.Calls.RingTimeout, parseErrs = duration(v, "CALL_RING_TIMEOUT", parseErrs)
	c.Calls.PersistTimeout, parseErrs = duration(v, "CALL_PERSIST_TIMEOUT", parseErrs)
	c.Calls.PersistQueue = v.GetInt("CALL_PERSIST_QUEUE")

	c.WS.WriteTimeout, parseErrs = duration(v, "WS_WRITE_TIMEOUT", parseErrs)
	c.WS.PongWait, parseErrs = duration(v, "WS_PONG_WAIT", parseErrs)
	c.WS.PingInterval, parseErrs = duration(v, "WS_PING_INTERVAL", parseErrs)
	c.WS.MaxMessageSize = v.GetInt64("WS_MAX_MESSAGE_SIZE")
	c.WS.SendBuffer = v.GetInt("WS_SEND_BUFFER")
	c.WS.RequireToken = v.GetBool("WS_REQUIRE_TOKEN")
	c.WS.AllowedOrigins = splitCommaSeparated(v.GetString("WS_ALLOWED_ORIGINS"))

	servers, err := parseICEServers(
		v.GetString(envICEServersJSON),
		v.GetString(envStunURLs),
		v.GetString(envTurnURLs),
		v.GetString(envTurnUsername),
		v.GetString(envTurnCredential),
	)
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	c.ICE.Servers = servers

	c.Kafka.Brokers = splitCommaSeparated(v.GetString("KAFKA_BROKERS"))
	c.Kafka.HistoryTopic = strings.TrimSpace(v.GetString("KAFKA_HISTORY_TOPIC"))

	c.Presence.MirrorTTL, parseErrs = duration(v, "PRESENCE_MIRROR_TTL", parseErrs)
	c.Presence.RefreshInterval, parseErrs = duration(v, "PRESENCE_REFRESH_INTERVAL", parseErrs)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in environment-dependent
// defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 12 * time.Hour
	}

	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 30 * time.Second
	}
	if c.Calls.PersistTimeout <= 0 {
		c.Calls.PersistTimeout = 5 * time.Second
	}
	if c.Calls.PersistQueue <= 0 {
		c.Calls.PersistQueue = 256
	}

	if c.WS.WriteTimeout <= 0 {
		c.WS.WriteTimeout = 10 * time.Second
	}
	if c.WS.PongWait <= 0 {
		c.WS.PongWait = 60 * time.Second
	}
	if c.WS.PingInterval <= 0 {
		c.WS.PingInterval = c.WS.PongWait * 9 / 10
	}
	if c.WS.PingInterval >= c.WS.PongWait {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be less than WS_PONG_WAIT"))
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 64 * 1024
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 64
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.HistoryTopic == "" {
		c.Kafka.HistoryTopic = "call-history"
	}

	if c.Presence.MirrorTTL <= 0 {
		c.Presence.MirrorTTL = 2 * time.Minute
	}
	if c.Presence.RefreshInterval <= 0 {
		c.Presence.RefreshInterval = c.Presence.MirrorTTL / 4
	}
	if c.Presence.RefreshInterval >= c.Presence.MirrorTTL {
		errs = append(errs, errors.New("PRESENCE_REFRESH_INTERVAL must be less than PRESENCE_MIRROR_TTL"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// KafkaEnabled reports whether call history should be published.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func duration(v *viper.Viper, key string, errs []error) (time.Duration, []error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, raw))
	}
	return d, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
