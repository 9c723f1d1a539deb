package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anon-chat/internal/repositories"
)

type Config struct {
	Server    Server    `mapstructure:",squash"`
	Log       Log       `mapstructure:",squash"`
	Store     Store     `mapstructure:",squash"`
	Retention Retention `mapstructure:",squash"`
	Audit     Audit     `mapstructure:",squash"`
}

type Server struct {
	Port            string        `mapstructure:"PORT"`
	GinMode         string        `mapstructure:"GIN_MODE"`
	Environment     string        `mapstructure:"ENVIRONMENT"`
	CORSOrigin      string        `mapstructure:"CORS_ORIGIN"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	MaxMessageBytes int64         `mapstructure:"MAX_MESSAGE_BYTES"`
	DebugRoutes     bool          `mapstructure:"DEBUG_ROUTES"`
	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

type Log struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

type Store struct {
	Backend         string        `mapstructure:"STORE_BACKEND"`
	BadgerPath      string        `mapstructure:"BADGER_PATH"`
	DSN             string        `mapstructure:"DB_DSN"`
	JanitorInterval time.Duration `mapstructure:"JANITOR_INTERVAL"`
}

type Retention struct {
	RoomTTL      time.Duration `mapstructure:"ROOM_TTL"`
	PairTTL      time.Duration `mapstructure:"PAIR_TTL"`
	IdentityTTL  time.Duration `mapstructure:"IDENTITY_TTL"`
	BurnFuse     time.Duration `mapstructure:"BURN_FUSE"`
	BurnLastLook bool          `mapstructure:"BURN_LAST_LOOK"`
	MaxEnvelopes int           `mapstructure:"MAX_ENVELOPES"`
}

type Audit struct {
	AMQPURL    string `mapstructure:"AMQP_URL"`
	Exchange   string `mapstructure:"AMQP_EXCHANGE"`
	RoutingKey string `mapstructure:"AUDIT_ROUTING_KEY"`
}

func setDefaults(v *viper.Viper) {
	repo := repositories.DefaultOptions()

	v.SetDefault("PORT", "8083")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("ENVIRONMENT", "dev")
	v.SetDefault("CORS_ORIGIN", "*")
	v.SetDefault("RATE_LIMIT_RPS", 1.0)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("MAX_MESSAGE_BYTES", int64(5<<20))
	v.SetDefault("DEBUG_ROUTES", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORE_BACKEND", "badger")
	v.SetDefault("BADGER_PATH", "")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("JANITOR_INTERVAL", 10*time.Minute)

	v.SetDefault("ROOM_TTL", repo.RoomTTL)
	v.SetDefault("PAIR_TTL", repo.PairTTL)
	v.SetDefault("IDENTITY_TTL", repo.IdentityTTL)
	v.SetDefault("BURN_FUSE", repo.BurnFuse)
	v.SetDefault("BURN_LAST_LOOK", repo.BurnLastLook)
	v.SetDefault("MAX_ENVELOPES", repo.MaxEnvelopes)

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "audit.events")
	v.SetDefault("AUDIT_ROUTING_KEY", "audit.anon-chat")
}

// LoadConfig layers environment variables over an optional YAML file named
// by CONFIG_FILE, over the built-in defaults.
func LoadConfig() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("CONFIG_FILE"); err != nil {
		return nil, err
	}
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found", file)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load is LoadConfig followed by ParseConfig.
func Load() (*Config, error) {
	v, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return ParseConfig(v)
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "badger", "postgres":
	default:
		return fmt.Errorf("STORE_BACKEND must be badger or postgres, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return errors.New("DB_DSN is required for the postgres backend")
	}
	if c.Retention.MaxEnvelopes < 0 {
		return errors.New("MAX_ENVELOPES must not be negative")
	}
	return nil
}

// RepositoryOptions maps retention settings onto the store options.
func (c *Config) RepositoryOptions() repositories.Options {
	opts := repositories.DefaultOptions()
	opts.RoomTTL = c.Retention.RoomTTL
	opts.PairTTL = c.Retention.PairTTL
	opts.IdentityTTL = c.Retention.IdentityTTL
	opts.BurnFuse = c.Retention.BurnFuse
	opts.BurnLastLook = c.Retention.BurnLastLook
	opts.MaxEnvelopes = c.Retention.MaxEnvelopes
	return opts
}
