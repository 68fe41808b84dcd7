// Package config loads ChattRoom service configuration from defaults, an
// optional YAML file, a .env file and CHATTROOM_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config is the configuration shared by cmd/wsserver and cmd/moderator.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Moderator ModeratorConfig `mapstructure:"moderator"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type ServerConfig struct {
	Name           string        `mapstructure:"name"`
	ListenAddr     string        `mapstructure:"listen_addr"      validate:"required"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size" validate:"min=1"`
	MaxConnections int           `mapstructure:"max_connections"  validate:"min=1"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"     validate:"min=1s"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"    validate:"min=1s"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"     validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"       validate:"min=0"`
}

type NATSConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret" validate:"required,min=16"`
	Issuer string `mapstructure:"issuer" validate:"required"`
}

type ModeratorConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1s"`
	MetricsAddr   string        `mapstructure:"metrics_addr"   validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.name", "")
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.worker_pool_size", 256)
	v.SetDefault("server.max_connections", 100000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "chattroom")

	v.SetDefault("moderator.sweep_interval", time.Minute)
	v.SetDefault("moderator.metrics_addr", ":9091")
}

// Load reads the configuration. configFile may be empty, in which case
// chattroom.yaml is looked up in the working directory and skipped if
// absent.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: read .env: %v", ErrConfiguration, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATTROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("chattroom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config file: %v", ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfiguration, err)
	}

	if cfg.Server.Name == "" {
		cfg.Server.Name, _ = os.Hostname()
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}
