package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leezencounter/leezen/internal/bbox"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	TTN    TTNConfig    `yaml:"ttn" mapstructure:"ttn"`
	Frame  bbox.Frame   `yaml:"frame" mapstructure:"frame"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	MQTT   MQTTConfig   `yaml:"mqtt" mapstructure:"mqtt"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TTNConfig configures the The Things Network storage API client.
type TTNConfig struct {
	APIURL      string  `yaml:"api_url" mapstructure:"api_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	TimeFrame   string  `yaml:"time_frame" mapstructure:"time_frame"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// PollIntervalSecs makes serve run ingestion itself on this interval.
	// 0 leaves ingestion to an external caller of /api/cron.
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// MQTTConfig configures the TTN MQTT integration used by the listen command.
type MQTTConfig struct {
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	QoS      int    `yaml:"qos" mapstructure:"qos"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envAliases binds the unprefixed variable names the dashboard deployment
// already uses. Prefixed LEEZEN_* names take precedence.
var envAliases = map[string]string{
	"ttn.api_url":        "TTN_API_URL",
	"ttn.api_key":        "TTN_API_KEY",
	"ttn.time_frame":     "TTN_TIME_FRAME",
	"store.database_url": "DATABASE_URL",
	"server.port":        "PORT",
	"mqtt.password":      "TTN_MQTT_API_KEY",
}

// Load reads configuration from .env, an optional ./config.yaml and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file, which must exist. An empty
// path falls back to the optional ./config.yaml.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LEEZEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := "LEEZEN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", alias)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("ttn.api_url", "https://eu1.cloud.thethings.network/api/v3/as/applications/leezencounter/packages/storage/uplink_message")
	v.SetDefault("ttn.time_frame", "36h")
	v.SetDefault("ttn.rate_per_sec", 1.0)
	v.SetDefault("ttn.burst", 1)
	v.SetDefault("ttn.timeout_secs", 60)
	v.SetDefault("frame.width", 1600)
	v.SetDefault("frame.height", 1200)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("mqtt.broker", "tls://eu1.cloud.thethings.network:8883")
	v.SetDefault("mqtt.client_id", "leezen-listener")
	v.SetDefault("mqtt.username", "leezencounter@ttn")
	v.SetDefault("mqtt.topic", "v3/+/devices/+/up")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Modes accepted by Validate, one per command.
var modes = []string{"serve", "ingest", "listen", "migrate", "seed", "records"}

// Validate checks that the settings required by mode are present and sane.
func (c *Config) Validate(mode string) error {
	if !slices.Contains(modes, mode) {
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be > 0 and <= 65535")
		}
		if err := c.Frame.Validate(); err != nil {
			add("frame: %v", err)
		}
		c.validateTimeFrame(add)
		if c.TTN.PollIntervalSecs < 0 {
			add("ttn.poll_interval_secs must be >= 0")
		}
	case "ingest":
		if c.TTN.APIKey == "" {
			add("ttn.api_key is required")
		}
		if err := c.Frame.Validate(); err != nil {
			add("frame: %v", err)
		}
		c.validateTimeFrame(add)
	case "listen":
		if c.MQTT.Broker == "" {
			add("mqtt.broker is required")
		}
		if c.MQTT.Topic == "" {
			add("mqtt.topic is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			add("mqtt.qos must be 0, 1 or 2")
		}
		if err := c.Frame.Validate(); err != nil {
			add("frame: %v", err)
		}
	case "records":
		if err := c.Frame.Validate(); err != nil {
			add("frame: %v", err)
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateTimeFrame(add func(string, ...any)) {
	d, err := time.ParseDuration(c.TTN.TimeFrame)
	if err != nil || d <= 0 {
		add("ttn.time_frame must be a positive duration such as 36h, got %q", c.TTN.TimeFrame)
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
