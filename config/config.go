package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Device identity storage backends.
const (
	StorageFile   = "file"
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageMongo  = "mongo"
)

// Config holds all configuration for the gateway service. Tags use
// mapstructure for Viper unmarshalling.
type Config struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// External collaborators.
	AuthBaseURL      string `mapstructure:"AUTH_BASE_URL"`
	FunctionsBaseURL string `mapstructure:"FUNCTIONS_BASE_URL"`

	// Device identity storage.
	DeviceStorage    string `mapstructure:"DEVICE_STORAGE"` // file|memory|redis|mongo
	DeviceStateDir   string `mapstructure:"DEVICE_STATE_DIR"`
	DeviceProfile    string `mapstructure:"DEVICE_PROFILE"`
	DeviceScreenHint string `mapstructure:"DEVICE_SCREEN_HINT"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	// Protocol timing. Tests compress these; defaults match the product.
	PollIntervalSec    int `mapstructure:"POLL_INTERVAL_SEC"`
	ApprovedDelayMS    int `mapstructure:"APPROVED_DELAY_MS"`
	ConfirmRedirectSec int `mapstructure:"CONFIRM_REDIRECT_SEC"`
	SessionTTLMin      int `mapstructure:"SESSION_TTL_MIN"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/devicegate/")
	v.AddConfigPath("$HOME/.devicegate")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("AUTH_BASE_URL", "http://localhost:9998")
	v.SetDefault("FUNCTIONS_BASE_URL", "http://localhost:9999/functions")
	v.SetDefault("DEVICE_STORAGE", StorageFile)
	v.SetDefault("DEVICE_STATE_DIR", "$HOME/.devicegate/state")
	v.SetDefault("DEVICE_PROFILE", "default")
	v.SetDefault("DEVICE_SCREEN_HINT", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/devicegate_dev")
	v.SetDefault("MONGO_DB_NAME", "devicegate_dev")
	v.SetDefault("POLL_INTERVAL_SEC", 5)
	v.SetDefault("APPROVED_DELAY_MS", 1500)
	v.SetDefault("CONFIRM_REDIRECT_SEC", 4)
	v.SetDefault("SESSION_TTL_MIN", 30)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	switch cfg.DeviceStorage {
	case StorageFile, StorageMemory, StorageRedis, StorageMongo:
	default:
		return nil, fmt.Errorf("unknown DEVICE_STORAGE backend %q", cfg.DeviceStorage)
	}

	return &cfg, nil
}
