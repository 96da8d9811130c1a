package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"logLevel"`

	Storage struct {
		Type       string `mapstructure:"type"`
		LocalPath  string `mapstructure:"localPath"`
		DataSource string `mapstructure:"dataSource"`
		Bucket     string `mapstructure:"bucket"`
		MySQLDSN   string `mapstructure:"mysqlDsn"`
	} `mapstructure:"storage"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Canvas   string `mapstructure:"canvas"`
	} `mapstructure:"redis"`

	Presence struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"presence"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
		// DevTokens enables POST /api/auth/token for local testing.
		DevTokens bool `mapstructure:"devTokens"`
	} `mapstructure:"auth"`

	Sync Sync `mapstructure:"sync"`
}

// Sync holds the engine tunables.
type Sync struct {
	LockRetries      int           `mapstructure:"lockRetries"`
	RetryBase        time.Duration `mapstructure:"retryBase"`
	FrameInterval    time.Duration `mapstructure:"frameInterval"`
	OverlayTolerance float64       `mapstructure:"overlayTolerance"`
	OverlayGrace     time.Duration `mapstructure:"overlayGrace"`
	DuplicateOffset  float64       `mapstructure:"duplicateOffset"`
}

func DefaultSync() Sync {
	return Sync{
		LockRetries:      3,
		RetryBase:        50 * time.Millisecond,
		FrameInterval:    16 * time.Millisecond,
		OverlayTolerance: 0.01,
		OverlayGrace:     time.Second,
		DuplicateOffset:  20,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3002")
	v.SetDefault("logLevel", "info")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.localPath", "./data")
	v.SetDefault("storage.dataSource", "shapesync.db")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.mysqlDsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.canvas", "default")
	v.SetDefault("presence.ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "shape-events")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.devTokens", false)

	d := DefaultSync()
	v.SetDefault("sync.lockRetries", d.LockRetries)
	v.SetDefault("sync.retryBase", d.RetryBase)
	v.SetDefault("sync.frameInterval", d.FrameInterval)
	v.SetDefault("sync.overlayTolerance", d.OverlayTolerance)
	v.SetDefault("sync.overlayGrace", d.OverlayGrace)
	v.SetDefault("sync.duplicateOffset", d.DuplicateOffset)
}

// legacyEnv keeps the plain storage variables working next to the
// SHAPESYNC_ prefixed ones.
var legacyEnv = map[string]string{
	"storage.type":       "STORAGE_TYPE",
	"storage.localPath":  "LOCAL_STORAGE_PATH",
	"storage.dataSource": "DATA_SOURCE_NAME",
	"storage.bucket":     "S3_BUCKET_NAME",
	"auth.jwtSecret":     "JWT_SECRET",
}

// Load reads .env, then the optional YAML file at path (or shapesync.yaml
// in ./config and .), then the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shapesync")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix("SHAPESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "SHAPESYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	return cfg, nil
}
