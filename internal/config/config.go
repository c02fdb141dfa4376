package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const DefaultOllamaURL = "http://127.0.0.1:11434"

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type StorageConfig struct {
	UploadDir      string
	DataDir        string
	PublicDir      string
	MaxUploadBytes int64
}

type OllamaConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Temperature float64
	// CheckSchedule is a cron spec; empty disables the check.
	CheckSchedule string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type QueueConfig struct {
	ClaimInterval time.Duration
	// MetricsAddr is where the worker serves /metrics; empty disables it.
	MetricsAddr string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Storage          StorageConfig
	Ollama           OllamaConfig
	Redis            RedisConfig
	Mirror           MirrorConfig
	Queues           QueueConfig
	AllowCORSOrigins []string
}

func (c MirrorConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func Load() (*AppConfig, error) {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("GEOANCHOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Ollama.BaseURL = NormalizeBaseURL(cfg.Ollama.BaseURL)

	return &cfg, nil
}

// NormalizeBaseURL strips trailing slashes and falls back to the local Ollama
// address when the value is blank. OLLAMA_HOST is commonly set as host:port.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return DefaultOllamaURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	return trimmed
}

// The pre-existing deployment exported PORT and OLLAMA_URL/OLLAMA_HOST without a prefix.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("http.port", "GEOANCHOR_HTTP_PORT", "PORT"); err != nil {
		return fmt.Errorf("bind port env: %w", err)
	}
	if err := v.BindEnv("ollama.baseurl", "GEOANCHOR_OLLAMA_BASEURL", "OLLAMA_URL", "OLLAMA_HOST"); err != nil {
		return fmt.Errorf("bind ollama env: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.readtimeout", "30s")
	// autolocate waits on the model with no deadline of its own
	v.SetDefault("http.writetimeout", "0s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("storage.uploaddir", "uploads")
	v.SetDefault("storage.datadir", "data")
	v.SetDefault("storage.publicdir", "public")
	v.SetDefault("storage.maxuploadbytes", 20<<20)

	v.SetDefault("ollama.baseurl", DefaultOllamaURL)
	v.SetDefault("ollama.timeout", "0s")
	v.SetDefault("ollama.temperature", 0.2)
	v.SetDefault("ollama.checkschedule", "@every 1m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "geoanchor:events")
	v.SetDefault("redis.group", "geoanchor-mirror")
	v.SetDefault("redis.consumer", "worker-1")

	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.accesskey", "")
	v.SetDefault("mirror.secretkey", "")
	v.SetDefault("mirror.bucket", "geoanchor")
	v.SetDefault("mirror.usessl", false)
	v.SetDefault("mirror.region", "us-east-1")

	v.SetDefault("queues.claiminterval", "30s")
	v.SetDefault("queues.metricsaddr", ":9101")

	v.SetDefault("allowcorsorigins", []string{})
}
