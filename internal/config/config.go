package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the prediction relay.
type Config struct {
	CustomVision CustomVisionConfig `mapstructure:"custom_vision"`
	Server       ServerConfig       `mapstructure:"server"`
	Outbound     OutboundConfig     `mapstructure:"outbound"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	LogLevel     string             `mapstructure:"log_level"`
}

// CustomVisionConfig selects the prediction endpoint and credential.
type CustomVisionConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Key       string `mapstructure:"key"`
	ProjectID string `mapstructure:"project_id"`
	ModelName string `mapstructure:"model_name"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCHealthAddr  string        `mapstructure:"grpc_health_addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type OutboundConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxDownloadBytes int64         `mapstructure:"max_download_bytes"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type AuthConfig struct {
	FunctionKey string `mapstructure:"function_key"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// envBindings maps config keys to the environment variables they are read from.
var envBindings = map[string]string{
	"custom_vision.endpoint":      "CUSTOM_VISION_ENDPOINT",
	"custom_vision.key":           "CUSTOM_VISION_KEY",
	"custom_vision.project_id":    "CUSTOM_VISION_PROJECT_ID",
	"custom_vision.model_name":    "CUSTOM_VISION_MODEL_NAME",
	"server.http_addr":            "HTTP_ADDR",
	"server.grpc_health_addr":     "GRPC_HEALTH_ADDR",
	"server.max_upload_bytes":     "MAX_UPLOAD_BYTES",
	"server.shutdown_timeout":     "SHUTDOWN_TIMEOUT",
	"outbound.timeout":            "OUTBOUND_TIMEOUT",
	"outbound.max_download_bytes": "MAX_DOWNLOAD_BYTES",
	"database.dsn":                "DATABASE_DSN",
	"redis.addr":                  "REDIS_ADDR",
	"redis.cache_ttl":             "CACHE_TTL",
	"auth.function_key":           "FUNCTION_KEY",
	"auth.jwt_secret":             "JWT_SECRET",
	"auth.jwt_audience":           "JWT_AUDIENCE",
	"log_level":                   "LOG_LEVEL",
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(viper.New())
}

// LoadFrom resolves the configuration through the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CustomVision.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.CustomVision.Endpoint), "/")
	cfg.CustomVision.Key = strings.TrimSpace(cfg.CustomVision.Key)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_health_addr", ":8081")
	v.SetDefault("server.max_upload_bytes", 4<<20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("outbound.timeout", 100*time.Second)
	v.SetDefault("outbound.max_download_bytes", 4<<20)
	v.SetDefault("redis.cache_ttl", 5*time.Minute)
	v.SetDefault("log_level", "info")
}

// Validate reports the Custom Vision settings that are missing or malformed.
func (c *Config) Validate() error {
	var errs []error
	cv := c.CustomVision
	if cv.Endpoint == "" {
		errs = append(errs, errors.New("CUSTOM_VISION_ENDPOINT is not set"))
	} else if u, err := url.Parse(cv.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("CUSTOM_VISION_ENDPOINT is not an absolute URL: %q", cv.Endpoint))
	}
	if cv.Key == "" {
		errs = append(errs, errors.New("CUSTOM_VISION_KEY is not set"))
	}
	if cv.ProjectID == "" {
		errs = append(errs, errors.New("CUSTOM_VISION_PROJECT_ID is not set"))
	}
	if cv.ModelName == "" {
		errs = append(errs, errors.New("CUSTOM_VISION_MODEL_NAME is not set"))
	}
	return errors.Join(errs...)
}

// PredictionURL builds the detect-image endpoint for the configured project and iteration.
func (c CustomVisionConfig) PredictionURL() string {
	return fmt.Sprintf("%s/customvision/v3.0/Prediction/%s/detect/iterations/%s/image",
		c.Endpoint, url.PathEscape(c.ProjectID), url.PathEscape(c.ModelName))
}
