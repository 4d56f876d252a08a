package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable process-level snapshot handed to every component
// at construction. Per-restaurant knobs live on the restaurant row, not here.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// PipelineConfig holds the camera capture and dispatch knobs.
type PipelineConfig struct {
	CaptureInterval    time.Duration `yaml:"capture_interval" env:"CAPTURE_INTERVAL_SECONDS"`
	SourceTimeout      time.Duration `yaml:"source_timeout" env:"VIDEO_SOURCE_TIMEOUT_SECONDS"`
	MaxInFlightPerCam  int           `yaml:"max_in_flight_per_camera" env:"MAX_IN_FLIGHT_PER_CAMERA"`
	CropsBaseDir       string        `yaml:"crops_base_dir" env:"CROPS_BASE_DIR"`
}

type ClassifierConfig struct {
	Endpoint       string        `yaml:"endpoint" env:"CLASSIFIER_ENDPOINT"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
}

type LogConfig struct {
	Level   string `yaml:"level" env:"LOG_LEVEL"`
	File    string `yaml:"file" env:"LOG_FILE"`
	Console bool   `yaml:"console"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Pipeline: PipelineConfig{
			CaptureInterval:   5 * time.Second,
			SourceTimeout:     10 * time.Second,
			MaxInFlightPerCam: 4,
			CropsBaseDir:      "data/crops",
		},
		Classifier: ClassifierConfig{
			AttemptTimeout: 30 * time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			RatePerSecond:  20,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads the YAML file at path (optional, may be "") and applies
// environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Pipeline.MaxInFlightPerCam <= 0 {
		cfg.Pipeline.MaxInFlightPerCam = 4
	}
	if cfg.Classifier.MaxAttempts <= 0 {
		cfg.Classifier.MaxAttempts = 3
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment knobs.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CLASSIFIER_ENDPOINT"); v != "" {
		cfg.Classifier.Endpoint = v
	}
	if v := os.Getenv("CROPS_BASE_DIR"); v != "" {
		cfg.Pipeline.CropsBaseDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if d, ok := envSeconds("CAPTURE_INTERVAL_SECONDS"); ok {
		cfg.Pipeline.CaptureInterval = d
	}
	if d, ok := envSeconds("VIDEO_SOURCE_TIMEOUT_SECONDS"); ok {
		cfg.Pipeline.SourceTimeout = d
	}
	if v := os.Getenv("MAX_IN_FLIGHT_PER_CAMERA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.MaxInFlightPerCam = n
		}
	}
}

func envSeconds(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}
