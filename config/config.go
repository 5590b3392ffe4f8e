// Package config loads the churnd/churnctl YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"churnlens/db"
	"churnlens/logging"
	"churnlens/ml"
)

// EnvPath overrides the config file location.
const EnvPath = "CHURNLENS_CONFIG"

const DefaultPath = "config.yaml"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database db.Config      `yaml:"database"`
	Log      logging.Config `yaml:"log"`
	Model    ModelConfig    `yaml:"model"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Risk     ml.Tiering     `yaml:"risk"`
	Business BusinessConfig `yaml:"business"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type ModelConfig struct {
	Path string `yaml:"path"`
	// Threshold replaces the artifact's decision threshold when set.
	Threshold       *float64 `yaml:"threshold"`
	Watch           bool     `yaml:"watch"`
	Normalization   string   `yaml:"normalization"`
	UnknownPolicy   string   `yaml:"unknown_policy"`
	DerivedFeatures bool     `yaml:"derived_features"`
}

// EncoderOptions maps the training settings onto the encoder.
func (m ModelConfig) EncoderOptions() ml.EncoderOptions {
	return ml.EncoderOptions{
		Normalization: ml.Normalization(m.Normalization),
		Unknown:       ml.UnknownPolicy(m.UnknownPolicy),
	}
}

type DatasetConfig struct {
	Path     string `yaml:"path"`
	Encoding string `yaml:"encoding"`
}

type ScoringConfig struct {
	Workers   int `yaml:"workers"`
	CacheSize int `yaml:"cache_size"`
}

// BusinessConfig 业务成本(美元)
type BusinessConfig struct {
	RetentionCost   float64 `yaml:"retention_cost"`
	AcquisitionCost float64 `yaml:"acquisition_cost"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Database: db.Config{Path: "data/churnlens.db", EnableWAL: true},
		Log:      logging.DefaultConfig(),
		Model: ModelConfig{
			Path:          "models/churn_model.json",
			Watch:         true,
			Normalization: string(ml.NormalizeZScore),
			UnknownPolicy: string(ml.UnknownReject),
		},
		Dataset: DatasetConfig{
			Path:     "data/WA_Fn-UseC_-Telco-Customer-Churn.csv",
			Encoding: "utf-8",
		},
		Scoring: ScoringConfig{
			Workers:   4,
			CacheSize: 4096,
		},
		Risk: ml.DefaultTiering(),
		Business: BusinessConfig{
			RetentionCost:   50,
			AcquisitionCost: 500,
		},
	}
}

// Load reads the YAML file over the defaults. An empty path means
// $CHURNLENS_CONFIG, then config.yaml; a missing config.yaml is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		path = DefaultPath
		explicit = false
	}

	file, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Model.Path == "" {
		return errors.New("model.path is required")
	}
	if t := c.Model.Threshold; t != nil {
		if err := ml.ValidateThreshold(*t); err != nil {
			return fmt.Errorf("model.threshold: %w", err)
		}
	}
	switch ml.Normalization(c.Model.Normalization) {
	case ml.NormalizeNone, ml.NormalizeZScore, ml.NormalizeMinMax:
	default:
		return fmt.Errorf("model.normalization %q not supported", c.Model.Normalization)
	}
	switch ml.UnknownPolicy(c.Model.UnknownPolicy) {
	case ml.UnknownReject, ml.UnknownOther:
	default:
		return fmt.Errorf("model.unknown_policy %q not supported", c.Model.UnknownPolicy)
	}
	if c.Scoring.Workers <= 0 {
		return errors.New("scoring.workers must be positive")
	}
	if c.Scoring.CacheSize < 0 {
		return errors.New("scoring.cache_size must not be negative")
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if c.Business.RetentionCost < 0 || c.Business.AcquisitionCost < 0 {
		return errors.New("business costs must not be negative")
	}
	return nil
}
