// Package config loads service settings from a YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTP struct {
		Port         int           `yaml:"port"`
		CORSOrigin   string        `yaml:"cors_origin"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"http"`
	Models struct {
		Dir                string `yaml:"dir"`
		Segmentation       string `yaml:"segmentation"`
		Classification     string `yaml:"classification"`
		OnnxRuntimeLibrary string `yaml:"onnxruntime_library"`
	} `yaml:"models"`
	Data struct {
		Dir         string `yaml:"dir"`
		RecordScans bool   `yaml:"record_scans"`
	} `yaml:"data"`
	OpenAI struct {
		APIKey  string        `yaml:"api_key"`
		BaseURL string        `yaml:"base_url"`
		Model   string        `yaml:"model"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"openai"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

func Default() *Config {
	var c Config
	c.HTTP.Port = 8080
	c.HTTP.CORSOrigin = "http://localhost:3000"
	c.HTTP.MaxBodyBytes = 16 << 20
	c.HTTP.ReadTimeout = 60 * time.Second
	c.HTTP.WriteTimeout = 120 * time.Second
	c.Models.Dir = "models"
	c.Models.Segmentation = "segmentation.onnx"
	c.Models.Classification = "classification.onnx"
	c.Data.Dir = "data"
	c.Data.RecordScans = true
	c.OpenAI.Model = "gpt-3.5-turbo"
	c.OpenAI.Timeout = 30 * time.Second
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 50
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 30
	return &c
}

// Load reads defaults, then path (if it exists), then .env and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("PORT", cfg.HTTP.Port)
	cfg.HTTP.CORSOrigin = getEnv("CORS_ORIGIN", cfg.HTTP.CORSOrigin)
	cfg.Models.Dir = getEnv("MODELS_DIR", cfg.Models.Dir)
	cfg.Models.OnnxRuntimeLibrary = getEnv("ONNXRUNTIME_LIB", cfg.Models.OnnxRuntimeLibrary)
	cfg.Data.Dir = getEnv("DATA_DIR", cfg.Data.Dir)
	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	cfg.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.Model = getEnv("OPENAI_MODEL", cfg.OpenAI.Model)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
