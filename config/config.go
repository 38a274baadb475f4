package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chaos-io/facecrop/geometry"
)

const (
	DetectorRemote = "remote"
	DetectorPigo   = "pigo"
	DetectorOllama = "ollama"

	RemBGService = "rembg"
	RemBGComfyUI = "comfyui"
)

type Config struct {
	Addr           string
	Capacity       int
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	MaxUploadBytes int64

	Margin     geometry.Margin
	OutputSize int

	RemBGURL     string
	RemBGBackend string
	Detector     string
	DetectURL    string
	PigoCascade  string
	OllamaURL    string
	OllamaModel  string

	HealthSchedule string
	CORSOrigins    []string
	LogLevel       string
}

func Default() *Config {
	return &Config{
		Addr:           ":8000",
		Capacity:       4,
		RequestTimeout: 60 * time.Second,
		UploadTimeout:  30 * time.Second,
		MaxUploadBytes: 50 << 20,
		Margin:         geometry.DefaultMargin,
		OutputSize:     640,
		RemBGBackend:   RemBGService,
		Detector:       DetectorRemote,
		DetectURL:      "http://localhost:5000/detect",
		PigoCascade:    "./cascade/facefinder",
		OllamaURL:      "http://localhost:11434",
		OllamaModel:    "llava",
		HealthSchedule: "@every 1m",
		CORSOrigins:    []string{"*"},
		LogLevel:       "info",
	}
}

// Load 默认值 + FACECROP_* 环境变量
func Load() (*Config, error) {
	cfg := Default()
	var errs []error

	cfg.Addr = getEnv("FACECROP_ADDR", cfg.Addr)
	cfg.RemBGURL = getEnv("FACECROP_REMBG_URL", cfg.RemBGURL)
	cfg.RemBGBackend = strings.ToLower(getEnv("FACECROP_REMBG_BACKEND", cfg.RemBGBackend))
	cfg.Detector = strings.ToLower(getEnv("FACECROP_DETECTOR", cfg.Detector))
	cfg.DetectURL = getEnv("FACECROP_DETECT_URL", cfg.DetectURL)
	cfg.PigoCascade = getEnv("FACECROP_PIGO_CASCADE", cfg.PigoCascade)
	cfg.OllamaURL = getEnv("FACECROP_OLLAMA_URL", cfg.OllamaURL)
	cfg.OllamaModel = getEnv("FACECROP_OLLAMA_MODEL", cfg.OllamaModel)
	cfg.HealthSchedule = getEnv("FACECROP_HEALTH_SCHEDULE", cfg.HealthSchedule)
	cfg.LogLevel = getEnv("FACECROP_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("FACECROP_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("FACECROP_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("FACECROP_CAPACITY", err))
		cfg.Capacity = n
	}
	if v := os.Getenv("FACECROP_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("FACECROP_REQUEST_TIMEOUT", err))
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("FACECROP_UPLOAD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("FACECROP_UPLOAD_TIMEOUT", err))
		cfg.UploadTimeout = d
	}
	if v := os.Getenv("FACECROP_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, wrapEnv("FACECROP_MAX_UPLOAD_BYTES", err))
		cfg.MaxUploadBytes = n
	}
	if v := os.Getenv("FACECROP_OUTPUT_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("FACECROP_OUTPUT_SIZE", err))
		cfg.OutputSize = n
	}
	if v := os.Getenv("FACECROP_MARGIN"); v != "" {
		m, err := ParseMargin(v)
		errs = append(errs, wrapEnv("FACECROP_MARGIN", err))
		cfg.Margin = m
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseMargin 解析 "0.2" 或 "left,top,right,bottom"
func ParseMargin(s string) (geometry.Margin, error) {
	parts := splitList(s)
	vals := make([]float64, 0, 4)
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return geometry.Margin{}, fmt.Errorf("parse margin %q: %w", s, err)
		}
		vals = append(vals, v)
	}

	var m geometry.Margin
	switch len(vals) {
	case 1:
		m = geometry.Margin{Left: vals[0], Top: vals[0], Right: vals[0], Bottom: vals[0]}
	case 4:
		m = geometry.Margin{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}
	default:
		return geometry.Margin{}, fmt.Errorf("parse margin %q: want 1 or 4 values, got %d", s, len(vals))
	}
	return m, m.Validate()
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.UploadTimeout < 0 {
		return fmt.Errorf("upload timeout must not be negative, got %s", c.UploadTimeout)
	}
	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.OutputSize < 1 {
		return fmt.Errorf("output size must be positive, got %d", c.OutputSize)
	}
	if err := c.Margin.Validate(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	switch c.RemBGBackend {
	case RemBGService:
	case RemBGComfyUI:
		if c.RemBGURL == "" {
			return errors.New("rembg url cannot be empty for comfyui backend")
		}
	default:
		return fmt.Errorf("unknown rembg backend %q (use %s or %s)", c.RemBGBackend, RemBGService, RemBGComfyUI)
	}

	switch c.Detector {
	case DetectorRemote:
		if c.DetectURL == "" {
			return errors.New("detect url cannot be empty for remote detector")
		}
	case DetectorPigo:
		if c.PigoCascade == "" {
			return errors.New("pigo cascade path cannot be empty")
		}
	case DetectorOllama:
		if c.OllamaURL == "" || c.OllamaModel == "" {
			return errors.New("ollama url and model are required")
		}
	default:
		return fmt.Errorf("unknown detector %q (use %s, %s or %s)", c.Detector, DetectorRemote, DetectorPigo, DetectorOllama)
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func wrapEnv(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", key, err)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
