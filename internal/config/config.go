package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	EZVIZ      EZVIZConfig      `yaml:"ezviz"`
	Sync       SyncConfig       `yaml:"sync"`
	ImageFetch ImageFetchConfig `yaml:"imagefetch"`
	Detector   DetectorConfig   `yaml:"detector"`
	OCR        OCRConfig        `yaml:"ocr"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// EZVIZConfig holds the alarm source credentials. Either AccessToken or the
// AppKey/AppSecret pair must be set.
type EZVIZConfig struct {
	BaseURL      string        `yaml:"base_url"`
	AccessToken  string        `yaml:"access_token"`
	AppKey       string        `yaml:"app_key"`
	AppSecret    string        `yaml:"app_secret"`
	DeviceSerial string        `yaml:"device_serial"`
	Timeout      time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	PageSize      int           `yaml:"page_size"`
	PageStart     int           `yaml:"page_start"`
	MaxPages      int           `yaml:"max_pages"`
	Cutoff        string        `yaml:"cutoff"`
	Timezone      string        `yaml:"timezone"`
	Interval      time.Duration `yaml:"interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	LockKey       int64         `yaml:"lock_key"`
}

type ImageFetchConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify *bool         `yaml:"insecure_skip_verify"`
	MaxBytes           int64         `yaml:"max_bytes"`
}

// SkipVerify reports whether TLS verification is disabled for snapshot
// downloads. Unset means true.
func (c ImageFetchConfig) SkipVerify() bool {
	if c.InsecureSkipVerify == nil {
		return true
	}
	return *c.InsecureSkipVerify
}

type DetectorConfig struct {
	Provider           string        `yaml:"provider"` // roboflow, onnx
	Mode               string        `yaml:"mode"`     // url, upload
	ModelURL           string        `yaml:"model_url"`
	APIKey             string        `yaml:"api_key"`
	ModelPath          string        `yaml:"model_path"`
	LibraryPath        string        `yaml:"library_path"` // onnxruntime shared library
	Threshold          float64       `yaml:"threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	MinInterval        time.Duration `yaml:"min_interval"`
	InsecureSkipVerify *bool         `yaml:"insecure_skip_verify"`
}

// SkipVerify reports whether TLS verification is disabled for detector
// calls. Unset means true.
func (c DetectorConfig) SkipVerify() bool {
	if c.InsecureSkipVerify == nil {
		return true
	}
	return *c.InsecureSkipVerify
}

type OCRConfig struct {
	Provider string        `yaml:"provider"` // http, command, none
	URL      string        `yaml:"url"`
	Command  []string      `yaml:"command"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Location resolves the display timezone used for cutoff parsing and
// rendering alarm times.
func (s SyncConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// CutoffTime parses the configured cutoff in the display timezone. A zero
// time means no cutoff.
func (s SyncConfig) CutoffTime() (time.Time, error) {
	if s.Cutoff == "" {
		return time.Time{}, nil
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s.Cutoff, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse cutoff %q", s.Cutoff)
}

// Load reads config from YAML file and applies .env and environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "platelog"
	}
	if cfg.EZVIZ.BaseURL == "" {
		cfg.EZVIZ.BaseURL = "https://isgpopen.ezvizlife.com"
	}
	if cfg.EZVIZ.Timeout == 0 {
		cfg.EZVIZ.Timeout = 60 * time.Second
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 10
	}
	if cfg.Sync.MaxPages == 0 {
		cfg.Sync.MaxPages = 1
	}
	if cfg.Sync.Timezone == "" {
		cfg.Sync.Timezone = "Asia/Kuala_Lumpur"
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 15 * time.Second
	}
	if cfg.Sync.RetryInterval == 0 {
		cfg.Sync.RetryInterval = time.Minute
	}
	if cfg.Sync.LockKey == 0 {
		cfg.Sync.LockKey = 7301
	}
	if cfg.ImageFetch.Timeout == 0 {
		cfg.ImageFetch.Timeout = 30 * time.Second
	}
	if cfg.ImageFetch.MaxBytes == 0 {
		cfg.ImageFetch.MaxBytes = 20 << 20
	}
	if cfg.Detector.Provider == "" {
		cfg.Detector.Provider = "roboflow"
	}
	if cfg.Detector.Mode == "" {
		cfg.Detector.Mode = "url"
	}
	if cfg.Detector.Threshold == 0 {
		cfg.Detector.Threshold = 0.25
	}
	if cfg.Detector.Timeout == 0 {
		cfg.Detector.Timeout = 60 * time.Second
	}
	if cfg.Detector.MinInterval == 0 {
		cfg.Detector.MinInterval = 500 * time.Millisecond
	}
	if cfg.OCR.Provider == "" {
		cfg.OCR.Provider = "none"
	}
	if cfg.OCR.Timeout == 0 {
		cfg.OCR.Timeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLATELOG_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PLATELOG_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("PLATELOG_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PLATELOG_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PLATELOG_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PLATELOG_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PLATELOG_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PLATELOG_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PLATELOG_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PLATELOG_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PLATELOG_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PLATELOG_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PLATELOG_EZVIZ_TOKEN"); v != "" {
		cfg.EZVIZ.AccessToken = v
	}
	if v := os.Getenv("PLATELOG_EZVIZ_APP_KEY"); v != "" {
		cfg.EZVIZ.AppKey = v
	}
	if v := os.Getenv("PLATELOG_EZVIZ_APP_SECRET"); v != "" {
		cfg.EZVIZ.AppSecret = v
	}
	if v := os.Getenv("PLATELOG_DEVICE_SERIAL"); v != "" {
		cfg.EZVIZ.DeviceSerial = v
	}
	if v := os.Getenv("PLATELOG_ROBOFLOW_API_KEY"); v != "" {
		cfg.Detector.APIKey = v
	}
	if v := os.Getenv("PLATELOG_ROBOFLOW_MODEL_URL"); v != "" {
		cfg.Detector.ModelURL = v
	}
	if v := os.Getenv("PLATELOG_OCR_URL"); v != "" {
		cfg.OCR.URL = v
	}
	if v := os.Getenv("PLATELOG_SYNC_CUTOFF"); v != "" {
		cfg.Sync.Cutoff = v
	}
}
