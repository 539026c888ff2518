package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	OCR      OCRConfig      `yaml:"ocr"`
	Layout   LayoutConfig   `yaml:"layout"`
	LLM      LLMConfig      `yaml:"llm"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Batch    BatchConfig    `yaml:"batch"`
}

// DatabaseConfig holds database-related configuration.
// A postgres:// DSN goes through pgx; anything else is a sqlite path.
type DatabaseConfig struct {
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	APIKeys         []string      `yaml:"api_keys"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Engine        string `yaml:"engine"` // tesseract | azure | gosseract
	Tesseract     string `yaml:"tesseract"`
	Pdftoppm      string `yaml:"pdftoppm"`
	Lang          string `yaml:"lang"`
	DPI           int    `yaml:"dpi"`
	PSM           int    `yaml:"psm"`
	OEM           int    `yaml:"oem"`
	TessdataDir   string `yaml:"tessdata_dir"`
	Preprocess    bool   `yaml:"preprocess"`
	MinTextTokens int    `yaml:"min_text_tokens"`
	AzureEndpoint string `yaml:"azure_endpoint"`
	AzureKey      string `yaml:"azure_key"`
}

// LayoutConfig selects the layout model that labels tokens.
type LayoutConfig struct {
	Provider       string        `yaml:"provider"` // heuristic | http | openai
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout"`
	LabelMapFile   string        `yaml:"label_map_file"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	CacheFile      string        `yaml:"cache_file"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Temperature     float32       `yaml:"temperature"`
	Timeout         time.Duration `yaml:"timeout"`
	LenientOptional bool          `yaml:"lenient_optional"`
}

// FusionConfig tunes the field-fusion engine.
type FusionConfig struct {
	RelTolerance    float64 `yaml:"rel_tolerance"`
	AbsTolerance    float64 `yaml:"abs_tolerance"`
	MaxSpanGap      float64 `yaml:"max_span_gap"`
	DayFirst        bool    `yaml:"day_first"`
	DefaultCurrency string  `yaml:"default_currency"`
}

// BatchConfig holds settings for directory and inbox processing.
type BatchConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	DocTimeout    time.Duration `yaml:"doc_timeout"`
	WatchDir      string        `yaml:"watch_dir"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	SaveOCRDir    string        `yaml:"save_ocr_dir"`
}

// DefaultConfig returns the built-in defaults before any file or env override.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			DSN:             "invoices.db",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		OCR: OCRConfig{
			Engine:        "tesseract",
			Tesseract:     "tesseract",
			Pdftoppm:      "pdftoppm",
			Lang:          "spa+eng",
			DPI:           300,
			Preprocess:    true,
			MinTextTokens: 5,
		},
		Layout: LayoutConfig{
			Provider:       "heuristic",
			Timeout:        60 * time.Second,
			MaxConcurrency: 1,
		},
		LLM: LLMConfig{
			Model:           "gpt-4o-mini",
			BaseURL:         "https://api.openai.com/v1",
			Temperature:     0.0,
			Timeout:         45 * time.Second,
			LenientOptional: true,
		},
		Fusion: FusionConfig{
			RelTolerance:    0.01,
			AbsTolerance:    0.01,
			MaxSpanGap:      0.03,
			DayFirst:        true,
			DefaultCurrency: "EUR",
		},
		Batch: BatchConfig{
			Workers:       4,
			QueueSize:     256,
			DocTimeout:    3 * time.Minute,
			WatchDebounce: 500 * time.Millisecond,
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewAppError("CONFIG_ERROR", "read config file "+path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return NewAppError("CONFIG_ERROR", "parse config file "+path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	d := &c.Database
	d.DSN = getEnv("DB_URL", d.DSN)
	d.MaxConns = getEnvAsInt32("DB_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvAsInt32("DB_MIN_CONNS", d.MinConns)
	d.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", d.MaxConnLifetime)
	d.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", d.MaxConnIdleTime)
	d.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", d.DialTimeout)
	d.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", d.StatementTimeout)

	s := &c.Server
	s.HTTPAddr = getEnv("HTTP_ADDR", s.HTTPAddr)
	s.GRPCAddr = getEnv("GRPC_ADDR", s.GRPCAddr)
	s.APIKeys = getEnvAsList("API_KEYS", s.APIKeys)
	s.ReadTimeout = getEnvAsDuration("HTTP_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvAsDuration("HTTP_WRITE_TIMEOUT", s.WriteTimeout)
	s.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	o := &c.OCR
	o.Engine = getEnv("OCR_ENGINE", o.Engine)
	o.Tesseract = getEnv("TESSERACT_BIN", o.Tesseract)
	o.Pdftoppm = getEnv("PDFTOPPM_BIN", o.Pdftoppm)
	o.Lang = getEnv("OCR_LANG", o.Lang)
	o.DPI = getEnvAsInt("OCR_DPI", o.DPI)
	o.PSM = getEnvAsInt("OCR_PSM", o.PSM)
	o.OEM = getEnvAsInt("OCR_OEM", o.OEM)
	o.TessdataDir = getEnv("TESSDATA_PREFIX", o.TessdataDir)
	o.Preprocess = getEnvAsBool("OCR_PREPROCESS", o.Preprocess)
	o.MinTextTokens = getEnvAsInt("OCR_MIN_TEXT_TOKENS", o.MinTextTokens)
	o.AzureEndpoint = getEnv("AZURE_VISION_ENDPOINT", o.AzureEndpoint)
	o.AzureKey = getEnv("AZURE_VISION_KEY", o.AzureKey)

	l := &c.Layout
	l.Provider = getEnv("LAYOUT_PROVIDER", l.Provider)
	l.URL = getEnv("LAYOUT_URL", l.URL)
	l.Timeout = getEnvAsDuration("LAYOUT_TIMEOUT", l.Timeout)
	l.LabelMapFile = getEnv("LAYOUT_LABEL_MAP", l.LabelMapFile)
	l.MaxConcurrency = getEnvAsInt("LAYOUT_MAX_CONCURRENCY", l.MaxConcurrency)
	l.CacheFile = getEnv("LAYOUT_CACHE_FILE", l.CacheFile)

	m := &c.LLM
	m.Model = getEnv("OPENAI_MODEL", m.Model)
	m.APIKey = getEnv("OPENAI_API_KEY", m.APIKey)
	m.BaseURL = getEnv("OPENAI_BASE_URL", m.BaseURL)
	m.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", m.Temperature)
	m.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", m.Timeout)
	m.LenientOptional = getEnvAsBool("OPENAI_LENIENT", m.LenientOptional)

	f := &c.Fusion
	f.RelTolerance = getEnvAsFloat64("FUSION_REL_TOLERANCE", f.RelTolerance)
	f.AbsTolerance = getEnvAsFloat64("FUSION_ABS_TOLERANCE", f.AbsTolerance)
	f.MaxSpanGap = getEnvAsFloat64("FUSION_MAX_SPAN_GAP", f.MaxSpanGap)
	f.DayFirst = getEnvAsBool("FUSION_DAY_FIRST", f.DayFirst)
	f.DefaultCurrency = strings.ToUpper(getEnv("FUSION_DEFAULT_CURRENCY", f.DefaultCurrency))

	b := &c.Batch
	b.Workers = getEnvAsInt("BATCH_WORKERS", b.Workers)
	b.QueueSize = getEnvAsInt("BATCH_QUEUE_SIZE", b.QueueSize)
	b.DocTimeout = getEnvAsDuration("BATCH_DOC_TIMEOUT", b.DocTimeout)
	b.WatchDir = getEnv("WATCH_DIR", b.WatchDir)
	b.WatchDebounce = getEnvAsDuration("WATCH_DEBOUNCE", b.WatchDebounce)
	b.SaveOCRDir = getEnv("SAVE_OCR_DIR", b.SaveOCRDir)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	v := NewValidator()
	v.Field("DB_URL", c.Database.DSN, Required)
	v.Field("FUSION_DEFAULT_CURRENCY", c.Fusion.DefaultCurrency, CurrencyCode)
	v.Check(c.Fusion.RelTolerance >= 0 && c.Fusion.AbsTolerance >= 0, "FUSION_*_TOLERANCE",
		fmt.Sprintf("%g/%g", c.Fusion.RelTolerance, c.Fusion.AbsTolerance), "must not be negative")
	v.Check(c.Fusion.MaxSpanGap > 0 && c.Fusion.MaxSpanGap <= 1, "FUSION_MAX_SPAN_GAP", c.Fusion.MaxSpanGap,
		"must be in (0, 1]")
	v.Check(c.Batch.Workers > 0, "BATCH_WORKERS", c.Batch.Workers, "must be positive")

	switch c.OCR.Engine {
	case "tesseract", "gosseract":
	case "azure":
		v.Field("AZURE_VISION_ENDPOINT", c.OCR.AzureEndpoint, Required)
		v.Field("AZURE_VISION_KEY", c.OCR.AzureKey, Required)
	default:
		v.Check(false, "OCR_ENGINE", c.OCR.Engine, "must be one of tesseract, azure, gosseract")
	}

	switch c.Layout.Provider {
	case "heuristic":
	case "http":
		v.Field("LAYOUT_URL", c.Layout.URL, Required)
	case "openai":
		v.Field("OPENAI_API_KEY", c.LLM.APIKey, Required)
	default:
		v.Check(false, "LAYOUT_PROVIDER", c.Layout.Provider, "must be one of heuristic, http, openai")
	}

	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}
