package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogDir    string `yaml:"log_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DBPath    string `yaml:"db_path"`

	Recognizer RecognizerConfig `yaml:"recognizer"`
	Stability  StabilityConfig  `yaml:"stability"`
	OCR        OCRConfig        `yaml:"ocr"`
	Translate  TranslateConfig  `yaml:"translate"`
	Storage    StorageConfig    `yaml:"storage"`
	Live       LiveConfig       `yaml:"live"`
}

type RecognizerConfig struct {
	PythonPath      string        `yaml:"python_path"`
	ScriptPath      string        `yaml:"script_path"`
	Model           string        `yaml:"model"`
	Language        string        `yaml:"language"`
	ModelDir        string        `yaml:"model_dir"`
	HFToken         string        `yaml:"hf_token"`
	MinSpeakers     int           `yaml:"min_speakers"`
	MaxSpeakers     int           `yaml:"max_speakers"`
	ForceSimplified bool          `yaml:"force_simplified"`
	Timeout         time.Duration `yaml:"timeout"`
}

type StabilityConfig struct {
	StableDuration  time.Duration `yaml:"stable_duration"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
}

type OCRConfig struct {
	Language      string `yaml:"language"`
	CapturePath   string `yaml:"capture_path"`
	TesseractPath string `yaml:"tesseract_path"`
	Preprocess    bool   `yaml:"preprocess"`
}

type TranslateConfig struct {
	Region            string        `yaml:"region"`
	SourceLang        string        `yaml:"source_lang"`
	TargetLang        string        `yaml:"target_lang"`
	Terminology       []string      `yaml:"terminology"`
	AccessKey         string        `yaml:"access_key"`
	SecretKey         string        `yaml:"secret_key"`
	RateLimit         int           `yaml:"rate_limit"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`
}

type StorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type LiveConfig struct {
	ServerPort         string        `yaml:"server_port"`
	OutputDir          string        `yaml:"output_dir"`
	RecorderPath       string        `yaml:"recorder_path"`
	InputFormat        string        `yaml:"input_format"`
	SampleRate         int           `yaml:"sample_rate"`
	TranscribeInterval time.Duration `yaml:"transcribe_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	RateLimit          int           `yaml:"rate_limit"`
	RateLimitInterval  time.Duration `yaml:"rate_limit_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogDir:    "",
		LogLevel:  "info",
		LogFormat: "text",
		DBPath:    "./data/scribe.db",
		Recognizer: RecognizerConfig{
			PythonPath:      "python3",
			Model:           "base",
			Language:        "auto",
			ForceSimplified: true,
			Timeout:         4 * time.Hour,
		},
		Stability: StabilityConfig{
			StableDuration:  2 * time.Second,
			CaptureInterval: 300 * time.Millisecond,
		},
		OCR: OCRConfig{
			Language:      "chi_sim+eng",
			CapturePath:   "import",
			TesseractPath: "tesseract",
			Preprocess:    true,
		},
		Translate: TranslateConfig{
			Region:            "ap-northeast-1",
			SourceLang:        "auto",
			TargetLang:        "zh",
			RateLimit:         5,
			RateLimitInterval: time.Second,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
			Prefix: "ledgers",
		},
		Live: LiveConfig{
			ServerPort:         "5000",
			OutputDir:          "recordings",
			RecorderPath:       "ffmpeg",
			InputFormat:        "pulse",
			SampleRate:         16000,
			TranscribeInterval: 2 * time.Second,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			IdleTimeout:        60 * time.Second,
			ShutdownTimeout:    5 * time.Second,
			RateLimit:          5,
			RateLimitInterval:  time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogDir = GetEnv("LOG_DIR", cfg.LogDir)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.DBPath = GetEnv("DB_PATH", cfg.DBPath)

	r := &cfg.Recognizer
	r.PythonPath = GetEnv("PYTHON_PATH", r.PythonPath)
	r.ScriptPath = GetEnv("SCRIPT_PATH", r.ScriptPath)
	r.Model = GetEnv("MODEL_NAME", r.Model)
	r.Language = GetEnv("LANGUAGE", r.Language)
	r.ModelDir = GetEnv("MODEL_DIR", r.ModelDir)
	r.HFToken = GetEnv("HF_TOKEN", r.HFToken)
	r.ForceSimplified = getEnvAsBool("FORCE_SIMPLIFIED", r.ForceSimplified)
	r.Timeout = getEnvAsDuration("TRANSCRIBE_TIMEOUT", r.Timeout)

	s := &cfg.Stability
	s.StableDuration = getEnvAsDuration("STABLE_DURATION", s.StableDuration)
	s.CaptureInterval = getEnvAsDuration("CAPTURE_INTERVAL", s.CaptureInterval)

	o := &cfg.OCR
	o.Language = GetEnv("OCR_LANGUAGE", o.Language)
	o.TesseractPath = GetEnv("TESSERACT_PATH", o.TesseractPath)

	t := &cfg.Translate
	t.Region = GetEnv("TRANSLATE_REGION", t.Region)
	t.SourceLang = GetEnv("SOURCE_LANG", t.SourceLang)
	t.TargetLang = GetEnv("TARGET_LANG", t.TargetLang)
	t.Terminology = getEnvAsStringSlice("TRANSLATE_TERMINOLOGY", t.Terminology)
	t.AccessKey = GetEnv("TRANSLATE_ACCESS_KEY", t.AccessKey)
	t.SecretKey = GetEnv("TRANSLATE_SECRET_KEY", t.SecretKey)

	st := &cfg.Storage
	st.Enabled = getEnvAsBool("ARCHIVE_ENABLED", st.Enabled)
	st.Endpoint = GetEnv("ARCHIVE_ENDPOINT", st.Endpoint)
	st.Region = GetEnv("ARCHIVE_REGION", st.Region)
	st.Bucket = GetEnv("ARCHIVE_BUCKET", st.Bucket)
	st.Prefix = GetEnv("ARCHIVE_PREFIX", st.Prefix)
	st.AccessKey = GetEnv("ARCHIVE_ACCESS_KEY", st.AccessKey)
	st.SecretKey = GetEnv("ARCHIVE_SECRET_KEY", st.SecretKey)

	l := &cfg.Live
	l.ServerPort = GetEnv("SERVER_PORT", l.ServerPort)
	l.OutputDir = GetEnv("OUTPUT_DIR", l.OutputDir)
	l.RecorderPath = GetEnv("RECORDER_PATH", l.RecorderPath)
	l.SampleRate = getEnvAsInt("SAMPLE_RATE", l.SampleRate)
	l.TranscribeInterval = getEnvAsDuration("TRANSCRIBE_INTERVAL", l.TranscribeInterval)
	l.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", l.ReadTimeout)
	l.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", l.WriteTimeout)
	l.IdleTimeout = getEnvAsDuration("IDLE_TIMEOUT", l.IdleTimeout)
	l.RateLimit = getEnvAsInt("RATE_LIMIT", l.RateLimit)
	l.RateLimitInterval = getEnvAsDuration("RATE_LIMIT_INTERVAL", l.RateLimitInterval)
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.Recognizer.PythonPath == "" {
		return errors.New("python path is required")
	}
	if c.Recognizer.MinSpeakers < 0 || c.Recognizer.MaxSpeakers < 0 {
		return errors.New("speaker counts must not be negative")
	}
	if c.Recognizer.MaxSpeakers > 0 && c.Recognizer.MinSpeakers > c.Recognizer.MaxSpeakers {
		return errors.New("min speakers must not exceed max speakers")
	}
	if c.Stability.StableDuration <= 0 {
		return errors.New("stable duration must be greater than 0")
	}
	if c.Stability.CaptureInterval <= 0 {
		return errors.New("capture interval must be greater than 0")
	}
	if c.Stability.CaptureInterval > c.Stability.StableDuration {
		return errors.New("capture interval must not exceed stable duration")
	}
	if c.Translate.RateLimit <= 0 || c.Translate.RateLimitInterval <= 0 {
		return errors.New("translate rate limit must be greater than 0")
	}
	if c.Storage.Enabled {
		if err := c.Storage.Validate(); err != nil {
			return err
		}
	}
	if c.Live.ServerPort == "" {
		return errors.New("server port is required")
	}
	if c.Live.TranscribeInterval <= 0 {
		return errors.New("transcribe interval must be greater than 0")
	}
	if c.Live.ReadTimeout <= 0 || c.Live.WriteTimeout <= 0 || c.Live.IdleTimeout <= 0 {
		return errors.New("server timeouts must be greater than 0")
	}
	if c.Live.RateLimit <= 0 || c.Live.RateLimitInterval <= 0 {
		return errors.New("rate limit must be greater than 0")
	}
	return nil
}

// Validate checks the settings needed to reach the archive bucket.
func (s StorageConfig) Validate() error {
	if s.Bucket == "" {
		return errors.New("archive bucket is required when archiving is enabled")
	}
	if s.Endpoint == "" && s.Region == "" {
		return errors.New("archive region or endpoint is required")
	}
	return nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid duration, using default")
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid integer, using default")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid boolean, using default")
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		if value = strings.TrimSpace(value); value != "" {
			return strings.Split(value, ",")
		}
	}
	return defaultValue
}
