package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/user/live-pulse/internal/store"
)

type Config struct {
	// Gemini
	GenAIAPIKey string `env:"GENAI_API_KEY" validate:"required"`

	// Live session
	LiveBackend   string `env:"LIVE_BACKEND" validate:"oneof=websocket genai"`
	LiveModel     string `env:"LIVE_MODEL" validate:"required"`
	LiveEndpoint  string `env:"LIVE_ENDPOINT" validate:"omitempty,url"`
	LiveVoice     string `env:"LIVE_VOICE"`
	AssistantMode string `env:"ASSISTANT_MODE" validate:"oneof=General Artistic Technical Urdu Productivity"`

	// Seconds allowed from dial to setup acknowledgement
	ConnectTimeoutSeconds int `env:"CONNECT_TIMEOUT_SECONDS" validate:"min=1,max=120"`

	// Audio
	InputBlockSize     int `env:"INPUT_BLOCK_SIZE" validate:"min=256,max=16384"`
	AnalyzerFFTSize    int `env:"ANALYZER_FFT_SIZE" validate:"min=32,max=2048"`
	AnalyzerIntervalMS int `env:"ANALYZER_INTERVAL_MS" validate:"min=10,max=1000"`

	// Control server
	ListenAddr string `env:"LISTEN_ADDR" validate:"required,hostname_port"`

	// Chat history
	DataDir      string `env:"DATA_DIR" validate:"required"`
	ChatID       string `env:"CHAT_ID" validate:"omitempty,chat_id"`
	RecapEnabled bool   `env:"RECAP_ENABLED"`
	RecapModel   string `env:"RECAP_MODEL" validate:"required_if=RecapEnabled true"`

	// Archive
	ArchiveS3Endpoint        string `env:"ARCHIVE_S3_ENDPOINT" validate:"omitempty,url"`
	ArchiveS3Region          string `env:"ARCHIVE_S3_REGION"`
	ArchiveS3Bucket          string `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Prefix          string `env:"ARCHIVE_S3_PREFIX"`
	ArchiveS3AccessKeyID     string `env:"ARCHIVE_S3_ACCESS_KEY_ID" validate:"required_with=ArchiveS3Bucket"`
	ArchiveS3SecretAccessKey string `env:"ARCHIVE_S3_SECRET_ACCESS_KEY" validate:"required_with=ArchiveS3Bucket"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report environment variable names instead of struct field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		return fld.Name
	})

	// CHAT_ID names a file in the chat store, so it follows the store's rule.
	v.RegisterValidation("chat_id", func(fl validator.FieldLevel) bool {
		return store.ValidChatID(fl.Field().String())
	})
	return v
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		// Gemini
		GenAIAPIKey: os.Getenv("GENAI_API_KEY"),

		// Live session
		LiveBackend:           getEnvOrDefault("LIVE_BACKEND", "websocket"),
		LiveModel:             getEnvOrDefault("LIVE_MODEL", "gemini-2.5-flash-native-audio-preview-09-2025"),
		LiveEndpoint:          os.Getenv("LIVE_ENDPOINT"),
		LiveVoice:             getEnvOrDefault("LIVE_VOICE", "Zephyr"),
		AssistantMode:         getEnvOrDefault("ASSISTANT_MODE", "General"),
		ConnectTimeoutSeconds: getIntEnvOrDefault("CONNECT_TIMEOUT_SECONDS", 20),

		// Audio
		InputBlockSize:     getIntEnvOrDefault("INPUT_BLOCK_SIZE", 4096),
		AnalyzerFFTSize:    getIntEnvOrDefault("ANALYZER_FFT_SIZE", 64),
		AnalyzerIntervalMS: getIntEnvOrDefault("ANALYZER_INTERVAL_MS", 100),

		// Control server
		ListenAddr: getEnvOrDefault("LISTEN_ADDR", "127.0.0.1:8765"),

		// Chat history
		DataDir:      getEnvOrDefault("DATA_DIR", "./data"),
		ChatID:       os.Getenv("CHAT_ID"),
		RecapEnabled: getBoolEnvOrDefault("RECAP_ENABLED", false),
		RecapModel:   getEnvOrDefault("RECAP_MODEL", "gemini-2.5-flash"),

		// Archive
		ArchiveS3Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:          os.Getenv("ARCHIVE_S3_REGION"),
		ArchiveS3Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix:          os.Getenv("ARCHIVE_S3_PREFIX"),
		ArchiveS3AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
		ArchiveS3SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			return fmt.Errorf("invalid configuration: %s", describe(invalid))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.AnalyzerFFTSize&(c.AnalyzerFFTSize-1) != 0 {
		return fmt.Errorf("ANALYZER_FFT_SIZE must be a power of two")
	}

	if c.LiveBackend == "genai" && c.LiveEndpoint != "" {
		return fmt.Errorf("LIVE_ENDPOINT is only used by the websocket backend")
	}

	return nil
}

// ConnectTimeout bounds Start from dial to setup acknowledgement.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c *Config) AnalyzerInterval() time.Duration {
	return time.Duration(c.AnalyzerIntervalMS) * time.Millisecond
}

func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}

func describe(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "required_if", "required_with":
			parts = append(parts, fmt.Sprintf("%s is required (%s %s)", fe.Field(), fe.Tag(), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "chat_id":
			parts = append(parts, fe.Field()+" must be 1-64 letters, digits, '_' or '-'")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
