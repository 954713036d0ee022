package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/proxyvoice/internal/segment"
	"github.com/lukasbauer/proxyvoice/internal/segmenter"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	LogLevel      string
	SentryDSN     string
	Environment   string

	// Controller (chat completions)
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	ControllerModel   string
	ControllerTimeout time.Duration
	ControllerTemp    float64

	// Realtime translation transport
	RealtimeURL   string
	RealtimeModel string

	// JWT Authentication
	JWTSecret      string
	JWTExpiry      time.Duration
	OperatorSecret string

	Segmenter   segmenter.Config
	Timeouts    segment.Timeouts
	RenderFrame time.Duration

	// Path to a session profile YAML
	SessionProfile string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		SentryDSN:     getenv("SENTRY_DSN", ""),
		Environment:   getenv("ENVIRONMENT", "development"),

		OpenAIAPIKey:      getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getenv("OPENAI_BASE_URL", ""),
		ControllerModel:   getenv("CONTROLLER_MODEL", "gpt-4o-mini"),
		ControllerTimeout: getenvDuration("CONTROLLER_TIMEOUT", 20*time.Second),
		ControllerTemp:    getenvFloatClamped("CONTROLLER_TEMPERATURE", 0.4, 0, 2),

		RealtimeURL:   getenv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel: getenv("REALTIME_MODEL", "gpt-4o-realtime-preview"),

		JWTSecret:      os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry:      getenvDuration("JWT_EXPIRY", 24*time.Hour),
		OperatorSecret: os.Getenv("OPERATOR_SECRET"),

		Segmenter: segmenter.Config{
			PauseThreshold: time.Duration(getenvIntClamped("SEGMENT_PAUSE_MS", 600, 200, 3000)) * time.Millisecond,
			StabilityDelay: time.Duration(getenvIntClamped("SEGMENT_STABILITY_MS", 150, 0, 1000)) * time.Millisecond,
			SoftLimit:      getenvIntClamped("SEGMENT_SOFT_LIMIT", 15, 5, 60),
			HardLimit:      getenvIntClamped("SEGMENT_HARD_LIMIT", 25, 8, 100),
			MinWords:       getenvIntClamped("SEGMENT_MIN_WORDS", 3, 1, 10),
			Adaptive:       getenvBool("SEGMENT_ADAPTIVE", false),
		},
		Timeouts: segment.Timeouts{
			Listening:    getenvDuration("TIMEOUT_LISTENING", 15*time.Second),
			Transcribing: getenvDuration("TIMEOUT_TRANSCRIBING", 15*time.Second),
			Translating:  getenvDuration("TIMEOUT_TRANSLATING", 30*time.Second),
		},
		RenderFrame: time.Duration(getenvIntClamped("RENDER_FRAME_MS", 16, 1, 1000)) * time.Millisecond,

		SessionProfile: getenv("SESSION_PROFILE", ""),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped falls back to def when unset or unparsable.
func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k)))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(k)), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(k)))
	if err != nil {
		return def
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(k)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
