package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	StorageBasePath string
	StorageBaseURL  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	// Backend credentials. A provider joins the fallback chain only when
	// its credentials are present.
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	LeonardoAPIKey  string
	LeonardoModelID string
	LeonardoBaseURL string

	DashScopeAPIKey  string
	DashScopeModel   string
	DashScopeBaseURL string

	FalAPIKey  string
	FalModel   string
	FalBaseURL string

	RunPodAPIKey     string
	RunPodEndpointID string
	RunPodBaseURL    string

	// Orchestration tuning. The defaults are deliberate; see the matting
	// and retry packages before changing them.
	PollInterval     time.Duration
	ProviderDeadline time.Duration // synchronous and id-polling backends
	QueueDeadline    time.Duration // queue and job-runner backends
	RetryMaxAttempts int
	RetryBackoffBase time.Duration

	MatteThresholdBright float64
	MatteThresholdDark   float64
	MatteThresholdChroma float64
	MatteFeather         float64
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   port,

		StorageBasePath: getEnv("STORAGE_BASE_PATH", "./data/assets"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 180)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),

		LeonardoAPIKey:  os.Getenv("LEONARDO_API_KEY"),
		LeonardoModelID: os.Getenv("LEONARDO_MODEL_ID"),
		LeonardoBaseURL: getEnv("LEONARDO_BASE_URL", "https://cloud.leonardo.ai/api/rest/v1"),

		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeModel:   getEnv("DASHSCOPE_IMAGE_MODEL", "wan2.2-t2i-flash"),
		DashScopeBaseURL: getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),

		FalAPIKey:  os.Getenv("FAL_API_KEY"),
		FalModel:   getEnv("FAL_MODEL", "fal-ai/flux/schnell"),
		FalBaseURL: getEnv("FAL_BASE_URL", "https://queue.fal.run"),

		RunPodAPIKey:     os.Getenv("RUNPOD_API_KEY"),
		RunPodEndpointID: os.Getenv("RUNPOD_ENDPOINT_ID"),
		RunPodBaseURL:    getEnv("RUNPOD_BASE_URL", "https://api.runpod.ai"),

		PollInterval:     time.Millisecond * time.Duration(getEnvInt("GEN_POLL_INTERVAL_MS", 2500)),
		ProviderDeadline: time.Second * time.Duration(getEnvInt("GEN_PROVIDER_DEADLINE_SECONDS", 90)),
		QueueDeadline:    time.Second * time.Duration(getEnvInt("GEN_QUEUE_DEADLINE_SECONDS", 120)),
		RetryMaxAttempts: getEnvInt("GEN_RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffBase: time.Millisecond * time.Duration(getEnvInt("GEN_RETRY_BACKOFF_MS", 2000)),

		MatteThresholdBright: getEnvFloat("MATTE_THRESHOLD_BRIGHT", 70),
		MatteThresholdDark:   getEnvFloat("MATTE_THRESHOLD_DARK", 110),
		MatteThresholdChroma: getEnvFloat("MATTE_THRESHOLD_CHROMA", 80),
		MatteFeather:         getEnvFloat("MATTE_FEATHER", 15),
	}

	if _, err := url.Parse(cfg.StorageBaseURL); err != nil {
		return nil, fmt.Errorf("STORAGE_BASE_URL is invalid: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
