package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the transcription service.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	// Primary provider (whisper-compatible).
	PrimaryEndpoint string
	PrimaryAPIKey   string
	PrimaryModel    string

	// Secondary provider (deepgram-compatible).
	SecondaryEndpoint string
	SecondaryAPIKey   string
	SecondaryModel    string

	ProviderTimeout        time.Duration
	ProviderMaxRetries     int
	ProviderBackoffInitial time.Duration
	ProviderBackoffMax     time.Duration

	ConcurrencyLimit  int
	JobMaxAttempts    int
	JobBackoffInitial time.Duration
	JobBackoffMax     time.Duration
	AwaitPollInterval time.Duration
	FailFastPermanent bool

	// PostgresDSN is optional; empty keeps note/audit storage in memory.
	PostgresDSN string

	// RedisAddr is optional; empty disables submission rate limiting.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	// AudioS3Bucket is optional; empty disables submit-by-reference.
	AudioS3Bucket    string
	AudioS3Region    string
	AudioS3Endpoint  string
	AudioS3PathStyle bool
	MaxAudioBytes    int64
}

// Load reads configuration from environment variables with defaults suited
// to local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		PrimaryEndpoint: getEnv("PRIMARY_ENDPOINT", "https://api.openai.com/v1/audio/transcriptions"),
		PrimaryAPIKey:   getEnv("PRIMARY_API_KEY", ""),
		PrimaryModel:    getEnv("PRIMARY_MODEL", "whisper-1"),

		SecondaryEndpoint: getEnv("SECONDARY_ENDPOINT", "https://api.deepgram.com/v1/listen"),
		SecondaryAPIKey:   getEnv("SECONDARY_API_KEY", ""),
		SecondaryModel:    getEnv("SECONDARY_MODEL", "nova-2"),

		ProviderTimeout:        getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
		ProviderMaxRetries:     getEnvInt("PROVIDER_MAX_RETRIES", 3),
		ProviderBackoffInitial: getEnvDuration("PROVIDER_BACKOFF_INITIAL", time.Second),
		ProviderBackoffMax:     getEnvDuration("PROVIDER_BACKOFF_MAX", 10*time.Second),

		ConcurrencyLimit:  getEnvInt("CONCURRENCY_LIMIT", 5),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffInitial: getEnvDuration("JOB_BACKOFF_INITIAL", time.Second),
		JobBackoffMax:     getEnvDuration("JOB_BACKOFF_MAX", 10*time.Second),
		AwaitPollInterval: getEnvDuration("AWAIT_POLL_INTERVAL", 100*time.Millisecond),
		FailFastPermanent: getEnvBool("FAIL_FAST_PERMANENT", false),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 10),

		AudioS3Bucket:    getEnv("AUDIO_S3_BUCKET", ""),
		AudioS3Region:    getEnv("AUDIO_S3_REGION", "us-east-1"),
		AudioS3Endpoint:  getEnv("AUDIO_S3_ENDPOINT", ""),
		AudioS3PathStyle: getEnvBool("AUDIO_S3_PATH_STYLE", false),
		MaxAudioBytes:    getEnvInt64("MAX_AUDIO_BYTES", 100*1024*1024),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
