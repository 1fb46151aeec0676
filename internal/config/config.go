package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	Storage  StorageConfig
	Cache    CacheConfig
	Model    ModelConfig
	Registry RegistryConfig
}

type StorageConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type CacheConfig struct {
	PostgresDSN string
	SubKeyLimit int
	MaxImages   int
}

type ModelConfig struct {
	APIKey     string
	ImageModel string
	JudgeModel string
	// Default providers for generation and scoring; requests may override.
	GenerationProvider string
	ScoreProvider      string
}

type RegistryConfig struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port:     *port,
		Env:      env,
		Storage:  loadStorageConfig(env),
		Cache:    loadCacheConfig(),
		Model:    loadModelConfig(),
		Registry: loadRegistryConfig(),
	}, nil
}

func loadStorageConfig(env string) StorageConfig {
	endpoint := strings.TrimSpace(os.Getenv("STORAGE_S3_ENDPOINT"))
	if endpoint == "" && strings.EqualFold(env, "local") {
		endpoint = firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_MINIO_ENDPOINT")), "minio:9000")
	}
	return StorageConfig{
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_BUCKET")), "feedshield-artifacts"),
		UseSSL:    resolveUseSSL(env),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		PostgresDSN: strings.TrimSpace(os.Getenv("CACHE_PG_DSN")),
		SubKeyLimit: intFromEnv("CACHE_SUB_KEY_LIMIT", 10),
		MaxImages:   intFromEnv("CACHE_MAX_IMAGES", 1024),
	}
}

func loadModelConfig() ModelConfig {
	return ModelConfig{
		APIKey:             strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		ImageModel:         firstNonEmpty(strings.TrimSpace(os.Getenv("MODEL_IMAGE")), "gemini-2.5-flash-image"),
		JudgeModel:         firstNonEmpty(strings.TrimSpace(os.Getenv("MODEL_JUDGE")), "gemini-2.5-flash"),
		GenerationProvider: firstNonEmpty(strings.TrimSpace(os.Getenv("GENERATION_PROVIDER")), "gemini"),
		ScoreProvider:      firstNonEmpty(strings.TrimSpace(os.Getenv("SCORE_PROVIDER")), "gemini"),
	}
}

func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PingInterval: durationFromEnv("WS_PING_INTERVAL", 30*time.Second),
		IdleTimeout:  durationFromEnv("WS_IDLE_TIMEOUT", 300*time.Second),
	}
}

func resolveUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("STORAGE_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func intFromEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
