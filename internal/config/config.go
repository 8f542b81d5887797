package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageCloudinary = "cloudinary"
)

// Analyzer providers.
const (
	AnalyzerOpenAI    = "openai"
	AnalyzerContainer = "container"
)

// Text extractors used by the openai provider.
const (
	ExtractorContainer = "container"
	ExtractorPlain     = "plain"
)

// Config holds runtime configuration values for the API service and the analysis workers.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	DBMaxOpen   int
	DBMaxIdle   int
	RedisURL    string
	NATSURL     string
	EventsBase  string
	JWTSecret   string
	CORSOrigins string
	AccessLog   bool

	StorageDriver          string
	StorageDir             string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DocumentCacheTTL       time.Duration
	DocumentCacheMaxBytes  int64

	UploadMaxBytes     int64
	UploadAllowedTypes []string
	UploadRateLimit    int

	AnalyzerProvider   string
	AnalyzerExtractor  string
	AnalyzerTimeout    time.Duration
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	DockerHost         string
	AnalyzerImage      string
	AnalyzerInputMount string
	AnalyzerMemoryMB   int
	AnalyzerCPUShares  int

	PipelineWorkers       int
	PipelineBuffer        int
	PipelineSweepInterval time.Duration
	PipelineMaxAttempts   int
	PipelineRetryDelay    time.Duration
	PipelineShutdownGrace time.Duration
	PipelineStaleAfter    time.Duration

	DefaultAutoAcceptThreshold float64
	DefaultRequiresReview      bool
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ASSESS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Assess Pipeline")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("events.base", "assess")
	v.SetDefault("http.access_log", false)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("storage.driver", StorageFilesystem)
	v.SetDefault("storage.dir", "./data/documents")
	v.SetDefault("cloudinary.folder", "assess/documents")
	v.SetDefault("document_cache.ttl", "10m")
	v.SetDefault("document_cache.max_bytes", 2<<20)
	v.SetDefault("upload.max_mb", 10)
	v.SetDefault("upload.allowed_types", "application/pdf,application/msword,application/vnd.openxmlformats-officedocument.wordprocessingml.document,text/plain")
	v.SetDefault("upload.rate_limit", 10)
	v.SetDefault("analyzer.provider", AnalyzerOpenAI)
	v.SetDefault("analyzer.extractor", ExtractorContainer)
	v.SetDefault("analyzer.timeout", "2m")
	v.SetDefault("analyzer.image", "assess/extractor:latest")
	v.SetDefault("analyzer.input_mount", "/input")
	v.SetDefault("analyzer.memory_mb", 512)
	v.SetDefault("analyzer.cpu_shares", 512)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.buffer", 128)
	v.SetDefault("pipeline.sweep_interval", "30s")
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_delay", "15s")
	v.SetDefault("pipeline.shutdown_grace", "30s")
	v.SetDefault("pipeline.stale_after", "10m")
	v.SetDefault("policy.auto_accept_threshold", 90)
	v.SetDefault("policy.requires_review", false)

	cacheTTL, err := parseDuration(v, "document_cache.ttl")
	if err != nil {
		return Config{}, err
	}
	analyzerTimeout, err := parseDuration(v, "analyzer.timeout")
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := parseDuration(v, "pipeline.sweep_interval")
	if err != nil {
		return Config{}, err
	}
	retryDelay, err := parseDuration(v, "pipeline.retry_delay")
	if err != nil {
		return Config{}, err
	}
	shutdownGrace, err := parseDuration(v, "pipeline.shutdown_grace")
	if err != nil {
		return Config{}, err
	}
	staleAfter, err := parseDuration(v, "pipeline.stale_after")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		DBMaxOpen:   v.GetInt("database.max_open_conns"),
		DBMaxIdle:   v.GetInt("database.max_idle_conns"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		EventsBase:  v.GetString("events.base"),
		JWTSecret:   v.GetString("jwt.secret"),
		CORSOrigins: v.GetString("http.cors_origins"),
		AccessLog:   v.GetBool("http.access_log"),

		StorageDriver:          strings.ToLower(v.GetString("storage.driver")),
		StorageDir:             v.GetString("storage.dir"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DocumentCacheTTL:       cacheTTL,
		DocumentCacheMaxBytes:  v.GetInt64("document_cache.max_bytes"),

		UploadMaxBytes:     v.GetInt64("upload.max_mb") << 20,
		UploadAllowedTypes: splitList(v.GetString("upload.allowed_types")),
		UploadRateLimit:    v.GetInt("upload.rate_limit"),

		AnalyzerProvider:   strings.ToLower(v.GetString("analyzer.provider")),
		AnalyzerExtractor:  strings.ToLower(v.GetString("analyzer.extractor")),
		AnalyzerTimeout:    analyzerTimeout,
		OpenAIAPIKey:       v.GetString("openai.api_key"),
		OpenAIBaseURL:      v.GetString("openai.base_url"),
		OpenAIModel:        v.GetString("openai.model"),
		DockerHost:         v.GetString("docker_host"),
		AnalyzerImage:      v.GetString("analyzer.image"),
		AnalyzerInputMount: v.GetString("analyzer.input_mount"),
		AnalyzerMemoryMB:   v.GetInt("analyzer.memory_mb"),
		AnalyzerCPUShares:  v.GetInt("analyzer.cpu_shares"),

		PipelineWorkers:       v.GetInt("pipeline.workers"),
		PipelineBuffer:        v.GetInt("pipeline.buffer"),
		PipelineSweepInterval: sweepInterval,
		PipelineMaxAttempts:   v.GetInt("pipeline.max_attempts"),
		PipelineRetryDelay:    retryDelay,
		PipelineShutdownGrace: shutdownGrace,
		PipelineStaleAfter:    staleAfter,

		DefaultAutoAcceptThreshold: v.GetFloat64("policy.auto_accept_threshold"),
		DefaultRequiresReview:      v.GetBool("policy.requires_review"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.StorageDriver {
	case StorageMemory, StorageFilesystem:
	case StorageCloudinary:
		if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
			return Config{}, fmt.Errorf("cloudinary storage requires cloud name, api key and api secret")
		}
	default:
		return Config{}, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	switch cfg.AnalyzerProvider {
	case AnalyzerOpenAI, AnalyzerContainer:
	default:
		return Config{}, fmt.Errorf("unknown analyzer provider %q", cfg.AnalyzerProvider)
	}

	switch cfg.AnalyzerExtractor {
	case ExtractorContainer, ExtractorPlain:
	default:
		return Config{}, fmt.Errorf("unknown analyzer extractor %q", cfg.AnalyzerExtractor)
	}

	if cfg.PipelineStaleAfter > 0 && cfg.PipelineStaleAfter <= cfg.AnalyzerTimeout+cfg.PipelineShutdownGrace {
		return Config{}, fmt.Errorf("pipeline stale_after must exceed analyzer timeout plus shutdown grace")
	}

	if cfg.DefaultAutoAcceptThreshold < 0 || cfg.DefaultAutoAcceptThreshold > 100 {
		return Config{}, fmt.Errorf("policy auto accept threshold must be between 0 and 100")
	}

	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = 10 << 20
	}
	if cfg.PipelineWorkers <= 0 {
		cfg.PipelineWorkers = 4
	}
	if cfg.PipelineMaxAttempts <= 0 {
		cfg.PipelineMaxAttempts = 3
	}
	if cfg.AnalyzerMemoryMB <= 0 {
		cfg.AnalyzerMemoryMB = 512
	}
	if cfg.AnalyzerCPUShares <= 0 {
		cfg.AnalyzerCPUShares = 512
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
