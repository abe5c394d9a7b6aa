package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	JWTSecret              string
	StorageDriver          string
	StorageDir             string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	EvidenceMaxMB          int
	EvidenceAllowedTypes   []string
	StorageRetryAttempts   int
	StorageRetryBaseDelay  time.Duration
	Categories             []string
	AssignmentPolicy       string
	LockDriver             string
	LockTimeout            time.Duration
	SLAThreshold           time.Duration
	SLAScanInterval        time.Duration
	BacklogThreshold       int
	NotificationBuffer     int
	NotificationWorkers    int
	NotificationRetries    int
	NotificationKeepAlive  time.Duration
	ReportCacheTTL         time.Duration
	RateLimitMax           int
	RateLimitWindow        time.Duration
}

// DefaultCategories mirrors the activity taxonomy offered by the upload form.
var DefaultCategories = []string{
	"NSS/NCC",
	"Sports",
	"Hackathons",
	"Volunteering",
	"Cultural",
	"Internships",
	"MOOCs",
	"Certifications",
}

// DefaultEvidenceTypes lists the MIME types accepted as activity evidence.
var DefaultEvidenceTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// EvidenceMaxBytes converts the configured megabyte ceiling to bytes.
func (c Config) EvidenceMaxBytes() int64 {
	return int64(c.EvidenceMaxMB) * 1024 * 1024
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SAR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "SAR API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "sar")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.dir", "./data/evidence")
	v.SetDefault("cloudinary.folder", "sar/evidence")
	v.SetDefault("evidence.max_mb", 10)
	v.SetDefault("evidence.allowed_types", strings.Join(DefaultEvidenceTypes, ","))
	v.SetDefault("storage.retry_attempts", 3)
	v.SetDefault("storage.retry_base_delay", "200ms")
	v.SetDefault("taxonomy.categories", strings.Join(DefaultCategories, ","))
	v.SetDefault("workflow.assignment_policy", "least_loaded")
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.timeout", "5s")
	v.SetDefault("sla.threshold", "72h")
	v.SetDefault("sla.scan_interval", "15m")
	v.SetDefault("sla.backlog_threshold", 15)
	v.SetDefault("notifications.buffer", 256)
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.keepalive", "30s")
	v.SetDefault("reports.cache_ttl", "5m")
	v.SetDefault("rate_limit.max", 60)
	v.SetDefault("rate_limit.window", "1m")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		StorageDriver:          strings.ToLower(v.GetString("storage.driver")),
		StorageDir:             v.GetString("storage.dir"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		EvidenceMaxMB:          v.GetInt("evidence.max_mb"),
		EvidenceAllowedTypes:   splitList(v.GetString("evidence.allowed_types")),
		StorageRetryAttempts:   v.GetInt("storage.retry_attempts"),
		Categories:             splitList(v.GetString("taxonomy.categories")),
		AssignmentPolicy:       strings.ToLower(v.GetString("workflow.assignment_policy")),
		LockDriver:             strings.ToLower(v.GetString("lock.driver")),
		BacklogThreshold:       v.GetInt("sla.backlog_threshold"),
		NotificationBuffer:     v.GetInt("notifications.buffer"),
		NotificationWorkers:    v.GetInt("notifications.workers"),
		NotificationRetries:    v.GetInt("notifications.retry_attempts"),
		RateLimitMax:           v.GetInt("rate_limit.max"),
	}

	durations["storage.retry_base_delay"] = &cfg.StorageRetryBaseDelay
	durations["lock.timeout"] = &cfg.LockTimeout
	durations["sla.threshold"] = &cfg.SLAThreshold
	durations["sla.scan_interval"] = &cfg.SLAScanInterval
	durations["notifications.keepalive"] = &cfg.NotificationKeepAlive
	durations["reports.cache_ttl"] = &cfg.ReportCacheTTL
	durations["rate_limit.window"] = &cfg.RateLimitWindow

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	switch cfg.StorageDriver {
	case "local", "cloudinary":
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.AssignmentPolicy {
	case "least_loaded", "round_robin":
	default:
		return Config{}, fmt.Errorf("unsupported assignment policy %q", cfg.AssignmentPolicy)
	}

	switch cfg.LockDriver {
	case "memory", "redis":
	default:
		return Config{}, fmt.Errorf("unsupported lock driver %q", cfg.LockDriver)
	}

	if len(cfg.Categories) == 0 {
		cfg.Categories = append([]string(nil), DefaultCategories...)
	}

	if cfg.EvidenceMaxMB <= 0 {
		cfg.EvidenceMaxMB = 10
	}

	if cfg.StorageRetryAttempts <= 0 {
		cfg.StorageRetryAttempts = 3
	}

	if cfg.NotificationWorkers <= 0 {
		cfg.NotificationWorkers = 1
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
