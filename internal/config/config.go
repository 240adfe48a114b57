package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/models"
	"github.com/joho/godotenv"
)

// KV backends
const (
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for the tracking service.
type Config struct {
	// Service addresses
	HealthPort string
	NatsURL    string
	Version    string

	// Identity
	OrganizationID string
	EntityIDs      []string

	// Subjects
	SubjectRoot      string
	FrameSubjectRoot string
	StreamName       string

	KV KVConfig

	// Detection
	DetectionMode string
	Profile       models.ModelProfile
	TrackExpiry   time.Duration
	Thresholds    ChangeThresholds
	CustomThreats []string

	// Publishing
	PublishTimeout  time.Duration
	PublishAttempts int
	MergeAttempts   int
	FrameBuffer     int
}

// KVConfig selects and configures the entity state store
type KVConfig struct {
	Backend       string
	Bucket        string
	TTL           time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       int
}

// ChangeThresholds gate repeat publishing of a track
type ChangeThresholds struct {
	Movement   float64 // bbox centre displacement, normalised units
	Confidence float64 // absolute confidence delta
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	envPaths := []string{
		".env",
		"../.env",
		"/app/.env", // Docker
	}

	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			log.Printf("Loaded config from: %s", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		log.Printf("No .env file found, using environment variables")
	}

	return FromEnv()
}

// FromEnv builds and validates the configuration from the environment only
func FromEnv() (*Config, error) {
	config := &Config{
		HealthPort: getEnvOrDefault("HEALTH_PORT", "8081"),
		NatsURL:    getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		Version:    getEnvOrDefault("SERVICE_VERSION", "dev"),

		OrganizationID: os.Getenv("CONSTELLATION_ORG_ID"),
		EntityIDs:      splitList(os.Getenv("CONSTELLATION_ENTITY_ID")),

		SubjectRoot:      getEnvOrDefault("SUBJECT_ROOT", "constellation.events.isr"),
		FrameSubjectRoot: getEnvOrDefault("FRAME_SUBJECT_ROOT", "overwatch.frames"),
		StreamName:       getEnvOrDefault("STREAM_NAME", "CONSTELLATION_EVENTS"),

		KV: KVConfig{
			Backend:       strings.ToLower(getEnvOrDefault("KV_BACKEND", BackendNATS)),
			Bucket:        getEnvOrDefault("KV_BUCKET", "CONSTELLATION_GLOBAL_STATE"),
			TTL:           parseDurationOrDefault("KV_TTL", time.Hour),
			RedisAddress:  getEnvOrDefault("REDIS_ADDRESS", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       parseIntOrDefault("REDIS_DB", 0),
		},

		DetectionMode: getEnvOrDefault("DETECTION_MODE", models.DefaultMode),
		TrackExpiry:   parseDurationOrDefault("TRACK_EXPIRY", time.Second),
		Thresholds: ChangeThresholds{
			Movement:   parseFloatOrDefault("MOVEMENT_THRESHOLD", 0.05),
			Confidence: parseFloatOrDefault("CONFIDENCE_THRESHOLD", 0.10),
		},
		CustomThreats: splitList(os.Getenv("CUSTOM_THREATS")),

		PublishTimeout:  parseDurationOrDefault("PUBLISH_TIMEOUT", 2*time.Second),
		PublishAttempts: parseIntOrDefault("PUBLISH_ATTEMPTS", 3),
		MergeAttempts:   parseIntOrDefault("KV_MERGE_ATTEMPTS", 5),
		FrameBuffer:     parseIntOrDefault("FRAME_BUFFER", 8),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Validate has already checked the mode
	config.Profile, _ = models.LookupProfile(config.DetectionMode)
	if minFrames := parseIntOrDefault("MIN_FRAMES", 0); minFrames > 0 {
		config.Profile.MinFrames = uint64(minFrames)
	}

	return config, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.OrganizationID == "" {
		return fmt.Errorf("CONSTELLATION_ORG_ID is required")
	}

	if len(c.EntityIDs) == 0 {
		return fmt.Errorf("CONSTELLATION_ENTITY_ID is required")
	}

	for _, id := range c.EntityIDs {
		if strings.ContainsAny(id, ".*> \t") {
			return fmt.Errorf("CONSTELLATION_ENTITY_ID %q is not a valid subject token", id)
		}
	}

	if c.NatsURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	switch c.KV.Backend {
	case BackendNATS, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("KV_BACKEND must be one of nats, redis, memory (got %q)", c.KV.Backend)
	}

	if _, err := models.LookupProfile(c.DetectionMode); err != nil {
		return fmt.Errorf("DETECTION_MODE: %w", err)
	}

	if c.TrackExpiry <= 0 {
		return fmt.Errorf("TRACK_EXPIRY must be positive")
	}

	if c.Thresholds.Movement < 0 || c.Thresholds.Movement > 1 {
		return fmt.Errorf("MOVEMENT_THRESHOLD must be between 0 and 1")
	}

	if c.Thresholds.Confidence < 0 || c.Thresholds.Confidence > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1")
	}

	if c.PublishAttempts < 1 || c.MergeAttempts < 1 {
		return fmt.Errorf("PUBLISH_ATTEMPTS and KV_MERGE_ATTEMPTS must be at least 1")
	}

	if c.FrameBuffer < 1 {
		return fmt.Errorf("FRAME_BUFFER must be at least 1")
	}

	return nil
}

// Helper functions
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
