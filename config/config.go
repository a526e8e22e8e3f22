package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Server
	ServerPort string

	// Database; empty disables persistence
	DatabaseURL   string
	TaskRetention time.Duration

	// Storage
	StorageRoot          string
	StorageSweepInterval time.Duration

	// Model services
	DetectionURL    string
	SegmentationURL string
	TTSURL          string
	MixerURL        string

	// Remote render service
	RenderURL          string
	RenderAPIKey       string
	RenderPollInterval time.Duration
	RenderBudget       time.Duration

	// GPU resource class ceilings
	DetectionSlots    int
	SegmentationSlots int

	// Pipeline
	StageTimeout time.Duration

	// Progress
	HeartbeatInterval time.Duration
	EventRetention    time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ServerPort:           getEnv("SERVER_PORT", "8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		TaskRetention:        getEnvDuration("TASK_RETENTION", 30*24*time.Hour),
		StorageRoot:          getEnv("STORAGE_ROOT", "data"),
		StorageSweepInterval: getEnvDuration("STORAGE_SWEEP_INTERVAL", 10*time.Minute),
		DetectionURL:         getEnv("DETECTION_URL", "http://localhost:9001"),
		SegmentationURL:      getEnv("SEGMENTATION_URL", "http://localhost:9002"),
		TTSURL:               getEnv("TTS_URL", "http://localhost:9003"),
		MixerURL:             getEnv("MIXER_URL", "http://localhost:9004"),
		RenderURL:            getEnv("RENDER_URL", "https://render.example.com"),
		RenderAPIKey:         getEnv("RENDER_API_KEY", ""),
		RenderPollInterval:   getEnvDuration("RENDER_POLL_INTERVAL", 5*time.Second),
		RenderBudget:         getEnvDuration("RENDER_BUDGET", 5*time.Minute),
		DetectionSlots:       getEnvInt("DETECTION_SLOTS", 2),
		SegmentationSlots:    getEnvInt("SEGMENTATION_SLOTS", 1),
		StageTimeout:         getEnvDuration("STAGE_TIMEOUT", 60*time.Second),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		EventRetention:       getEnvDuration("EVENT_RETENTION", time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
