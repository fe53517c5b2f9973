package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Storage paths
	ResultsDir string
	InputsDir  string

	// Job record store backend: "file" or "mongo"
	StoreBackend  string
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// Task queue
	QueueName   string
	QueueDBPath string

	// Job lifecycle
	JobTTL     time.Duration
	JobTimeout time.Duration

	// Worker process
	WorkerCount        int
	WorkerPollInterval time.Duration
	CleanupSchedule    string

	// HTTP server
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	MaxUploadBytes   int64

	// Logging
	LogLevel  string
	LogFormat string

	// CORS
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int
}

// Load reads configuration from the environment (and an optional .env file)
// with sensible defaults
func Load() *Config {
	// Missing .env is fine; real environment always wins.
	_ = godotenv.Load()

	return &Config{
		// Storage
		ResultsDir: getEnv("RESULTS_DIR", "/tmp/mriserve/results"),
		InputsDir:  getEnv("INPUTS_DIR", "/tmp/mriserve/inputs"),

		// Record store
		StoreBackend:  getEnv("STORE_BACKEND", "file"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/mriserve"),
		MongoDatabase: getEnv("MONGO_DATABASE", "mriserve"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// Queue
		QueueName:   getEnv("QUEUE_NAME", "mriserve"),
		QueueDBPath: getEnv("QUEUE_DB_PATH", "/tmp/mriserve/queue/tasks.db"),

		// Job lifecycle
		JobTTL:     getDurationEnv("JOB_TTL_SEC", 72*60*60) * time.Second,
		JobTimeout: getDurationEnv("JOB_TIMEOUT_SEC", 60*60) * time.Second,

		// Worker
		WorkerCount:        getIntEnv("WORKER_COUNT", 2),
		WorkerPollInterval: getDurationEnv("WORKER_POLL_INTERVAL_MS", 500) * time.Millisecond,
		CleanupSchedule:    getEnv("CLEANUP_SCHEDULE", "@every 1h"),

		// HTTP
		HTTPPort:         getEnv("HTTP_PORT", "8000"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 300) * time.Second,
		MaxUploadBytes:   int64(getIntEnv("MAX_UPLOAD_MB", 512)) << 20,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, DELETE, OPTIONS"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
