package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	ListenAddr     string
	Port           int
	BackendHost    string
	BackendPort    int
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxSessions    int
	SessionTimeout time.Duration
	AllowedOrigins []string
	RedisURL       string
	RedisPassword  string
	LLMURL         string
	MemoryURL      string
	MemoryChannel  string
}

// Load reads configuration from environment variables with defaults
func Load() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		ListenAddr:     "",
		Port:           8080,
		BackendHost:    "localhost",
		BackendPort:    9100,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PingTimeout:    60 * time.Second,
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		AllowedOrigins: []string{"*"},
		RedisURL:       "localhost:6379",
		RedisPassword:  "",
		LLMURL:         "http://localhost:8001/generate",
		MemoryURL:      "http://localhost:8002/memory",
		MemoryChannel:  "memory_updates",
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	if host := os.Getenv("BACKEND_HOST"); host != "" {
		config.BackendHost = host
	}

	if port := os.Getenv("BACKEND_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKEND_PORT: %w", err)
		}
		config.BackendPort = p
	}

	// Optional: CONNECT_TIMEOUT (in seconds)
	if timeout := os.Getenv("CONNECT_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid CONNECT_TIMEOUT: %w", err)
		}
		config.ConnectTimeout = time.Duration(t) * time.Second
	}

	// Optional: PING_INTERVAL (in seconds)
	if interval := os.Getenv("PING_INTERVAL"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid PING_INTERVAL: %w", err)
		}
		config.PingInterval = time.Duration(i) * time.Second
	}

	// Optional: PING_TIMEOUT (in seconds)
	if timeout := os.Getenv("PING_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PING_TIMEOUT: %w", err)
		}
		config.PingTimeout = time.Duration(t) * time.Second
	}

	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		m, err := strconv.Atoi(maxSessions)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_SESSIONS: %w", err)
		}
		config.MaxSessions = m
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if timeout := os.Getenv("SESSION_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TIMEOUT: %w", err)
		}
		config.SessionTimeout = time.Duration(t) * time.Minute
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	if llmURL := os.Getenv("LLM_URL"); llmURL != "" {
		config.LLMURL = llmURL
	}

	if memoryURL := os.Getenv("MEMORY_URL"); memoryURL != "" {
		config.MemoryURL = memoryURL
	}

	if channel := os.Getenv("MEMORY_CHANNEL"); channel != "" {
		config.MemoryChannel = channel
	}

	return config, nil
}
