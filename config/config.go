package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	AuthBackend    string // "jwt" or "static"
	StoreBackend   string // "memory" or "redis"
	LoginTimeout   time.Duration
	BusCapacity    int
	InboxCapacity  int
	Redis          RedisConfig
	Client         ClientConfig
	WebRTC         WebRTCConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type ClientConfig struct {
	ServerURL         string
	LoginTimeout      time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type WebRTCConfig struct {
	ICEServers []string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		AuthBackend:    getEnv("AUTH_BACKEND", "jwt"),
		StoreBackend:   getEnv("STORE_BACKEND", "memory"),
		LoginTimeout:   getDuration("LOGIN_TIMEOUT", 10*time.Second),
		BusCapacity:    getInt("BUS_CAPACITY", 100),
		InboxCapacity:  getInt("INBOX_CAPACITY", 100),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Client: ClientConfig{
			ServerURL:         getEnv("SERVER_URL", "ws://localhost:8080/ws/signal"),
			LoginTimeout:      getDuration("CLIENT_LOGIN_TIMEOUT", 10*time.Second),
			ReconnectAttempts: getInt("RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    getDuration("RECONNECT_DELAY", 2*time.Second),
		},
		WebRTC: WebRTCConfig{
			ICEServers: strings.Split(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302"), ","),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
