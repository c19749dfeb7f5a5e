package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the signaling relay (cmd/signaling).
type ServerConfig struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClientConfig configures one call orchestrator (cmd/callclient).
type ClientConfig struct {
	// SignalingHost serves /ws/call/{roomId}/ and /api/calls/end/.
	SignalingHost string
	// InferenceHost serves the /ai captioning channel.
	InferenceHost string
	// Secure selects wss/https over ws/http.
	Secure     bool
	Token      string
	UserID     string
	ICEServers []string
	// OfferDelay is how long the present participant waits after
	// user_joined before creating the offer.
	OfferDelay time.Duration
	LogLevel   string
}

// Load reads the relay configuration from the environment.
func Load() *ServerConfig {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}
}

// LoadClient reads the orchestrator configuration from the environment.
// Command line flags are applied on top by the caller.
func LoadClient() *ClientConfig {
	ice := strings.Split(getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302"), ",")

	return &ClientConfig{
		SignalingHost: getEnv("SIGNALING_HOST", "localhost:8080"),
		InferenceHost: getEnv("INFERENCE_HOST", "localhost:8000"),
		Secure:        getEnv("SECURE", "false") == "true",
		Token:         getEnv("CALL_TOKEN", ""),
		UserID:        getEnv("CALL_USER_ID", ""),
		ICEServers:    ice,
		OfferDelay:    time.Duration(getEnvInt("OFFER_DELAY_MS", 1000)) * time.Millisecond,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

// WebSocketScheme returns ws or wss.
func (c *ClientConfig) WebSocketScheme() string {
	if c.Secure {
		return "wss"
	}
	return "ws"
}

// HTTPScheme returns http or https.
func (c *ClientConfig) HTTPScheme() string {
	if c.Secure {
		return "https"
	}
	return "http"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
