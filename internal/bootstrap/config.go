package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QdrantHost   string
	QdrantPort   int
	QdrantAPIKey string

	LiveKitHost      string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitPublicURL string

	LLMBaseURL        string
	LLMAPIKey         string
	LLMEmbeddingModel string

	STTAddress   string
	TTSAddress   string
	SidecarToken string

	KnowledgeCollection string
	KnowledgeCacheSize  int

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	WatchdogInterval time.Duration
	TurnTimeout      time.Duration
	FailureThreshold int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// Empty host disables knowledge retrieval entirely.
		QdrantHost:   getEnv("QDRANT_HOST", ""),
		QdrantPort:   getEnvInt("QDRANT_PORT", 6334),
		QdrantAPIKey: getEnv("QDRANT_API_KEY", ""),

		LiveKitHost:      getEnv("LIVEKIT_HOST", "http://localhost:7880"),
		LiveKitAPIKey:    getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getEnv("LIVEKIT_API_SECRET", ""),
		LiveKitPublicURL: getEnv("LIVEKIT_PUBLIC_URL", ""),

		LLMBaseURL:        getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:         getEnv("LLM_API_KEY", ""),
		LLMEmbeddingModel: getEnv("LLM_EMBEDDING_MODEL", "text-embedding-3-small"),

		// The recognizer is dialed over websocket, the synthesizer over
		// plain HTTP; both addresses need their scheme.
		STTAddress:   getEnv("STT_ADDRESS", "ws://localhost:50052"),
		TTSAddress:   getEnv("TTS_ADDRESS", "http://localhost:50053"),
		SidecarToken: getEnv("SIDECAR_TOKEN", ""),

		KnowledgeCollection: getEnv("KNOWLEDGE_COLLECTION", "agent_documents"),
		KnowledgeCacheSize:  getEnvInt("KNOWLEDGE_CACHE_SIZE", 1024),

		HeartbeatTimeout: getEnvDuration("WORKER_HEARTBEAT_TIMEOUT", 30*time.Second),
		SweepInterval:    getEnvDuration("WORKER_SWEEP_INTERVAL", 10*time.Second),
		WatchdogInterval: getEnvDuration("SESSION_WATCHDOG_INTERVAL", 15*time.Second),
		TurnTimeout:      getEnvDuration("TURN_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvInt("TURN_FAILURE_THRESHOLD", 3),
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
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
