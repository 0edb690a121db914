// Package config provides environment-driven configuration for voxemy-relay.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Default relay configuration.
const (
	DefaultPort              = "8080"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultStoreTable        = "call_conversations"
	DefaultVoice             = "Polly.Camila"
	DefaultGreeting          = "Olá! Aqui é a assistente virtual da Voxemy. Como posso ajudar?"
	DefaultFallback          = "Desculpe, não consegui entender. Pode repetir, por favor?"
	DefaultMinTranscriptLen  = 3
	DefaultMinConfidence     = 0.7
	DefaultHistoryWindow     = 6
	DefaultCompletionTimeout = 8 * time.Second
	DefaultGreetingDelay     = 500 * time.Millisecond
)

// Config holds all settings for the relay process.
type Config struct {
	Port     string
	LogLevel string

	// Completion backend
	OpenAIKey   string
	OpenAIModel string

	// Persistence backend
	SupabaseURL string
	SupabaseKey string
	StoreTable  string

	// Conversation tuning
	Voice             string
	Greeting          string
	Fallback          string
	MinTranscriptLen  int
	MinConfidence     float64
	HistoryWindow     int
	CompletionTimeout time.Duration
	GreetingDelay     time.Duration
}

// Load reads configuration from the environment.
// A .env file in the working directory is loaded first if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:              getString("PORT", DefaultPort),
		LogLevel:          getString("LOG_LEVEL", "info"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getString("OPENAI_MODEL", DefaultOpenAIModel),
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseKey:       os.Getenv("SUPABASE_SERVICE_KEY"),
		StoreTable:        getString("STORE_TABLE", DefaultStoreTable),
		Voice:             getString("RELAY_VOICE", DefaultVoice),
		Greeting:          getString("RELAY_GREETING", DefaultGreeting),
		Fallback:          getString("RELAY_FALLBACK", DefaultFallback),
		MinTranscriptLen:  getInt("RELAY_MIN_TRANSCRIPT_LEN", DefaultMinTranscriptLen),
		MinConfidence:     getFloat("RELAY_MIN_CONFIDENCE", DefaultMinConfidence),
		HistoryWindow:     getInt("RELAY_HISTORY_WINDOW", DefaultHistoryWindow),
		CompletionTimeout: getDuration("RELAY_COMPLETION_TIMEOUT", DefaultCompletionTimeout),
		GreetingDelay:     getDuration("RELAY_GREETING_DELAY", DefaultGreetingDelay),
	}
}

// HasOpenAI reports whether a completion backend is configured.
func (c Config) HasOpenAI() bool {
	return c.OpenAIKey != ""
}

// HasStore reports whether a persistence backend is configured.
func (c Config) HasStore() bool {
	return c.SupabaseURL != "" && c.SupabaseKey != ""
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
