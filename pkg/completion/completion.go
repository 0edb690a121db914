// Package completion produces assistant reply text for a user utterance.
//
// The package wraps the external chat-completion API behind the Completer
// interface so call sessions can be tested with fakes. The OpenAI
// implementation enforces a hard latency budget and bounds every request to
// the windowed trailing history plus the new utterance; callers are expected
// to substitute a fallback utterance when Complete returns an error.
package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
)

// Completer generates the assistant's reply to an accepted user utterance.
// recentHistory is the windowed conversation so far, oldest first, not
// including the new utterance.
type Completer interface {
	Complete(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error)
}

// Defaults for the completion request. MaxTokens keeps replies speakable in a
// few seconds; the penalties reduce looping phrases in back-to-back turns.
const (
	DefaultModel            = "gpt-4o-mini"
	DefaultTimeout          = 8 * time.Second
	DefaultMaxTokens        = 120
	DefaultTemperature      = 0.7
	DefaultPresencePenalty  = 0.3
	DefaultFrequencyPenalty = 0.4
	DefaultHistoryWindow    = 6
)

// DefaultSystemPrompt establishes persona, brevity, and spoken language.
// It is prepended to every request before the history window.
const DefaultSystemPrompt = "Você é uma assistente virtual da Voxemy em uma ligação telefônica. " +
	"Responda sempre em português brasileiro, de forma natural e educada, " +
	"em no máximo 2 ou 3 frases curtas, adequadas para serem faladas em voz alta."

// Config holds completion client configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	SystemPrompt     string
	Temperature      float64
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64
	HistoryWindow    int

	Timeout time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring completion clients.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBaseURL overrides the default API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithSystemPrompt overrides the default system instruction.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithTimeout sets the hard latency budget for one completion call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithSampling sets temperature and repetition penalties.
func WithSampling(temperature, presencePenalty, frequencyPenalty float64) Option {
	return func(c *Config) {
		c.Temperature = temperature
		c.PresencePenalty = presencePenalty
		c.FrequencyPenalty = frequencyPenalty
	}
}

// WithMaxTokens bounds the reply length.
func WithMaxTokens(n int) Option {
	return func(c *Config) {
		c.MaxTokens = n
	}
}

// WithHistoryWindow bounds how many trailing history turns go upstream.
func WithHistoryWindow(n int) Option {
	return func(c *Config) {
		c.HistoryWindow = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Model:            DefaultModel,
		SystemPrompt:     DefaultSystemPrompt,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		PresencePenalty:  DefaultPresencePenalty,
		FrequencyPenalty: DefaultFrequencyPenalty,
		HistoryWindow:    DefaultHistoryWindow,
		Timeout:          DefaultTimeout,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
