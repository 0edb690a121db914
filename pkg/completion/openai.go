package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hiagoragazini/voxemy-relay/internal/httpc"
	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
)

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// OpenAI implements Completer using the OpenAI chat completions API.
type OpenAI struct {
	config  *Config
	client  *http.Client
	baseURL string
}

// NewOpenAI creates a new OpenAI completion client.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAIChatURL
	}

	return &OpenAI{
		config:  cfg,
		client:  httpc.NewClient(cfg.Timeout),
		baseURL: baseURL,
	}, nil
}

// chatMessage is one entry in the outbound messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the outbound completion request body.
type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
}

// chatResponse is the subset of the API response the relay relies on.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the system prompt, the windowed history, and the new
// utterance, and returns the model's reply text. The call is bounded by the
// configured timeout; timeouts, non-2xx responses, and empty replies all
// surface as errors for the caller to substitute a fallback utterance.
func (o *OpenAI) Complete(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	// The caller already windows the history, but the request budget is
	// enforced here too so no path can ship an unbounded prompt.
	if n := o.config.HistoryWindow; n > 0 && len(recentHistory) > n {
		recentHistory = recentHistory[len(recentHistory)-n:]
	}

	messages := make([]chatMessage, 0, len(recentHistory)+2)
	messages = append(messages, chatMessage{Role: "system", Content: o.config.SystemPrompt})
	for _, turn := range recentHistory {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: utterance})

	body, err := json.Marshal(chatRequest{
		Model:            o.config.Model,
		Messages:         messages,
		MaxTokens:        o.config.MaxTokens,
		Temperature:      o.config.Temperature,
		PresencePenalty:  o.config.PresencePenalty,
		FrequencyPenalty: o.config.FrequencyPenalty,
	})
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", o.parseError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("completion: decode response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyCompletion
	}

	o.config.Logger.Debug("completion produced",
		"call_id", callID,
		"history_turns", len(recentHistory),
		"reply_chars", len(reply),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	return reply, nil
}

// Close releases resources.
func (o *OpenAI) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// parseError reads and parses an error response.
func (o *OpenAI) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	// Try to parse JSON error
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Code
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
	}
}

// Verify OpenAI implements Completer at compile time.
var _ Completer = (*OpenAI)(nil)
