package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hiagoragazini/voxemy-relay/internal/httpc"
)

// Default settings for the hosted store.
const (
	DefaultTable   = "call_conversations"
	DefaultTimeout = 5 * time.Second
)

// ErrNoCredentials is returned when the store URL or service key is missing.
var ErrNoCredentials = errors.New("store: URL and service key required")

// Config holds Supabase store configuration.
type Config struct {
	// URL is the project base URL (https://<project>.supabase.co).
	URL string

	// Key is the service-role API key.
	Key string

	// Table is the conversations table name.
	Table string

	// Timeout bounds one write call.
	Timeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.URL == "" || c.Key == "" {
		return ErrNoCredentials
	}
	return nil
}

// Supabase implements ConversationStore against the hosted REST interface,
// using keyed upserts on call_id.
type Supabase struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewSupabase creates a new Supabase-backed store.
func NewSupabase(cfg Config) (*Supabase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Supabase{
		cfg:    cfg,
		client: httpc.NewClient(cfg.Timeout),
		logger: cfg.Logger.With("component", "store.supabase"),
	}, nil
}

// Write upserts the record for callID.
func (s *Supabase) Write(ctx context.Context, callID string, rec Record) error {
	rec.CallID = callID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	body, err := json.Marshal([]Record{rec})
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	url := fmt.Sprintf("%s/rest/v1/%s?on_conflict=call_id", s.cfg.URL, s.cfg.Table)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("store: create request: %w", err)
	}

	req.Header.Set("apikey", s.cfg.Key)
	req.Header.Set("Authorization", "Bearer "+s.cfg.Key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store: upsert failed with status %d: %s", resp.StatusCode, msg)
	}

	s.logger.Debug("record written",
		"call_id", callID,
		"status", rec.Status,
		"turns", len(rec.History),
	)

	return nil
}

// Close releases resources.
func (s *Supabase) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Verify Supabase implements ConversationStore at compile time.
var _ ConversationStore = (*Supabase)(nil)
