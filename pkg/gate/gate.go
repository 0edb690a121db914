// Package gate decides whether an incoming speech-to-text result constitutes
// a finalized user utterance worth replying to. Partial transcripts, noise
// artifacts, retransmitted duplicates, and low-confidence recognition are all
// filtered here so the rest of the pipeline only ever sees accepted
// utterances.
package gate

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Default thresholds, tuned for telephone-quality speech recognition.
const (
	DefaultMinLength     = 3
	DefaultMinConfidence = 0.7
)

// Reason explains why a transcript was rejected.
type Reason string

const (
	ReasonAccepted      Reason = "accepted"
	ReasonPartial       Reason = "partial"
	ReasonTooShort      Reason = "too_short"
	ReasonDuplicate     Reason = "duplicate"
	ReasonLowConfidence Reason = "low_confidence"
)

// Config holds gate thresholds.
type Config struct {
	// MinLength is the minimum trimmed utterance length in characters.
	MinLength int

	// MinConfidence is the minimum recognizer confidence in [0,1].
	MinConfidence float64
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		MinLength:     DefaultMinLength,
		MinConfidence: DefaultMinConfidence,
	}
}

// Gate filters transcripts for one call session. It remembers the last
// accepted utterance to suppress protocol retransmissions. Safe for
// concurrent use.
type Gate struct {
	cfg Config

	mu   sync.Mutex
	last string
}

// New creates a gate with the given config. Zero-valued thresholds fall back
// to the shipped defaults.
func New(cfg Config) *Gate {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	return &Gate{cfg: cfg}
}

// Evaluate applies the gate rules in order and returns the trimmed utterance
// and whether it should trigger a reply. On acceptance the utterance becomes
// the new duplicate-suppression reference.
//
// Rules: final transcripts only, trimmed length >= MinLength, not identical
// to the immediately preceding accepted utterance, confidence >= MinConfidence.
func (g *Gate) Evaluate(text string, confidence float64, isFinal bool) (string, Reason) {
	if !isFinal {
		return "", ReasonPartial
	}

	// Length is counted in runes, not bytes: accented pt-BR fillers like
	// "né" are still two characters.
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < g.cfg.MinLength {
		return "", ReasonTooShort
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if trimmed == g.last {
		return "", ReasonDuplicate
	}

	if confidence < g.cfg.MinConfidence {
		return "", ReasonLowConfidence
	}

	g.last = trimmed
	return trimmed, ReasonAccepted
}

// LastUtterance returns the most recently accepted utterance.
func (g *Gate) LastUtterance() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
