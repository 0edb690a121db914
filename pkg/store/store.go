// Package store persists the conversation record of each call, keyed by call
// identifier. The live relay only ever writes: per-turn writes are
// fire-and-forget and a failed write never disturbs the ongoing call, so
// durability is best-effort by design. Reads happen elsewhere (dashboard),
// never here.
package store

import (
	"context"
	"time"

	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
)

// Status is the lifecycle tag of a persisted conversation.
type Status string

const (
	// StatusConnected marks a call whose connection handshake completed.
	StatusConnected Status = "connected"

	// StatusActive marks a call with an established media stream.
	StatusActive Status = "active"

	// StatusCompleted marks a finished call with its final history.
	StatusCompleted Status = "completed"
)

// Record is the durable mirror of one call's conversation.
type Record struct {
	CallID     string       `json:"call_id"`
	Status     Status       `json:"status"`
	History    []convo.Turn `json:"history"`
	AgentID    string       `json:"agent_id,omitempty"`
	CampaignID string       `json:"campaign_id,omitempty"`
	LeadID     string       `json:"lead_id,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ConversationStore is the keyed upsert capability the relay writes through.
// Each call only ever writes its own key, so implementations need no
// cross-call coordination.
type ConversationStore interface {
	// Write upserts the record for callID.
	Write(ctx context.Context, callID string, rec Record) error
}
