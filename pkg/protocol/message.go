// Package protocol defines the media-stream WebSocket messages exchanged with
// the telephony provider during a live call. Inbound events carry the call
// handshake, stream start/stop, raw audio, transcripts, and mark
// acknowledgements; the single outbound event instructs the provider to speak
// text on the active stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the media-stream protocol version the relay speaks.
const Version = "1.0"

// EventType identifies the type of media-stream message.
type EventType string

const (
	// Provider → Relay events
	EventConnected  EventType = "connected"  // Handshake acknowledgement
	EventStart      EventType = "start"      // Media stream established
	EventMedia      EventType = "media"      // Audio payload
	EventTranscript EventType = "transcript" // Speech-to-text result
	EventMark       EventType = "mark"       // Named checkpoint acknowledgement
	EventStop       EventType = "stop"       // Media stream ended

	// Relay → Provider events
	EventSpeak EventType = "speak" // Synthesize and play text on the stream
)

// Message is the wire envelope for all media-stream messages. Exactly one of
// the payload fields is set, matching the Event tag.
type Message struct {
	Event          EventType       `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Start          *StartData      `json:"start,omitempty"`
	Media          *MediaData      `json:"media,omitempty"`
	Transcript     *TranscriptData `json:"transcript,omitempty"`
	Mark           *MarkData       `json:"mark,omitempty"`
	Stop           *StopData       `json:"stop,omitempty"`
	Speak          *SpeakData      `json:"speak,omitempty"`
}

// StartData announces the media stream leg. StreamSid is the handle every
// outbound speak must be addressed to. CustomParameters carries the routing
// tags set when the call was placed (agentId, campaignId, leadId).
type StartData struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`    // e.g. "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"`  // e.g. 8000
	Channels   int    `json:"channels"`    // 1 for telephony
}

// MediaData carries one chunk of call audio. The relay only samples these for
// diagnostics; the payload is never decoded.
type MediaData struct {
	Track     string `json:"track,omitempty"` // "inbound" or "outbound"
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 encoded audio
}

// TranscriptData is a speech-to-text result from the upstream recognizer.
// Partial transcripts (IsFinal false) are provisional and may be revised.
type TranscriptData struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// MarkData acknowledges a named checkpoint in the outbound audio.
type MarkData struct {
	Name string `json:"name"`
}

// StopData signals the end of the media leg.
type StopData struct {
	CallSid string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SpeakData instructs the provider to synthesize and play text.
type SpeakData struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// ParseMessage parses a JSON message from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// NewSpeakMessage creates an outbound speak event addressed to a stream.
func NewSpeakMessage(streamSid, text, voice string) *Message {
	return &Message{
		Event:     EventSpeak,
		StreamSid: streamSid,
		Speak: &SpeakData{
			Text:  text,
			Voice: voice,
		},
	}
}
