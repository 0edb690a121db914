package relay

import (
	"log/slog"

	"github.com/hiagoragazini/voxemy-relay/pkg/protocol"
)

// MessageWriter writes one protocol message down a call's connection.
// Implementations must be safe for concurrent use.
type MessageWriter interface {
	WriteMessage(msg *protocol.Message) error
}

// Dispatcher turns finalized assistant text into speak events on the call's
// media stream. Dispatching without an established stream handle is a normal
// condition right after connect: it logs and does nothing.
type Dispatcher struct {
	writer MessageWriter
	voice  string
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher bound to one connection.
func NewDispatcher(writer MessageWriter, voice string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		writer: writer,
		voice:  voice,
		logger: logger,
	}
}

// Speak emits exactly one speak event addressed to streamSid and reports
// whether it was emitted. It never returns an error to the caller: a missing
// stream handle or a dead connection is logged and swallowed so the session
// keeps running.
func (d *Dispatcher) Speak(streamSid, text string) bool {
	if text == "" {
		return false
	}
	if streamSid == "" {
		d.logger.Debug("speak skipped, no stream handle yet")
		return false
	}

	msg := protocol.NewSpeakMessage(streamSid, text, d.voice)
	if err := d.writer.WriteMessage(msg); err != nil {
		d.logger.Warn("speak write failed", "stream_sid", streamSid, "error", err)
		return false
	}
	return true
}
