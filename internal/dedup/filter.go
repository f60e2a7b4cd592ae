// Package dedup suppresses repeated processing of the same logical message.
//
// Two independent failure modes are guarded: the transport redelivering the same event
// (caught by message id within a TTL window) and the contact resending identical text
// (caught by comparing with the last accepted body for that contact). The state is
// process-local and lost on restart unless the seen-id set is backed by Redis.
package dedup

import (
	"context"
	"strings"
	"sync"

	"github.com/comigor/wa-responder/internal/logger"
	"github.com/comigor/wa-responder/internal/metrics"
)

// SeenSet records transport message ids for a fixed time-to-live.
type SeenSet interface {
	// MarkSeen records id and reports whether it was absent.
	MarkSeen(ctx context.Context, id string) (bool, error)
}

// Filter decides whether an inbound message should be processed.
type Filter struct {
	seen SeenSet

	mu       sync.Mutex
	lastText map[string]string
}

func NewFilter(seen SeenSet) *Filter {
	return &Filter{
		seen:     seen,
		lastText: make(map[string]string),
	}
}

// Accept returns true when the message should be processed and false when it repeats a
// message id seen within the window or the previous text from the same identifier.
// The seen-id check runs outside the filter's lock since the set is atomic on its own
// and may be a network call.
func (f *Filter) Accept(ctx context.Context, identifier, messageID, body string) bool {
	if messageID != "" && f.seen != nil {
		fresh, err := f.seen.MarkSeen(ctx, messageID)
		if err != nil {
			logger.L.Warn("seen-id check failed, accepting", "identifier", identifier, "message_id", messageID, "error", err)
		} else if !fresh {
			logger.L.Info("redelivered message ignored", "identifier", identifier, "message_id", messageID)
			metrics.EventsDropped.WithLabelValues("redelivered").Inc()
			return false
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	text := fold(body)
	if text != "" && f.lastText[identifier] == text {
		logger.L.Info("repeated message ignored", "identifier", identifier)
		metrics.EventsDropped.WithLabelValues("repeated_text").Inc()
		return false
	}
	f.lastText[identifier] = text
	return true
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
