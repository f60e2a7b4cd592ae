package intake

import (
	"context"
	"time"

	"github.com/comigor/wa-responder/internal/history"
)

// Event is one inbound chat event as delivered by a transport.
type Event struct {
	Source    string    `json:"source"`
	Kind      string    `json:"type"`
	From      string    `json:"from"`
	MessageID string    `json:"id"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"from_me"`
	IsGroup   bool      `json:"is_group"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
}

// KindChat is the only event kind that is answered.
const KindChat = "chat"

// mediaKinds are logged with their caption as body but never answered.
var mediaKinds = map[string]bool{
	"image":       true,
	"video":       true,
	"audio":       true,
	"ptt":         true,
	"document":    true,
	"sticker":     true,
	"location":    true,
	"vcard":       true,
	"multi_vcard": true,
}

// Loggable reports whether events of kind are stored. Notifications, revocations and
// status updates are not.
func Loggable(kind string) bool {
	return kind == KindChat || mediaKinds[kind]
}

// Outcome records how far an event got through the pipeline.
type Outcome struct {
	EventID    string
	State      State
	Identifier string
	Reply      string
	// Delivered is false when a reply was attempted and the send failed.
	Delivered bool
}

// Store is the subset of the conversation store used by the pipeline.
type Store interface {
	Append(ctx context.Context, msg history.Message) (history.Message, error)
	History(ctx context.Context, tenantID, identifier string, limit int) ([]history.Message, error)
}

type Deduper interface {
	Accept(ctx context.Context, identifier, messageID, body string) bool
}

// Replier produces the reply for body; "" means no reply.
type Replier interface {
	Reply(ctx context.Context, body string, turns []history.Message) (string, error)
}

type Sender interface {
	SendText(ctx context.Context, to, text string) error
}
