package history

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Delivery status of an outbound message. Inbound records leave it empty.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Message represents a single conversational message persisted in the store.
type Message struct {
	ID             int64     `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Identifier     string    `json:"identifier"`
	Role           Role      `json:"role"`
	Body           string    `json:"body"`
	DeliveryStatus string    `json:"delivery_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation summarizes the messages stored for one identifier.
type Conversation struct {
	TenantID     string    `json:"tenant_id"`
	Identifier   string    `json:"identifier"`
	Messages     int64     `json:"messages"`
	LastActivity time.Time `json:"last_activity"`
}
