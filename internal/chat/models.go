package chat

import (
	"time"

	"gorm.io/gorm"
)

// InboundEvent is the durable record of every accepted webhook delivery.
// DedupeKey carries the unique index that backs cross-restart idempotency.
type InboundEvent struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	EventType  string `gorm:"type:varchar(32);index"`
	DedupeKey  string `gorm:"type:varchar(255);uniqueIndex"`
	PhoneE164  string `gorm:"type:varchar(32);index"`
	Payload    string `gorm:"type:text"`
	Processed  bool   `gorm:"index"`
	ReceivedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Customer struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	PhoneE164 string `gorm:"type:varchar(32);uniqueIndex"`
	Name      string `gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// ChannelWhatsApp is the only messaging channel served today; sessions
// still carry the column so a customer can hold one active session per
// channel.
const ChannelWhatsApp = "whatsapp"

// ChatSession groups a customer's messages. IDs are ULIDs so sessions sort
// by creation time.
type ChatSession struct {
	ID               string `gorm:"type:varchar(26);primaryKey"`
	CustomerID       string `gorm:"type:varchar(36);index"`
	Channel          string `gorm:"type:varchar(32);index"`
	Status           string `gorm:"type:varchar(16);index"`
	LastMessageAt    time.Time
	ExpiresAt        time.Time `gorm:"index"`
	SummaryUpdatedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

// ChatMessage rows are soft deleted when a session's history is pruned past
// the context window; embeddings keep referencing them by ID.
// MediaURL starts as the platform link from the payload; once the worker
// downloads the attachment it points at the stored object, and the media
// cleaner blanks both fields when the attachment expires.
type ChatMessage struct {
	ID                string  `gorm:"type:varchar(36);primaryKey"`
	SessionID         string  `gorm:"type:varchar(26);index"`
	CustomerID        string  `gorm:"type:varchar(36);index"`
	Direction         string  `gorm:"type:varchar(16)"`
	MessageType       string  `gorm:"type:varchar(32)"`
	Body              string  `gorm:"type:text"`
	ExternalMessageID *string `gorm:"type:varchar(128);uniqueIndex"`
	MediaURL          string  `gorm:"column:media_url;type:varchar(1024)"`
	MediaMIMEType     string  `gorm:"column:media_mime_type;type:varchar(128)"`
	Payload           string  `gorm:"type:text"`
	SentAt            time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

type SessionSummary struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	SessionID    string `gorm:"type:varchar(26);index"`
	Content      string `gorm:"type:text"`
	MessageCount int
	CreatedAt    time.Time
}

// MessageEmbedding stores one chunk vector per row. Vector is the
// JSON-encoded []float32 since MySQL has no native vector column.
type MessageEmbedding struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	SessionID  string `gorm:"type:varchar(26);index"`
	MessageID  string `gorm:"type:varchar(36);uniqueIndex:idx_embeddings_message_chunk"`
	ChunkIndex int    `gorm:"uniqueIndex:idx_embeddings_message_chunk"`
	ChunkText  string `gorm:"type:text"`
	Vector     string `gorm:"type:text"`
	CreatedAt  time.Time
}

// AllModels is the migration set for cmd/server.
func AllModels() []any {
	return []any{
		&InboundEvent{},
		&Customer{},
		&ChatSession{},
		&ChatMessage{},
		&SessionSummary{},
		&MessageEmbedding{},
	}
}
