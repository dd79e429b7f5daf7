package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("chat: not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateInboundEvent inserts the event row, or re-reads the existing row
// when two deliveries race on the dedupe key. The second return value is
// false when the row already existed.
func (r *Repo) CreateInboundEvent(ctx context.Context, ev *InboundEvent) (*InboundEvent, bool, error) {
	err := r.db.WithContext(ctx).Create(ev).Error
	if err == nil {
		return ev, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("create inbound event: %w", err)
	}

	var existing InboundEvent
	if err := r.db.WithContext(ctx).Where("dedupe_key = ?", ev.DedupeKey).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("load existing event: %w", err)
	}
	return &existing, false, nil
}

func (r *Repo) MarkEventProcessed(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).
		Model(&InboundEvent{}).
		Where("id = ?", eventID).
		Update("processed", true).Error
}

func (r *Repo) EventExistsByDedupeKey(ctx context.Context, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&InboundEvent{}).
		Where("dedupe_key = ?", key).
		Count(&count).Error
	return count > 0, err
}

func (r *Repo) GetCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	var c Customer
	err := r.db.WithContext(ctx).Where("phone_e164 = ?", phone).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) CreateCustomer(ctx context.Context, c *Customer) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) UpdateCustomerName(ctx context.Context, customerID, name string) error {
	return r.db.WithContext(ctx).
		Model(&Customer{}).
		Where("id = ?", customerID).
		Update("name", name).Error
}

func (r *Repo) GetActiveSession(ctx context.Context, customerID, channel string) (*ChatSession, error) {
	var s ChatSession
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND channel = ? AND status = ?", customerID, channel, SessionStatusActive).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) CreateSession(ctx context.Context, s *ChatSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) CloseSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{"status": SessionStatusClosed, "closed_at": now}).Error
}

// TouchSession advances the activity timestamp and the expiry deadline.
func (r *Repo) TouchSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{"last_message_at": now, "expires_at": expiresAt}).Error
}

func (r *Repo) SetSummaryUpdatedAt(ctx context.Context, sessionID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("id = ?", sessionID).
		Update("summary_updated_at", at).Error
}

func (r *Repo) MessageExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ChatMessage{}).
		Where("external_message_id = ?", externalID).
		Count(&count).Error
	return count > 0, err
}

func (r *Repo) InsertMessage(ctx context.Context, m *ChatMessage) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	var m ChatMessage
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRecentMessages returns up to limit messages, newest first. Soft
// deleted rows are excluded by gorm.
func (r *Repo) ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sent_at DESC, created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *Repo) ListMessagesSince(ctx context.Context, sessionID string, since time.Time) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND sent_at > ?", sessionID, since).
		Order("sent_at ASC").
		Find(&msgs).Error
	return msgs, err
}

func (r *Repo) ListMessagesByIDs(ctx context.Context, ids []string) ([]ChatMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []ChatMessage
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error
	return msgs, err
}

// SoftDeleteMessagesBeyond prunes session history past the newest keep
// messages. The rows stay recallable through their embeddings.
func (r *Repo) SoftDeleteMessagesBeyond(ctx context.Context, sessionID string, keep int) (int64, error) {
	var keepIDs []string
	err := r.db.WithContext(ctx).
		Model(&ChatMessage{}).
		Where("session_id = ?", sessionID).
		Order("sent_at DESC, created_at DESC").
		Limit(keep).
		Pluck("id", &keepIDs).Error
	if err != nil {
		return 0, err
	}

	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if len(keepIDs) > 0 {
		q = q.Where("id NOT IN ?", keepIDs)
	}
	res := q.Delete(&ChatMessage{})
	return res.RowsAffected, res.Error
}

func (r *Repo) InsertSummary(ctx context.Context, s *SessionSummary) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var s SessionSummary
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStaleSummarySessions finds active sessions whose summary is older
// than their latest activity, or that have none yet.
func (r *Repo) ListStaleSummarySessions(ctx context.Context, limit int) ([]ChatSession, error) {
	var sessions []ChatSession
	err := r.db.WithContext(ctx).
		Where("status = ?", SessionStatusActive).
		Where("summary_updated_at IS NULL OR summary_updated_at < last_message_at").
		Order("last_message_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// ReplaceMessageEmbeddings swaps a message's chunk rows atomically so a
// re-index never leaves a partial mix of old and new chunks.
func (r *Repo) ReplaceMessageEmbeddings(ctx context.Context, messageID string, rows []MessageEmbedding) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", messageID).Delete(&MessageEmbedding{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *Repo) ListSessionEmbeddings(ctx context.Context, sessionID string) ([]MessageEmbedding, error) {
	var rows []MessageEmbedding
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Find(&rows).Error
	return rows, err
}

// isUniqueViolation matches the duplicate-key errors of the supported
// drivers without importing them here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed")
}
