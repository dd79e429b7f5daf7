// Package media downloads, stores, and expires message attachments.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/parcelo/parcelobot/internal/chat"
)

// ErrDisabled marks media handling switched off by configuration.
var ErrDisabled = errors.New("media: downloads disabled")

const maxDownloadBytes = 64 << 20

// Resolver turns a platform media ID into a fetchable URL.
type Resolver interface {
	MediaURL(ctx context.Context, mediaID string) (string, error)
}

type Service struct {
	db       *gorm.DB
	resolver Resolver
	client   *http.Client
	log      *logrus.Logger

	enabled    bool
	storageDir string
	retention  time.Duration
}

func NewService(db *gorm.DB, resolver Resolver, log *logrus.Logger, enabled bool, storageDir string, retentionDays int) *Service {
	return &Service{
		db:         db,
		resolver:   resolver,
		client:     &http.Client{Timeout: 60 * time.Second},
		log:        log,
		enabled:    enabled,
		storageDir: storageDir,
		retention:  time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Download fetches the attachment, writes it under the storage dir, and
// records the ChatMedia row with its retention expiry.
func (s *Service) Download(ctx context.Context, messageID, mediaID, mimeType string) (*ChatMedia, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}

	url, err := s.resolver.MediaURL(ctx, mediaID)
	if err != nil {
		return nil, fmt.Errorf("resolve media url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	path := filepath.Join(s.storageDir, id+extensionFor(mimeType))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(resp.Body, maxDownloadBytes))
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write media: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, closeErr
	}

	now := time.Now().UTC()
	m := &ChatMedia{
		ID:           id,
		MessageID:    messageID,
		WaMediaID:    mediaID,
		MIMEType:     mimeType,
		StoragePath:  path,
		SizeBytes:    size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		DownloadedAt: now,
		ExpiresAt:    now.Add(s.retention),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("record media: %w", err)
	}

	// point the owning message at the stored object; the platform link it
	// arrived with expires quickly
	err = s.db.WithContext(ctx).
		Model(&chat.ChatMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{"media_url": path, "media_mime_type": mimeType}).Error
	if err != nil {
		s.log.WithError(err).WithField("message_id", messageID).Warn("update message media fields failed")
	}
	return m, nil
}

func (s *Service) SetCaption(ctx context.Context, mediaID, caption string) error {
	return s.db.WithContext(ctx).
		Model(&ChatMedia{}).
		Where("id = ?", mediaID).
		Update("caption", caption).Error
}

// Captioner turns raw attachment bytes into a short description.
type Captioner interface {
	Describe(ctx context.Context, mimeType string, data []byte) (string, error)
}

// ProcessCaption captions an image attachment and stores the result. When
// the message arrived without text the caption becomes its body, so the
// conversation history and embeddings can see what the customer sent.
func (s *Service) ProcessCaption(ctx context.Context, captioner Captioner, m *ChatMedia) (string, error) {
	data, err := os.ReadFile(m.StoragePath)
	if err != nil {
		return "", fmt.Errorf("read media object: %w", err)
	}
	caption, err := captioner.Describe(ctx, m.MIMEType, data)
	if err != nil {
		return "", fmt.Errorf("caption media: %w", err)
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return "", nil
	}
	if err := s.SetCaption(ctx, m.ID, caption); err != nil {
		return "", fmt.Errorf("store caption: %w", err)
	}
	err = s.db.WithContext(ctx).
		Model(&chat.ChatMessage{}).
		Where("id = ? AND (body = '' OR body IS NULL)", m.MessageID).
		Update("body", "[image] "+caption).Error
	if err != nil {
		return "", fmt.Errorf("update message body: %w", err)
	}
	return caption, nil
}

// CleanupExpired deletes a bounded batch of expired attachments, object
// first then row. Returns deleted and failed counts.
func (s *Service) CleanupExpired(ctx context.Context, batchSize int) (deleted, failed int, err error) {
	if !s.enabled {
		return 0, 0, ErrDisabled
	}

	var rows []ChatMedia
	err = s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now().UTC()).
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return 0, 0, fmt.Errorf("list expired media: %w", err)
	}

	for _, row := range rows {
		if rerr := os.Remove(row.StoragePath); rerr != nil && !os.IsNotExist(rerr) {
			s.log.WithError(rerr).WithField("media_id", row.ID).Warn("remove media object failed")
			failed++
			continue
		}
		if derr := s.db.WithContext(ctx).Delete(&ChatMedia{}, "id = ?", row.ID).Error; derr != nil {
			s.log.WithError(derr).WithField("media_id", row.ID).Warn("delete media row failed")
			failed++
			continue
		}
		uerr := s.db.WithContext(ctx).
			Model(&chat.ChatMessage{}).
			Where("id = ?", row.MessageID).
			Updates(map[string]any{"media_url": "", "media_mime_type": ""}).Error
		if uerr != nil {
			s.log.WithError(uerr).WithField("message_id", row.MessageID).Warn("clear message media fields failed")
		}
		deleted++
	}
	return deleted, failed, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
