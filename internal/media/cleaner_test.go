package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/parcelo/parcelobot/internal/chat"
)

type fakeResolver struct {
	url string
}

func (f *fakeResolver) MediaURL(context.Context, string) (string, error) {
	return f.url, nil
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ChatMedia{}, &chat.ChatMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedMessage(t *testing.T, db *gorm.DB, id, body string) {
	t.Helper()
	m := &chat.ChatMessage{
		ID:          id,
		SessionID:   "01HZXAMPLE0000000000000000",
		Direction:   chat.DirectionInbound,
		MessageType: "image",
		Body:        body,
		SentAt:      time.Now().UTC(),
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestDownloadRecordsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("fake image bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	db := newTestDB(t)
	svc := NewService(db, &fakeResolver{url: srv.URL}, quietLog(), true, dir, 30)
	seedMessage(t, db, "msg-1", "")

	m, err := svc.Download(context.Background(), "msg-1", "media-1", "image/jpeg")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if m.SizeBytes != int64(len("fake image bytes")) {
		t.Fatalf("size: got %d", m.SizeBytes)
	}
	if m.Checksum == "" {
		t.Fatal("checksum missing")
	}
	if filepath.Ext(m.StoragePath) != ".jpg" {
		t.Fatalf("extension: got %s", m.StoragePath)
	}
	if _, err := os.Stat(m.StoragePath); err != nil {
		t.Fatalf("object missing: %v", err)
	}
	if !m.ExpiresAt.After(time.Now().UTC().Add(29 * 24 * time.Hour)) {
		t.Fatalf("retention expiry too soon: %v", m.ExpiresAt)
	}

	// the owning message now points at the stored object
	var msg chat.ChatMessage
	if err := db.First(&msg, "id = ?", "msg-1").Error; err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if msg.MediaURL != m.StoragePath || msg.MediaMIMEType != "image/jpeg" {
		t.Fatalf("message media fields not updated: url=%q mime=%q", msg.MediaURL, msg.MediaMIMEType)
	}
}

type fakeCaptioner struct {
	caption string
	calls   int
}

func (f *fakeCaptioner) Describe(_ context.Context, _ string, _ []byte) (string, error) {
	f.calls++
	return f.caption, nil
}

func TestProcessCaptionFillsEmptyBody(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	svc := NewService(db, &fakeResolver{}, quietLog(), true, dir, 30)
	ctx := context.Background()

	path := filepath.Join(dir, "pic.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	seedMessage(t, db, "msg-cap", "")
	m := &ChatMedia{ID: uuid.NewString(), MessageID: "msg-cap", MIMEType: "image/jpeg", StoragePath: path}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed media: %v", err)
	}

	captioner := &fakeCaptioner{caption: "a red blender on a kitchen counter"}
	caption, err := svc.ProcessCaption(ctx, captioner, m)
	if err != nil {
		t.Fatalf("process caption: %v", err)
	}
	if caption != captioner.caption {
		t.Fatalf("unexpected caption: %q", caption)
	}

	var stored ChatMedia
	if err := db.First(&stored, "id = ?", m.ID).Error; err != nil {
		t.Fatalf("reload media: %v", err)
	}
	if stored.Caption != captioner.caption {
		t.Fatalf("caption not stored: %q", stored.Caption)
	}
	var msg chat.ChatMessage
	if err := db.First(&msg, "id = ?", "msg-cap").Error; err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if msg.Body != "[image] "+captioner.caption {
		t.Fatalf("empty body should take the caption, got %q", msg.Body)
	}
}

func TestProcessCaptionKeepsExistingBody(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	svc := NewService(db, &fakeResolver{}, quietLog(), true, dir, 30)

	path := filepath.Join(dir, "pic2.jpg")
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	seedMessage(t, db, "msg-text", "look at this")
	m := &ChatMedia{ID: uuid.NewString(), MessageID: "msg-text", MIMEType: "image/jpeg", StoragePath: path}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed media: %v", err)
	}

	if _, err := svc.ProcessCaption(context.Background(), &fakeCaptioner{caption: "a parcel"}, m); err != nil {
		t.Fatalf("process caption: %v", err)
	}
	var msg chat.ChatMessage
	if err := db.First(&msg, "id = ?", "msg-text").Error; err != nil {
		t.Fatalf("reload message: %v", err)
	}
	if msg.Body != "look at this" {
		t.Fatalf("the customer's own text must survive, got %q", msg.Body)
	}
}

func TestDownloadDisabled(t *testing.T) {
	svc := NewService(newTestDB(t), &fakeResolver{}, quietLog(), false, t.TempDir(), 30)
	if _, err := svc.Download(context.Background(), "m", "x", "image/png"); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestCleanupExpiredDeletesObjectAndRow(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	svc := NewService(db, &fakeResolver{}, quietLog(), true, dir, 30)
	ctx := context.Background()

	expiredPath := filepath.Join(dir, "expired.bin")
	if err := os.WriteFile(expiredPath, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	rows := []ChatMedia{
		{ID: uuid.NewString(), MessageID: "m1", StoragePath: expiredPath, ExpiresAt: time.Now().UTC().Add(-time.Hour)},
		{ID: uuid.NewString(), MessageID: "m2", StoragePath: filepath.Join(dir, "fresh.bin"), ExpiresAt: time.Now().UTC().Add(time.Hour)},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		seedMessage(t, db, id, "")
		err := db.Model(&chat.ChatMessage{}).Where("id = ?", id).
			Updates(map[string]any{"media_url": "/objects/" + id, "media_mime_type": "image/png"}).Error
		if err != nil {
			t.Fatalf("seed media fields: %v", err)
		}
	}

	deleted, failed, err := svc.CleanupExpired(ctx, 10)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 || failed != 0 {
		t.Fatalf("expected 1 deleted 0 failed, got %d/%d", deleted, failed)
	}
	if _, err := os.Stat(expiredPath); !os.IsNotExist(err) {
		t.Fatal("expired object should be gone")
	}

	var remaining int64
	if err := db.Model(&ChatMedia{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected only the fresh row to remain, got %d", remaining)
	}

	// the expired attachment's message loses its media refs, the fresh one keeps them
	var m1, m2 chat.ChatMessage
	if err := db.First(&m1, "id = ?", "m1").Error; err != nil {
		t.Fatalf("reload m1: %v", err)
	}
	if m1.MediaURL != "" || m1.MediaMIMEType != "" {
		t.Fatalf("expired message media fields not cleared: url=%q mime=%q", m1.MediaURL, m1.MediaMIMEType)
	}
	if err := db.First(&m2, "id = ?", "m2").Error; err != nil {
		t.Fatalf("reload m2: %v", err)
	}
	if m2.MediaURL == "" || m2.MediaMIMEType == "" {
		t.Fatal("fresh message media fields must survive cleanup")
	}
}

func TestCleanerExitsWhenDisabled(t *testing.T) {
	svc := NewService(newTestDB(t), &fakeResolver{}, quietLog(), false, t.TempDir(), 30)
	cleaner := NewCleaner(svc, quietLog(), time.Millisecond)

	done := make(chan struct{})
	go func() {
		cleaner.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner should exit immediately when disabled")
	}
}
