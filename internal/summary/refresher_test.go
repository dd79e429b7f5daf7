package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
)

type fakeProvider struct {
	answer string
	err    error
	inputs []string
}

func (f *fakeProvider) Chat(_ context.Context, msgs []ai.Message) (string, error) {
	f.inputs = append(f.inputs, msgs[len(msgs)-1].Content)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newFixture(t *testing.T, provider *fakeProvider, threshold, maxInput, window int) (*Service, *chat.Service, *chat.Repo) {
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
	if err := db.AutoMigrate(chat.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := chat.NewRepo(db)
	chats := chat.NewService(repo, quietLog(), 24*time.Hour)
	return NewService(repo, provider, quietLog(), threshold, maxInput, window), chats, repo
}

func seedTurns(t *testing.T, chats *chat.Service, sess *chat.ChatSession, n int) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < n; i++ {
		_, _, err := chats.InsertInbound(context.Background(), sess, chat.InboundMessage{
			Type:   "text",
			Body:   "message " + strings.Repeat("x", i%5),
			SentAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func TestRefreshBelowThresholdNoop(t *testing.T) {
	provider := &fakeProvider{answer: "summary"}
	svc, chats, _ := newFixture(t, provider, 8, 2048, 12)
	ctx := context.Background()

	cust, _ := chats.ResolveCustomer(ctx, "+256700000001", "A")
	sess, _ := chats.GetOrCreateSession(ctx, cust.ID)
	seedTurns(t, chats, sess, 3)

	if err := svc.Refresh(ctx, sess); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(provider.inputs) != 0 {
		t.Fatal("no summarization call may happen below the threshold")
	}
}

func TestRefreshSummarizesAndPrunes(t *testing.T) {
	provider := &fakeProvider{answer: "Customer discussed an order and a refund."}
	svc, chats, repo := newFixture(t, provider, 8, 2048, 4)
	ctx := context.Background()

	cust, _ := chats.ResolveCustomer(ctx, "+256700000002", "B")
	sess, _ := chats.GetOrCreateSession(ctx, cust.ID)
	seedTurns(t, chats, sess, 10)

	if err := svc.Refresh(ctx, sess); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	stored, err := repo.LatestSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if stored.Content != provider.answer {
		t.Fatalf("unexpected summary: %q", stored.Content)
	}
	if stored.MessageCount != 10 {
		t.Fatalf("expected all 10 messages packed, got %d", stored.MessageCount)
	}

	msgs, err := repo.ListRecentMessages(ctx, sess.ID, 100)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected only the live window to remain, got %d", len(msgs))
	}

	// the refreshed session is no longer stale
	stale, err := repo.ListStaleSummarySessions(ctx, 10)
	if err != nil {
		t.Fatalf("stale list: %v", err)
	}
	for _, s := range stale {
		if s.ID == sess.ID {
			t.Fatal("refreshed session should not be stale")
		}
	}
}

func TestRefreshStampsSessionAndSummaryTogether(t *testing.T) {
	provider := &fakeProvider{answer: "short recap"}
	svc, chats, repo := newFixture(t, provider, 4, 2048, 12)
	ctx := context.Background()

	cust, _ := chats.ResolveCustomer(ctx, "+256700000005", "E")
	sess, _ := chats.GetOrCreateSession(ctx, cust.ID)
	seedTurns(t, chats, sess, 6)

	if err := svc.Refresh(ctx, sess); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	stored, err := repo.LatestSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	fresh, err := repo.GetActiveSession(ctx, cust.ID, chat.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if fresh.SummaryUpdatedAt == nil {
		t.Fatal("session stamp missing after refresh")
	}
	if !fresh.SummaryUpdatedAt.Equal(stored.CreatedAt) {
		t.Fatalf("session stamp %v must equal the summary row's %v", fresh.SummaryUpdatedAt, stored.CreatedAt)
	}
}

func TestRefreshPacksOldestFirstWithinBudget(t *testing.T) {
	provider := &fakeProvider{answer: "ok"}
	// small input budget so only the oldest messages fit
	svc, chats, repo := newFixture(t, provider, 4, 60, 12)
	ctx := context.Background()

	cust, _ := chats.ResolveCustomer(ctx, "+256700000003", "C")
	sess, _ := chats.GetOrCreateSession(ctx, cust.ID)

	base := time.Now().UTC().Add(-time.Hour)
	long := strings.Repeat("lots of words here ", 10)
	for i := 0; i < 6; i++ {
		_, _, err := chats.InsertInbound(ctx, sess, chat.InboundMessage{Type: "text", Body: long, SentAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := svc.Refresh(ctx, sess); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	stored, err := repo.LatestSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if stored.MessageCount >= 6 || stored.MessageCount < 1 {
		t.Fatalf("expected a partial oldest-first pack, got %d", stored.MessageCount)
	}
}

func TestRefreshProviderFailureLeavesStateUntouched(t *testing.T) {
	provider := &fakeProvider{err: errors.New("model offline")}
	svc, chats, repo := newFixture(t, provider, 4, 2048, 12)
	ctx := context.Background()

	cust, _ := chats.ResolveCustomer(ctx, "+256700000004", "D")
	sess, _ := chats.GetOrCreateSession(ctx, cust.ID)
	seedTurns(t, chats, sess, 6)

	if err := svc.Refresh(ctx, sess); err == nil {
		t.Fatal("expected the provider failure to surface")
	}
	if _, err := repo.LatestSummary(ctx, sess.ID); err != chat.ErrNotFound {
		t.Fatalf("no summary may be stored on failure, got %v", err)
	}
	msgs, _ := repo.ListRecentMessages(ctx, sess.ID, 100)
	if len(msgs) != 6 {
		t.Fatalf("no pruning may happen on failure, got %d messages", len(msgs))
	}
}

func TestRefresherStopsOnCancel(t *testing.T) {
	provider := &fakeProvider{answer: "ok"}
	svc, _, _ := newFixture(t, provider, 8, 2048, 12)
	ref := NewRefresher(svc, quietLog(), 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ref.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop on cancellation")
	}
}
