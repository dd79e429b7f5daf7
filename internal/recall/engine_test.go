package recall

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/chat"
)

type fakeStore struct {
	embeddings map[string][]chat.MessageEmbedding
	messages   map[string]chat.ChatMessage
	replaced   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		embeddings: make(map[string][]chat.MessageEmbedding),
		messages:   make(map[string]chat.ChatMessage),
	}
}

func (f *fakeStore) ReplaceMessageEmbeddings(_ context.Context, messageID string, rows []chat.MessageEmbedding) error {
	f.replaced = append(f.replaced, messageID)
	f.embeddings[messageID] = rows
	return nil
}

func (f *fakeStore) ListSessionEmbeddings(_ context.Context, sessionID string) ([]chat.MessageEmbedding, error) {
	var out []chat.MessageEmbedding
	for _, rows := range f.embeddings {
		for _, r := range rows {
			if r.SessionID == sessionID {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ListMessagesByIDs(_ context.Context, ids []string) ([]chat.ChatMessage, error) {
	var out []chat.ChatMessage
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeEmbedder maps keywords to fixed axis vectors so similarity is exact.
type fakeEmbedder struct {
	failAfter int
	calls     int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, errors.New("embeddings unavailable")
	}
	switch {
	case strings.Contains(text, "order"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "payment"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func newTestEngine(store *fakeStore, emb *fakeEmbedder) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(store, emb, log, 480, 48, 8, 5, 0.7)
}

func seedMessage(store *fakeStore, id, sessionID, direction, body string) *chat.ChatMessage {
	m := chat.ChatMessage{
		ID:        id,
		SessionID: sessionID,
		Direction: direction,
		Body:      body,
		SentAt:    time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	store.messages[id] = m
	return &m
}

func TestIndexThenRecall(t *testing.T) {
	store := newFakeStore()
	emb := &fakeEmbedder{}
	eng := newTestEngine(store, emb)
	ctx := context.Background()

	m1 := seedMessage(store, "m1", "s1", chat.DirectionInbound, "I placed an order for a kettle")
	m2 := seedMessage(store, "m2", "s1", chat.DirectionOutbound, "Your payment went through")
	if err := eng.IndexMessage(ctx, m1); err != nil {
		t.Fatalf("index m1: %v", err)
	}
	if err := eng.IndexMessage(ctx, m2); err != nil {
		t.Fatalf("index m2: %v", err)
	}

	block, err := eng.Recall(ctx, "s1", "where is my order?")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !strings.Contains(block, "kettle") {
		t.Fatalf("expected the order message recalled, got %q", block)
	}
	if strings.Contains(block, "payment") {
		t.Fatalf("payment message is below threshold for this query: %q", block)
	}
	if !strings.HasPrefix(block, "• [2026-08-01] Customer:") {
		t.Fatalf("unexpected bullet format: %q", block)
	}
}

func TestRecallEmptySessionReturnsNothing(t *testing.T) {
	eng := newTestEngine(newFakeStore(), &fakeEmbedder{})
	block, err := eng.Recall(context.Background(), "empty", "order status")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if block != "" {
		t.Fatalf("expected empty block, got %q", block)
	}
}

func TestIndexMessageAbortsOnEmbedFailure(t *testing.T) {
	store := newFakeStore()
	// long enough to need several chunks, embedder dies after the first
	emb := &fakeEmbedder{failAfter: 1}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	eng := NewEngine(store, emb, log, 10, 0, 8, 5, 0.7)

	body := strings.Repeat("order details and more order details ", 20)
	m := seedMessage(store, "m3", "s2", chat.DirectionInbound, body)
	err := eng.IndexMessage(context.Background(), m)
	if err == nil {
		t.Fatal("expected an error when a chunk fails to embed")
	}
	if len(store.replaced) != 0 {
		t.Fatal("no rows may be written when indexing aborts")
	}
}

func TestIndexSkipsEmptyBody(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeEmbedder{})
	m := seedMessage(store, "m4", "s3", chat.DirectionInbound, "   ")
	if err := eng.IndexMessage(context.Background(), m); err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(store.replaced) != 0 {
		t.Fatal("empty body should not be indexed")
	}
}
