package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
)

const bulletMaxChars = 400

type Store interface {
	ReplaceMessageEmbeddings(ctx context.Context, messageID string, rows []chat.MessageEmbedding) error
	ListSessionEmbeddings(ctx context.Context, sessionID string) ([]chat.MessageEmbedding, error)
	ListMessagesByIDs(ctx context.Context, ids []string) ([]chat.ChatMessage, error)
}

// Engine writes chunk embeddings on the index path and runs the
// similarity search on the recall path.
type Engine struct {
	store    Store
	embedder ai.Embedder
	log      *logrus.Logger

	chunkSize    int
	chunkOverlap int
	maxChunks    int
	limit        int
	minSim       float64
}

func NewEngine(store Store, embedder ai.Embedder, log *logrus.Logger, chunkSize, chunkOverlap, maxChunks, limit int, minSim float64) *Engine {
	return &Engine{
		store:        store,
		embedder:     embedder,
		log:          log,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		maxChunks:    maxChunks,
		limit:        limit,
		minSim:       minSim,
	}
}

// IndexMessage chunks and embeds one message. Any chunk failing to embed
// aborts the whole message so the stored rows are never a partial set.
func (e *Engine) IndexMessage(ctx context.Context, m *chat.ChatMessage) error {
	if strings.TrimSpace(m.Body) == "" {
		return nil
	}
	chunks := SplitChunks(m.Body, e.chunkSize, e.chunkOverlap, e.maxChunks)
	if len(chunks) == 0 {
		return nil
	}

	rows := make([]chat.MessageEmbedding, 0, len(chunks))
	for _, c := range chunks {
		vec, err := e.embedder.Embed(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", c.Index, err)
		}
		encoded, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encode vector: %w", err)
		}
		rows = append(rows, chat.MessageEmbedding{
			ID:         uuid.NewString(),
			SessionID:  m.SessionID,
			MessageID:  m.ID,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			Vector:     string(encoded),
		})
	}
	return e.store.ReplaceMessageEmbeddings(ctx, m.ID, rows)
}

// Recall embeds the query and returns the most similar stored chunks of
// the session as bullet lines, best match first. "" when nothing clears
// the similarity threshold.
func (e *Engine) Recall(ctx context.Context, sessionID, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	rows, err := e.store.ListSessionEmbeddings(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load embeddings: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	type scored struct {
		row chat.MessageEmbedding
		sim float64
	}
	matches := make([]scored, 0, len(rows))
	for _, row := range rows {
		var vec []float32
		if err := json.Unmarshal([]byte(row.Vector), &vec); err != nil {
			e.log.WithError(err).WithField("embedding_id", row.ID).Warn("unreadable vector skipped")
			continue
		}
		sim := cosine(queryVec, vec)
		if sim >= e.minSim {
			matches = append(matches, scored{row: row, sim: sim})
		}
	}
	if len(matches) == 0 {
		return "", nil
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > e.limit {
		matches = matches[:e.limit]
	}

	ids := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.row.MessageID]; ok {
			continue
		}
		seen[m.row.MessageID] = struct{}{}
		ids = append(ids, m.row.MessageID)
	}
	msgs, err := e.store.ListMessagesByIDs(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	byID := make(map[string]chat.ChatMessage, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		msg, ok := byID[m.row.MessageID]
		if !ok {
			continue
		}
		text := m.row.ChunkText
		if text == "" {
			text = msg.Body
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, bullet(msg.SentAt, msg.Direction, text))
	}
	return strings.Join(lines, "\n"), nil
}

func bullet(at time.Time, direction, text string) string {
	speaker := "Customer"
	if direction == chat.DirectionOutbound {
		speaker = "Assistant"
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if r := []rune(text); len(r) > bulletMaxChars {
		text = string(r[:bulletMaxChars]) + "…"
	}
	return fmt.Sprintf("• [%s] %s: %s", at.Format("2006-01-02"), speaker, text)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
