// Package summary maintains the rolling per-session conversation summary
// and prunes history the summary has absorbed.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/token"
)

const summarizerPrompt = `Summarize the conversation below for a customer support assistant that will continue it later. Keep every concrete fact: order numbers, products, amounts, addresses, promises made, and open questions. Write a compact paragraph, no preamble.`

type Store interface {
	ListMessagesSince(ctx context.Context, sessionID string, since time.Time) ([]chat.ChatMessage, error)
	LatestSummary(ctx context.Context, sessionID string) (*chat.SessionSummary, error)
	InsertSummary(ctx context.Context, s *chat.SessionSummary) error
	SetSummaryUpdatedAt(ctx context.Context, sessionID string, at time.Time) error
	SoftDeleteMessagesBeyond(ctx context.Context, sessionID string, keep int) (int64, error)
	ListStaleSummarySessions(ctx context.Context, limit int) ([]chat.ChatSession, error)
}

// Service refreshes one session's summary when enough new conversation has
// accumulated.
type Service struct {
	store    Store
	provider ai.Provider
	log      *logrus.Logger

	threshold      int
	maxInputTokens int
	window         int
}

func NewService(store Store, provider ai.Provider, log *logrus.Logger, threshold, maxInputTokens, window int) *Service {
	return &Service{
		store:          store,
		provider:       provider,
		log:            log,
		threshold:      threshold,
		maxInputTokens: maxInputTokens,
		window:         window,
	}
}

// Refresh summarizes a session's new messages. It is a no-op when fewer
// than the threshold arrived since the last summary. After persisting the
// summary, history beyond the live window is soft deleted.
func (s *Service) Refresh(ctx context.Context, sess *chat.ChatSession) error {
	since := time.Time{}
	prev, err := s.store.LatestSummary(ctx, sess.ID)
	if err != nil && err != chat.ErrNotFound {
		return fmt.Errorf("load previous summary: %w", err)
	}
	if prev != nil {
		since = prev.CreatedAt
	}

	msgs, err := s.store.ListMessagesSince(ctx, sess.ID, since)
	if err != nil {
		return fmt.Errorf("load new messages: %w", err)
	}
	if len(msgs) < s.threshold {
		return nil
	}

	input, packed := s.packTranscript(prev, msgs)
	content, err := s.provider.Chat(ctx, []ai.Message{
		ai.SystemMessage(summarizerPrompt),
		ai.UserMessage(input),
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("summarize: empty summary")
	}

	// one timestamp for both rows, so the session stamp always equals the
	// summary row it refers to
	now := time.Now().UTC()
	if err := s.store.InsertSummary(ctx, &chat.SessionSummary{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		Content:      content,
		MessageCount: packed,
		CreatedAt:    now,
	}); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	if err := s.store.SetSummaryUpdatedAt(ctx, sess.ID, now); err != nil {
		return fmt.Errorf("stamp session: %w", err)
	}

	pruned, err := s.store.SoftDeleteMessagesBeyond(ctx, sess.ID, s.window)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"messages":   packed,
		"pruned":     pruned,
	}).Info("session summary refreshed")
	return nil
}

// packTranscript greedily packs messages oldest first into the input token
// budget, leading with the previous summary so nothing already absorbed is
// lost. Returns the transcript and how many messages made it in.
func (s *Service) packTranscript(prev *chat.SessionSummary, msgs []chat.ChatMessage) (string, int) {
	var b strings.Builder
	if prev != nil {
		b.WriteString("Previous summary:\n")
		b.WriteString(prev.Content)
		b.WriteString("\n\nNew conversation:\n")
	}

	budget := s.maxInputTokens - token.Count(b.String())
	packed := 0
	for _, m := range msgs {
		line := transcriptLine(m)
		cost := token.Count(line)
		if cost > budget && packed > 0 {
			break
		}
		b.WriteString(line)
		budget -= cost
		packed++
	}
	return b.String(), packed
}

func transcriptLine(m chat.ChatMessage) string {
	speaker := "Customer"
	if m.Direction == chat.DirectionOutbound {
		speaker = "Assistant"
	}
	body := m.Body
	if body == "" && m.MessageType != "text" {
		body = fmt.Sprintf("[%s message]", m.MessageType)
	}
	return fmt.Sprintf("%s: %s\n", speaker, body)
}
