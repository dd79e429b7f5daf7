// Package prompt assembles the model conversation for a turn: persona
// preamble, rolling summary, recalled history, the recent window, and the
// customer's new message, kept inside a token budget.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/token"
)

type HistoryStore interface {
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]chat.ChatMessage, error)
	LatestSummary(ctx context.Context, sessionID string) (*chat.SessionSummary, error)
}

// Recaller surfaces older history relevant to the query, formatted as
// bullet lines, or "" when nothing clears the similarity bar.
type Recaller interface {
	Recall(ctx context.Context, sessionID, query string) (string, error)
}

type Assembler struct {
	store     HistoryStore
	recaller  Recaller
	log       *logrus.Logger
	window    int
	maxTokens int
	preamble  string
}

func NewAssembler(store HistoryStore, recaller Recaller, log *logrus.Logger, window, maxTokens int, preamble string) *Assembler {
	return &Assembler{
		store:     store,
		recaller:  recaller,
		log:       log,
		window:    window,
		maxTokens: maxTokens,
		preamble:  preamble,
	}
}

// Stats describes what the assembled prompt ended up containing.
type Stats struct {
	Turns          int
	SummaryUsed    bool
	RecallUsed     bool
	EvictedTurns   int
	PromptTokens   int
	BudgetExceeded bool
}

// Build assembles the conversation. excludeID names the already persisted
// row of the current message so it is not repeated as a history turn. The
// preamble is never dropped: when even the preamble plus the user message
// exceed the budget, the prompt is sent anyway with a warning.
func (a *Assembler) Build(ctx context.Context, sess *chat.ChatSession, customer *chat.Customer, userText, excludeID string) ([]ai.Message, Stats, error) {
	var stats Stats

	history, err := a.store.ListRecentMessages(ctx, sess.ID, a.window+1)
	if err != nil {
		return nil, stats, fmt.Errorf("load history: %w", err)
	}
	if excludeID != "" {
		kept := history[:0]
		for _, m := range history {
			if m.ID != excludeID {
				kept = append(kept, m)
			}
		}
		history = kept
	}
	if len(history) > a.window {
		history = history[:a.window]
	}
	// newest-first from the store; the prompt wants chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	var summaryMsg *ai.Message
	if summary, err := a.store.LatestSummary(ctx, sess.ID); err == nil {
		m := ai.SystemMessage("Summary of the conversation so far:\n" + summary.Content)
		summaryMsg = &m
		stats.SummaryUsed = true
	} else if err != chat.ErrNotFound {
		return nil, stats, fmt.Errorf("load summary: %w", err)
	}

	var recallLines []string
	if a.recaller != nil {
		block, err := a.recaller.Recall(ctx, sess.ID, userText)
		if err != nil {
			a.log.WithError(err).WithField("session_id", sess.ID).Warn("recall failed, continuing without it")
		} else if block != "" {
			recallLines = strings.Split(block, "\n")
			stats.RecallUsed = true
		}
	}

	turns := make([]ai.Message, 0, len(history))
	for _, m := range history {
		turns = append(turns, historyMessage(m))
	}
	stats.Turns = len(turns)

	userMsg := ai.UserMessage(a.finalUserContent(customer, userText))
	preambleMsg := ai.SystemMessage(a.preamble)

	assemble := func() ([]ai.Message, int) {
		msgs := make([]ai.Message, 0, len(turns)+4)
		msgs = append(msgs, preambleMsg)
		if summaryMsg != nil {
			msgs = append(msgs, *summaryMsg)
		}
		if len(recallLines) > 0 {
			msgs = append(msgs, ai.SystemMessage(recallBlock(recallLines)))
		}
		msgs = append(msgs, turns...)
		msgs = append(msgs, userMsg)

		total := 0
		for _, m := range msgs {
			total += token.CountMessage(m.Content)
		}
		return msgs, total
	}

	msgs, total := assemble()
	for total > a.maxTokens {
		switch {
		case len(recallLines) > 0:
			recallLines = recallLines[:len(recallLines)-1]
			if len(recallLines) == 0 {
				stats.RecallUsed = false
			}
		case len(turns) > 0:
			turns = turns[1:]
			stats.EvictedTurns++
		case summaryMsg != nil:
			summaryMsg = nil
			stats.SummaryUsed = false
		default:
			stats.BudgetExceeded = true
			a.log.WithFields(logrus.Fields{
				"session_id": sess.ID,
				"tokens":     total,
				"budget":     a.maxTokens,
			}).Warn("prompt exceeds budget even after eviction")
			stats.Turns = 0
			stats.PromptTokens = total
			return msgs, stats, nil
		}
		msgs, total = assemble()
	}

	stats.Turns = len(turns)
	stats.PromptTokens = total
	return msgs, stats, nil
}

func historyMessage(m chat.ChatMessage) ai.Message {
	body := m.Body
	if body == "" && m.MessageType != "text" {
		body = fmt.Sprintf("[%s message]", m.MessageType)
	}
	switch m.Direction {
	case chat.DirectionOutbound:
		return ai.AssistantMessage(body)
	case chat.DirectionSystem:
		return ai.SystemMessage(body)
	default:
		return ai.UserMessage(body)
	}
}

func (a *Assembler) finalUserContent(customer *chat.Customer, userText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Customer: %s, phone %s]\n", customer.Name, customer.PhoneE164)
	b.WriteString(userText)
	return b.String()
}

func recallBlock(lines []string) string {
	return "Relevant earlier conversation:\n" + strings.Join(lines, "\n")
}
