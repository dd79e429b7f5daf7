package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/prompt"
	"github.com/parcelo/parcelobot/internal/webhook"
)

// Sender delivers a reply over the messaging platform and returns the
// platform message ID.
type Sender interface {
	Send(ctx context.Context, phone, text string) (string, error)
}

// Notifier posts operator alerts. Implementations must swallow their own
// failures.
type Notifier interface {
	IncomingMessage(ctx context.Context, phone, text string)
	AgentResponse(ctx context.Context, phone, text string)
	AgentError(ctx context.Context, phone string, err error)
}

// Indexer writes recall embeddings for a stored message.
type Indexer interface {
	IndexMessage(ctx context.Context, m *chat.ChatMessage) error
}

// MediaPublisher enqueues a media post-processing job.
type MediaPublisher interface {
	PublishMedia(ctx context.Context, messageID, mediaID, mimeType string) error
}

// Runner drives one webhook event through the full reply pipeline:
// resolve, lock, persist, assemble, route, send, post-turn bookkeeping.
type Runner struct {
	chats     *chat.Service
	repo      *chat.Repo
	locks     *chat.LockTable
	assembler *prompt.Assembler
	router    *Router
	sender    Sender
	notifier  Notifier
	indexer   Indexer
	media     MediaPublisher
	log       *logrus.Logger

	turnTimeout time.Duration
}

func NewRunner(
	chats *chat.Service,
	locks *chat.LockTable,
	assembler *prompt.Assembler,
	router *Router,
	sender Sender,
	notifier Notifier,
	indexer Indexer,
	media MediaPublisher,
	log *logrus.Logger,
	turnTimeout time.Duration,
) *Runner {
	return &Runner{
		chats:       chats,
		repo:        chats.Repo(),
		locks:       locks,
		assembler:   assembler,
		router:      router,
		sender:      sender,
		notifier:    notifier,
		indexer:     indexer,
		media:       media,
		log:         log,
		turnTimeout: turnTimeout,
	}
}

// ProcessTurn handles one accepted event. It never returns an error: every
// failure past intake resolves to the apology reply or a logged drop, and
// the event row is marked processed regardless so the delivery is not
// retried into a different outcome.
func (r *Runner) ProcessTurn(ctx context.Context, eventID string, ev webhook.Event) {
	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			// this goroutine outlives the request; a panic here must not
			// take the process down
			r.log.WithFields(logrus.Fields{"event_id": eventID, "panic": rec}).Error("turn panicked")
			r.notifier.AgentError(ctx, "", fmt.Errorf("turn panic: %v", rec))
		}
		// processed means "intake decided", not "reply succeeded"
		if err := r.repo.MarkEventProcessed(context.WithoutCancel(ctx), eventID); err != nil {
			r.log.WithError(err).WithField("event_id", eventID).Warn("mark processed failed")
		}
	}()

	if webhook.ResolveEventType(ev.Type) != "message" || ev.Type == webhook.EventMessageSent {
		// statuses and echoes of our own sends carry nothing to reply to
		return
	}

	md := webhook.ExtractMessage(ev.Data)
	log := r.log.WithFields(logrus.Fields{"event_id": eventID, "phone": md.Phone})
	if md.Phone == "" {
		log.Warn("message without a sender phone dropped")
		return
	}
	if md.Text == "" && md.MediaID == "" {
		log.Warn("message without text or media dropped")
		return
	}

	customer, err := r.chats.ResolveCustomer(ctx, md.Phone, md.ContactName)
	if err != nil {
		log.WithError(err).Error("resolve customer failed")
		return
	}
	sess, err := r.chats.GetOrCreateSession(ctx, customer.ID)
	if err != nil {
		log.WithError(err).Error("resolve session failed")
		return
	}

	unlock := r.locks.Lock(sess.ID)
	defer unlock()

	msg, stored, err := r.chats.InsertInbound(ctx, sess, chat.InboundMessage{
		Type:       md.Type,
		Body:       md.Text,
		ExternalID: md.ExternalID,
		MediaURL:   md.MediaURL,
		MediaMIME:  md.MediaMIMEType,
		SentAt:     md.Timestamp,
		Payload:    ev.Data,
	})
	if err != nil {
		log.WithError(err).Error("store inbound message failed")
		return
	}
	if !stored {
		log.Info("inbound message already stored, skipping")
		return
	}
	r.notifier.IncomingMessage(ctx, md.Phone, md.Text)

	if md.MediaID != "" && r.media != nil {
		if err := r.media.PublishMedia(ctx, msg.ID, md.MediaID, md.MediaMIMEType); err != nil {
			log.WithError(err).Warn("media job publish failed")
		}
	}
	if md.Text == "" {
		// media-only message; the caption arrives via the worker
		return
	}

	reply := r.reply(ctx, sess, customer, md, msg.ID, log)

	externalID, err := r.sender.Send(ctx, md.Phone, reply)
	if err != nil {
		log.WithError(err).Error("send reply failed")
		r.notifier.AgentError(ctx, md.Phone, err)
		return
	}

	out, err := r.chats.InsertOutbound(ctx, sess, reply, externalID)
	if err != nil {
		log.WithError(err).Error("store outbound message failed")
	}
	if err := r.repo.TouchSession(ctx, sess.ID, time.Now().UTC().Add(r.chats.SessionTTL())); err != nil {
		log.WithError(err).Warn("touch session failed")
	}

	r.index(ctx, msg, log)
	if out != nil {
		r.index(ctx, out, log)
	}
	r.notifier.AgentResponse(ctx, md.Phone, reply)
}

// reply runs assemble→classify→route. Every failure maps to the fixed
// apology plus an operator alert.
func (r *Runner) reply(ctx context.Context, sess *chat.ChatSession, customer *chat.Customer, md webhook.MessageData, currentID string, log *logrus.Entry) string {
	conversation, stats, err := r.assembler.Build(ctx, sess, customer, md.Text, currentID)
	if err != nil {
		log.WithError(err).Error("prompt assembly failed")
		r.notifier.AgentError(ctx, md.Phone, err)
		return ApologyText
	}

	result, err := r.router.Respond(ctx, conversation, md.Phone)
	if err != nil {
		log.WithError(err).Error("agent pipeline failed")
		r.notifier.AgentError(ctx, md.Phone, err)
		return ApologyText
	}

	log.WithFields(logrus.Fields{
		"route":         result.Route,
		"tool":          result.Tool,
		"prompt_tokens": stats.PromptTokens,
		"turns":         stats.Turns,
		"summary":       stats.SummaryUsed,
		"recall":        stats.RecallUsed,
	}).Info("turn routed")
	return result.Reply
}

func (r *Runner) index(ctx context.Context, m *chat.ChatMessage, log *logrus.Entry) {
	if r.indexer == nil {
		return
	}
	if err := r.indexer.IndexMessage(ctx, m); err != nil {
		log.WithError(err).WithField("message_id", m.ID).Warn("embedding index failed")
	}
}
