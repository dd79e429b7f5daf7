package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/webhook"
)

// Webhook is the single intake endpoint. It answers 200 as soon as the
// delivery is accepted or recognized as a duplicate; reply processing
// continues in the background.
func (h *Handler) Webhook(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid JSON"})
		return
	}

	ev, err := webhook.Normalize(payload)
	if err != nil {
		var verr *webhook.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": verr.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "unrecognized payload"})
		return
	}

	phone := webhook.ExtractPhone(ev.Data)
	key := webhook.DedupeKey(ev, phone)
	ctx := c.Request.Context()

	seen, err := h.Guard.Seen(ctx, key)
	if err != nil {
		// post-accept failures never become 5xx
		h.Log.WithError(err).Error("idempotency check failed")
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not processed"})
		return
	}
	if seen {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed"})
		return
	}
	h.Guard.Record(ctx, key)

	raw, _ := json.Marshal(payload)
	row, created, err := h.Repo.CreateInboundEvent(ctx, &chat.InboundEvent{
		ID:         uuid.NewString(),
		EventType:  webhook.ResolveEventType(ev.Type),
		DedupeKey:  key,
		PhoneE164:  phone,
		Payload:    string(raw),
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		h.Log.WithError(err).Error("store inbound event failed")
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "not processed"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed"})
		return
	}

	// detach from the request lifetime
	go h.Runner.ProcessTurn(context.WithoutCancel(ctx), row.ID, ev)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
