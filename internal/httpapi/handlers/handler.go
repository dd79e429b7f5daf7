package handlers

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/idempotency"
	"github.com/parcelo/parcelobot/internal/webhook"
)

// TurnRunner is the asynchronous half of the webhook: everything past
// intake happens on its goroutine.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, eventID string, ev webhook.Event)
}

type Handler struct {
	Repo   *chat.Repo
	Guard  *idempotency.Guard
	Runner TurnRunner
	Log    *logrus.Logger
}

func NewHandler(db *gorm.DB, guard *idempotency.Guard, runner TurnRunner, log *logrus.Logger) *Handler {
	return &Handler{
		Repo:   chat.NewRepo(db),
		Guard:  guard,
		Runner: runner,
		Log:    log,
	}
}
