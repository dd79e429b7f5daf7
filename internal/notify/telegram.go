// Package notify posts operator alerts to a Telegram chat. Alerts are
// best effort: failures are logged and never propagate into the turn.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type Telegram struct {
	token  string
	chatID string
	client *http.Client
	log    *logrus.Logger
}

// NewTelegram returns a notifier. With an empty token or chat ID every
// alert is a silent no-op.
func NewTelegram(token, chatID string, log *logrus.Logger) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (t *Telegram) enabled() bool {
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) IncomingMessage(ctx context.Context, phone, text string) {
	t.post(ctx, fmt.Sprintf("📩 %s\n%s", phone, clip(text)))
}

func (t *Telegram) AgentResponse(ctx context.Context, phone, text string) {
	t.post(ctx, fmt.Sprintf("🤖 → %s\n%s", phone, clip(text)))
}

func (t *Telegram) AgentError(ctx context.Context, phone string, err error) {
	t.post(ctx, fmt.Sprintf("⚠️ pipeline error for %s\n%v", phone, err))
}

func (t *Telegram) post(ctx context.Context, text string) {
	if !t.enabled() {
		return
	}

	body, err := json.Marshal(map[string]string{"chat_id": t.chatID, "text": text})
	if err != nil {
		return
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.log.WithError(err).Warn("telegram request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.WithError(err).Warn("telegram alert failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.log.WithField("status", resp.StatusCode).Warn("telegram alert rejected")
	}
}

func clip(text string) string {
	const max = 500
	if r := []rune(text); len(r) > max {
		return string(r[:max]) + "…"
	}
	return text
}
