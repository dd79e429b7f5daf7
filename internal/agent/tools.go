package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ToolCall is what a specialist asked for: the tool name plus its
// arguments, with the customer phone attached by the runner.
type ToolCall struct {
	Name    string
	Phone   string
	Payload map[string]any
}

// ToolHandler executes one backoffice action and returns the customer
// facing reply.
type ToolHandler func(ctx context.Context, call ToolCall) (string, error)

// ToolRegistry maps tool names from specialist output to handlers.
type ToolRegistry struct {
	handlers map[string]ToolHandler
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{handlers: make(map[string]ToolHandler)}
}

func (r *ToolRegistry) Register(name string, h ToolHandler) {
	r.handlers[name] = h
}

// Dispatch runs the named tool. ok is false for unknown names so the
// caller can fall back to the specialist's own text.
func (r *ToolRegistry) Dispatch(ctx context.Context, call ToolCall) (string, bool, error) {
	h, ok := r.handlers[call.Name]
	if !ok {
		return "", false, nil
	}
	reply, err := h(ctx, call)
	return reply, true, err
}

// BackofficeClient calls the internal commerce API the tools are backed
// by. Requests carry the shared service secret.
type BackofficeClient struct {
	BaseURL string
	Secret  string
	Client  *http.Client
}

func NewBackofficeClient(baseURL, secret string) *BackofficeClient {
	return &BackofficeClient{
		BaseURL: baseURL,
		Secret:  secret,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *BackofficeClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", c.Secret)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return fmt.Errorf("backoffice %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterBackofficeTools wires the standard tool set against the client.
func RegisterBackofficeTools(reg *ToolRegistry, c *BackofficeClient) {
	reg.Register("EscalateToHuman", func(ctx context.Context, call ToolCall) (string, error) {
		req := map[string]any{"phone": call.Phone, "summary": stringArg(call.Payload, "summary", "reason")}
		if err := c.do(ctx, http.MethodPost, "/internal/escalations", req, nil); err != nil {
			return "", err
		}
		return "I've passed this to our support team. A human agent will reach out to you here shortly.", nil
	})

	reg.Register("CollectFeedback", func(ctx context.Context, call ToolCall) (string, error) {
		req := map[string]any{"phone": call.Phone, "feedback": stringArg(call.Payload, "feedback", "summary", "message")}
		if err := c.do(ctx, http.MethodPost, "/internal/feedback", req, nil); err != nil {
			return "", err
		}
		return "Thank you for the feedback, I've recorded it for the team.", nil
	})

	reg.Register("GetSubscriptionPlans", func(ctx context.Context, call ToolCall) (string, error) {
		var out struct {
			Plans []struct {
				Name  string `json:"name"`
				Price string `json:"price"`
			} `json:"plans"`
		}
		if err := c.do(ctx, http.MethodGet, "/internal/subscriptions/plans", nil, &out); err != nil {
			return "", err
		}
		if len(out.Plans) == 0 {
			return "We don't have subscription plans available right now.", nil
		}
		var b strings.Builder
		b.WriteString("Here are our current plans:\n")
		for _, p := range out.Plans {
			fmt.Fprintf(&b, "• %s: %s\n", p.Name, p.Price)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})

	reg.Register("GetPaymentMethods", func(ctx context.Context, call ToolCall) (string, error) {
		var out struct {
			Methods []string `json:"methods"`
		}
		if err := c.do(ctx, http.MethodGet, "/internal/payments/methods", nil, &out); err != nil {
			return "", err
		}
		if len(out.Methods) == 0 {
			return "Payment options are temporarily unavailable, please try again shortly.", nil
		}
		return "You can pay with: " + strings.Join(out.Methods, ", ") + ".", nil
	})

	reg.Register("RequestWebsiteAccess", func(ctx context.Context, call ToolCall) (string, error) {
		req := map[string]any{"phone": call.Phone}
		if err := c.do(ctx, http.MethodPost, "/internal/website-access", req, nil); err != nil {
			return "", err
		}
		return "Done! You'll receive a link to access the Parcelo web portal shortly.", nil
	})
}

func stringArg(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
