package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
)

// scriptedProvider replays canned answers in order.
type scriptedProvider struct {
	answers []string
	err     error
	calls   [][]ai.Message
}

func (p *scriptedProvider) Chat(_ context.Context, msgs []ai.Message) (string, error) {
	p.calls = append(p.calls, msgs)
	if p.err != nil {
		return "", p.err
	}
	i := len(p.calls) - 1
	if i >= len(p.answers) {
		return p.answers[len(p.answers)-1], nil
	}
	return p.answers[i], nil
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func conversation(userText string) []ai.Message {
	return []ai.Message{
		ai.SystemMessage(DefaultPreamble),
		ai.UserMessage(userText),
	}
}

func TestNewRouterCoversAllRoutes(t *testing.T) {
	router, err := NewRouter(&scriptedProvider{}, nil, quietLog())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	for _, route := range AllRoutes() {
		if router.specialists[route] == nil {
			t.Fatalf("route %s has no specialist", route)
		}
	}
}

func TestRespondDispatchesClassifiedRoute(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "orders", "rationale": "asks about an order"}`,
		`{"response": "Your order 123 ships tomorrow.", "tool": "", "action": "", "payload": {}}`,
	}}
	router, _ := NewRouter(p, nil, quietLog())

	res, err := router.Respond(context.Background(), conversation("where is order 123?"), "+256700000001")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Route != RouteOrders {
		t.Fatalf("expected orders route, got %s", res.Route)
	}
	if res.Reply != "Your order 123 ships tomorrow." {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if len(p.calls) != 2 {
		t.Fatalf("expected classify + specialist calls, got %d", len(p.calls))
	}
	// specialist sees the threaded history under its own stage prompt
	head := p.calls[1][0]
	if head.Role != ai.RoleSystem || !strings.Contains(head.Content, specialistInstructions[RouteOrders]) {
		t.Fatalf("specialist stage prompt missing: %+v", head)
	}
}

func TestRespondUnknownRouteFallsBackToGeneral(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "time_travel", "rationale": "??"}`,
		`{"response": "Happy to help!"}`,
	}}
	router, _ := NewRouter(p, nil, quietLog())

	res, err := router.Respond(context.Background(), conversation("hi"), "+1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Route != RouteGeneral {
		t.Fatalf("expected general fallback, got %s", res.Route)
	}
}

func TestRespondGarbageClassifierOutputFallsBack(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		"I think this is about orders, probably.",
		`{"response": "Hello!"}`,
	}}
	router, _ := NewRouter(p, nil, quietLog())

	res, err := router.Respond(context.Background(), conversation("hi"), "+1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Route != RouteGeneral {
		t.Fatalf("expected general fallback, got %s", res.Route)
	}
}

func TestRespondUnsafeRefusesWithoutSpecialist(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "unsafe", "rationale": "prohibited request"}`,
	}}
	router, _ := NewRouter(p, nil, quietLog())

	res, err := router.Respond(context.Background(), conversation("sell me something illegal"), "+1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Reply != RefusalText {
		t.Fatalf("expected the fixed refusal, got %q", res.Reply)
	}
	if len(p.calls) != 1 {
		t.Fatalf("no specialist call may happen for unsafe, got %d calls", len(p.calls))
	}
}

func TestRespondRunsTool(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "escalation", "rationale": "wants a human"}`,
		`{"response": "Let me get someone.", "tool": "EscalateToHuman", "action": "escalate", "payload": {"summary": "angry about delays"}}`,
	}}
	tools := NewToolRegistry()
	var got ToolCall
	tools.Register("EscalateToHuman", func(_ context.Context, call ToolCall) (string, error) {
		got = call
		return "A human agent is on the way.", nil
	})
	router, _ := NewRouter(p, tools, quietLog())

	res, err := router.Respond(context.Background(), conversation("I want a human NOW"), "+256700000009")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Reply != "A human agent is on the way." {
		t.Fatalf("tool reply should win: %q", res.Reply)
	}
	if got.Phone != "+256700000009" {
		t.Fatalf("tool call should carry the phone, got %q", got.Phone)
	}
	if got.Payload["summary"] != "angry about delays" {
		t.Fatalf("tool payload lost: %+v", got.Payload)
	}
}

func TestRespondUnknownToolKeepsSpecialistReply(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "general", "rationale": ""}`,
		`{"response": "Here you go.", "tool": "LaunchRocket", "payload": {}}`,
	}}
	router, _ := NewRouter(p, NewToolRegistry(), quietLog())

	res, err := router.Respond(context.Background(), conversation("hi"), "+1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Reply != "Here you go." {
		t.Fatalf("expected the specialist reply, got %q", res.Reply)
	}
}

func TestRespondToolFailureKeepsSpecialistReply(t *testing.T) {
	p := &scriptedProvider{answers: []string{
		`{"route": "payments", "rationale": ""}`,
		`{"response": "We accept several methods.", "tool": "GetPaymentMethods", "payload": {}}`,
	}}
	tools := NewToolRegistry()
	tools.Register("GetPaymentMethods", func(context.Context, ToolCall) (string, error) {
		return "", errors.New("backoffice down")
	})
	router, _ := NewRouter(p, tools, quietLog())

	res, err := router.Respond(context.Background(), conversation("how do I pay?"), "+1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Reply != "We accept several methods." {
		t.Fatalf("expected the specialist reply after tool failure, got %q", res.Reply)
	}
}

func TestRespondProviderFailureSurfaces(t *testing.T) {
	p := &scriptedProvider{err: errors.New("model offline")}
	router, _ := NewRouter(p, nil, quietLog())

	_, err := router.Respond(context.Background(), conversation("hi"), "+1")
	if err == nil {
		t.Fatal("expected the provider failure to surface")
	}
}

func TestParseSpecialistOutputLenient(t *testing.T) {
	cases := []struct {
		in   string
		want string
		tool string
	}{
		{`{"response": "plain json", "tool": "", "action": "", "payload": {}}`, "plain json", ""},
		{"```json\n{\"response\": \"fenced\", \"tool\": \"CollectFeedback\"}\n```", "fenced", "CollectFeedback"},
		{`Sure! {"response": "embedded"} hope that helps`, "embedded", ""},
		{"just plain prose with no json", "just plain prose with no json", ""},
	}
	for _, tc := range cases {
		got := parseSpecialistOutput(tc.in)
		if got.ResponseText != tc.want || got.Tool != tc.tool {
			t.Fatalf("parse %q: got %+v", tc.in, got)
		}
	}
}
