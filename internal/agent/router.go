package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
)

// Router classifies a turn and dispatches it to the matching specialist.
type Router struct {
	provider    ai.Provider
	specialists map[Route]*Specialist
	tools       *ToolRegistry
	log         *logrus.Logger
}

// NewRouter builds the dispatch table and verifies every dispatchable
// route has a specialist. A missing entry is a programming error and
// fails construction.
func NewRouter(provider ai.Provider, tools *ToolRegistry, log *logrus.Logger) (*Router, error) {
	specialists := make(map[Route]*Specialist, len(AllRoutes()))
	for _, route := range AllRoutes() {
		instructions, ok := specialistInstructions[route]
		if !ok {
			return nil, fmt.Errorf("agent: route %q has no specialist instructions", route)
		}
		specialists[route] = &Specialist{Route: route, Instructions: instructions}
	}
	return &Router{
		provider:    provider,
		specialists: specialists,
		tools:       tools,
		log:         log,
	}, nil
}

// Result is the outcome of one routed turn.
type Result struct {
	Route     Route
	Rationale string
	Reply     string
	Tool      string
	Action    string
}

type classification struct {
	Route     string `json:"route"`
	Rationale string `json:"rationale"`
}

// Respond runs classify then dispatch over the assembled conversation.
// conversation[0] is the persona preamble, the rest is threaded history
// ending with the customer's latest message.
func (r *Router) Respond(ctx context.Context, conversation []ai.Message, phone string) (Result, error) {
	route, rationale, err := r.classify(ctx, conversation)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	res := Result{Route: route, Rationale: rationale}

	if route == RouteUnsafe {
		res.Reply = RefusalText
		return res, nil
	}

	specialist := r.specialists[route]
	out, err := specialist.Run(ctx, r.provider, conversation)
	if err != nil {
		return Result{}, fmt.Errorf("specialist %s: %w", route, err)
	}
	res.Reply = out.ResponseText
	res.Tool = out.Tool
	res.Action = out.Action

	if out.Tool != "" && r.tools != nil {
		call := ToolCall{Name: out.Tool, Phone: phone, Payload: out.Payload}
		reply, handled, err := r.tools.Dispatch(ctx, call)
		switch {
		case err != nil:
			// tool failed; the specialist's own text still answers the customer
			r.log.WithError(err).WithFields(logrus.Fields{
				"tool":  out.Tool,
				"route": route,
			}).Warn("tool call failed, using specialist reply")
		case handled:
			res.Reply = reply
		default:
			r.log.WithFields(logrus.Fields{
				"tool":  out.Tool,
				"route": route,
			}).Warn("specialist asked for an unknown tool")
		}
	}

	return res, nil
}

func (r *Router) classify(ctx context.Context, conversation []ai.Message) (Route, string, error) {
	msgs := stageMessages(conversation, classifierInstructions)
	raw, err := r.provider.Chat(ctx, msgs)
	if err != nil {
		return "", "", err
	}

	var c classification
	if body, ok := extractJSON(raw); ok {
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			c = classification{}
		}
	}
	route, known := ParseRoute(c.Route)
	if !known {
		r.log.WithField("answer", c.Route).Debug("unknown route, falling back to general")
	}
	return route, c.Rationale, nil
}
