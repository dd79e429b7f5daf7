package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/parcelo/parcelobot/internal/ai"
)

// Specialist is one configured downstream agent: a route label plus the
// instructions appended to the persona for that stage.
type Specialist struct {
	Route        Route
	Instructions string
}

// SpecialistResult is the parsed specialist output. Tool and Action are
// empty when the specialist answered directly.
type SpecialistResult struct {
	ResponseText string         `json:"response"`
	Tool         string         `json:"tool"`
	Action       string         `json:"action"`
	Payload      map[string]any `json:"payload"`
}

// Run sends the threaded conversation to the provider under this
// specialist's instructions. conversation[0] is the persona preamble; the
// stage prompt is appended to it so every stage keeps the same voice.
func (s *Specialist) Run(ctx context.Context, provider ai.Provider, conversation []ai.Message) (SpecialistResult, error) {
	msgs := stageMessages(conversation, s.Instructions+specialistOutputFormat)
	raw, err := provider.Chat(ctx, msgs)
	if err != nil {
		return SpecialistResult{}, err
	}
	return parseSpecialistOutput(raw), nil
}

// parseSpecialistOutput accepts strict JSON, fenced JSON, JSON embedded in
// prose, or plain text. Plain text becomes the response verbatim.
func parseSpecialistOutput(raw string) SpecialistResult {
	var res SpecialistResult
	if body, ok := extractJSON(raw); ok {
		if err := json.Unmarshal([]byte(body), &res); err == nil && res.ResponseText != "" {
			return res
		}
	}
	return SpecialistResult{ResponseText: strings.TrimSpace(raw)}
}

// extractJSON pulls the first balanced {...} object out of model output,
// tolerating markdown fences and surrounding prose.
func extractJSON(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// stageMessages swaps the persona head for persona plus stage
// instructions, keeping the threaded history intact.
func stageMessages(conversation []ai.Message, instructions string) []ai.Message {
	msgs := make([]ai.Message, 0, len(conversation)+1)
	if len(conversation) > 0 && conversation[0].Role == ai.RoleSystem {
		msgs = append(msgs, ai.SystemMessage(conversation[0].Content+"\n\n"+instructions))
		msgs = append(msgs, conversation[1:]...)
		return msgs
	}
	msgs = append(msgs, ai.SystemMessage(instructions))
	msgs = append(msgs, conversation...)
	return msgs
}
