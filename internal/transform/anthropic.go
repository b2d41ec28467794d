package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

// defaultMaxTokens applies when an OpenAI client omits max_tokens; the
// Anthropic Messages API requires it.
const defaultMaxTokens = 4096

// anthropicChatRequest is the Anthropic Messages API request body.
type anthropicChatRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []anthropicMsg  `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	StopSequences json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// OpenAIToAnthropicChat converts an OpenAI chat completions body to an
// Anthropic Messages body. System turns lift into the system field; tool
// results map to tool_result user blocks.
func OpenAIToAnthropicChat(body []byte) ([]byte, error) {
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", proxy.ErrBadRequest, err)
	}

	out := anthropicChatRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		Tools:         req.Tools,
		StopSequences: stopSequences(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
		case "tool":
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, anthropicMsg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return json.Marshal(out)
}

// anthropicTextRequest is the legacy Anthropic Text Completions body.
type anthropicTextRequest struct {
	Model             string          `json:"model"`
	Prompt            string          `json:"prompt"`
	MaxTokensToSample int             `json:"max_tokens_to_sample"`
	Temperature       *float64        `json:"temperature,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	StopSequences     json.RawMessage `json:"stop_sequences,omitempty"`
}

// AnthropicTextToChat upgrades a legacy text-completions body to the
// Messages API for Claude 3+ models, splitting the "\n\nHuman:" /
// "\n\nAssistant:" prompt transcript into turns.
func AnthropicTextToChat(body []byte) ([]byte, error) {
	var req anthropicTextRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", proxy.ErrBadRequest, err)
	}

	out := anthropicChatRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokensToSample,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.StopSequences,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, turn := range splitPromptTurns(req.Prompt) {
		content, _ := json.Marshal(turn.text)
		out.Messages = append(out.Messages, anthropicMsg{Role: turn.role, Content: content})
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("%w: prompt contains no turns", proxy.ErrBadRequest)
	}
	// A trailing empty assistant turn is the legacy completion cue; the
	// Messages API rejects empty content, so it is dropped above.

	return json.Marshal(out)
}

type promptTurn struct {
	role string
	text string
}

// splitPromptTurns parses a legacy "\n\nHuman: ...\n\nAssistant: ..."
// transcript. Text before the first marker becomes a leading human turn.
func splitPromptTurns(prompt string) []promptTurn {
	var turns []promptTurn
	appendTurn := func(role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if len(turns) > 0 && turns[len(turns)-1].role == role {
			turns[len(turns)-1].text += "\n\n" + text
			return
		}
		turns = append(turns, promptTurn{role: role, text: text})
	}

	rest := prompt
	role := "user"
	for {
		hIdx := strings.Index(rest, "\n\nHuman:")
		aIdx := strings.Index(rest, "\n\nAssistant:")
		next, nextRole, markerLen := -1, "", 0
		switch {
		case hIdx >= 0 && (aIdx < 0 || hIdx < aIdx):
			next, nextRole, markerLen = hIdx, "user", len("\n\nHuman:")
		case aIdx >= 0:
			next, nextRole, markerLen = aIdx, "assistant", len("\n\nAssistant:")
		}
		if next < 0 {
			appendTurn(role, rest)
			return turns
		}
		appendTurn(role, rest[:next])
		role = nextRole
		rest = rest[next+markerLen:]
	}
}
