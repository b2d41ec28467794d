package transform

import (
	"encoding/json"
	"fmt"

	proxy "github.com/eugener/palantir/internal"
)

// googleRequest is the Gemini generateContent request body.
type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	Tools             []googleTool            `json:"tools,omitempty"`
	SafetySettings    []googleSafetySetting   `json:"safetySettings,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type googleTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type googleSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type googleGenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

// defaultSafetySettings relaxes every category to the API minimum; the proxy
// does its own policy enforcement upstream of the provider.
var defaultSafetySettings = []googleSafetySetting{
	{"HARM_CATEGORY_HARASSMENT", "BLOCK_NONE"},
	{"HARM_CATEGORY_HATE_SPEECH", "BLOCK_NONE"},
	{"HARM_CATEGORY_SEXUALLY_EXPLICIT", "BLOCK_NONE"},
	{"HARM_CATEGORY_DANGEROUS_CONTENT", "BLOCK_NONE"},
	{"HARM_CATEGORY_CIVIC_INTEGRITY", "BLOCK_NONE"},
}

// OpenAIToGoogleAI converts an OpenAI chat completions body to a Gemini
// generateContent body: camelCased generation config, adjacent same-role
// turns merged (Gemini requires strict alternation), safety settings
// injected, stops mapped.
func OpenAIToGoogleAI(body []byte) ([]byte, error) {
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", proxy.ErrBadRequest, err)
	}

	out := googleRequest{SafetySettings: defaultSafetySettings}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &googleGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   stopSequences(req.Stop),
		}
	}

	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(req.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []googleTool{{FunctionDeclarations: raw}}
			}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &googleContent{
				Parts: []googlePart{{Text: extractText(m.Content)}},
			}
		case "user", "tool":
			part := googlePart{Text: extractText(m.Content)}
			if m.Role == "tool" {
				fr, _ := json.Marshal(map[string]any{
					"name":     m.ToolCallID,
					"response": json.RawMessage(m.Content),
				})
				part = googlePart{FunctionResponse: fr}
			}
			appendMerged(&out.Contents, "user", part)
		case "assistant":
			appendMerged(&out.Contents, "model", googlePart{Text: extractText(m.Content)})
		}
	}

	return json.Marshal(out)
}

// appendMerged appends a part, merging into the previous content when the
// role repeats.
func appendMerged(contents *[]googleContent, role string, part googlePart) {
	if n := len(*contents); n > 0 && (*contents)[n-1].Role == role {
		(*contents)[n-1].Parts = append((*contents)[n-1].Parts, part)
		return
	}
	*contents = append(*contents, googleContent{Role: role, Parts: []googlePart{part}})
}
