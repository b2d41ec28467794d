package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/pipeline"
)

// maxRequestBody bounds an inbound request body.
const maxRequestBody = 10 << 20

// handleFrontDoor builds the request context for one (service, inbound
// format) entry point and hands it to the pipeline.
func (s *server) handleFrontDoor(svc proxy.Service, inFormat proxy.APIFormat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return
		}

		model := gjson.GetBytes(body, "model").String()
		token := ""
		if user := proxy.UserFromContext(r.Context()); user != nil {
			token = user.Token
		}

		rc := &pipeline.RequestContext{
			Ctx:       r.Context(),
			UserToken: token,
			Logged:    s.deps.LogPrompts,
			Service:   svc,
			Model:     model,
			InFormat:  inFormat,
			OutFormat: outboundFormat(svc, inFormat, model),
			Header:    http.Header{},
			Body:      body,
		}
		s.deps.Pipeline.Serve(w, rc)
	}
}

// outboundFormat decides the upstream wire dialect for a front-door request.
func outboundFormat(svc proxy.Service, inFormat proxy.APIFormat, model string) proxy.APIFormat {
	// Embeddings and images keep their shape on every provider.
	if inFormat == proxy.FormatOpenAIEmbed || inFormat == proxy.FormatOpenAIImage {
		return inFormat
	}

	switch svc {
	case proxy.ServiceAnthropic, proxy.ServiceGCP:
		return proxy.FormatAnthropicChat
	case proxy.ServiceAWS:
		// Legacy Claude IDs only exist on the text completions API.
		if inFormat == proxy.FormatAnthropicText {
			return proxy.FormatAnthropicText
		}
		return proxy.FormatAnthropicChat
	case proxy.ServiceGoogle:
		return proxy.FormatGoogleAI
	case proxy.ServiceMistral:
		return proxy.FormatMistralAI
	case proxy.ServiceOpenAI:
		if inFormat == proxy.FormatOpenAIResponses || requiresResponsesAPI(model) {
			return proxy.FormatOpenAIResponses
		}
		return proxy.FormatOpenAI
	default:
		// OpenAI-compatible providers (OpenRouter, Moonshot, Qwen, GLM).
		return proxy.FormatOpenAI
	}
}

// requiresResponsesAPI lists models OpenAI only serves on /v1/responses.
func requiresResponsesAPI(model string) bool {
	return strings.Contains(model, "o1-pro") || strings.Contains(model, "o3-pro") ||
		strings.Contains(model, "gpt-5-pro") || strings.Contains(model, "deep-research")
}
