package registry

import (
	"regexp"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

// Model-name normalization. Each service maps client-supplied aliases to the
// canonical upstream ID; unknown names fall back to a per-service default.

// legacyAWSClaude matches the old Bedrock Claude ID shape, e.g.
// "anthropic.claude-3-sonnet-20240229-v1:0" or bare "claude-3-sonnet-20240229".
// Legacy IDs never receive the cross-region "global." prefix.
var legacyAWSClaude = regexp.MustCompile(`claude-(instant-)?(v?\d(-\d)?-)?(opus|sonnet|haiku)?-?\d{8}`)

// newAWSClaude matches the new name order, e.g. "claude-sonnet-4-20250514".
var newAWSClaude = regexp.MustCompile(`claude-(opus|sonnet|haiku)-\d(-\d)?-\d{8}`)

// openaiAliases maps OpenAI shorthand names to pinned upstream IDs.
var openaiAliases = map[string]string{
	"gpt-4":         "gpt-4-0613",
	"gpt-4-turbo":   "gpt-4-turbo-2024-04-09",
	"gpt-4o":        "gpt-4o-2024-08-06",
	"gpt-3.5-turbo": "gpt-3.5-turbo-0125",
}

// anthropicAliases maps "-latest" style names to pinned revisions.
var anthropicAliases = map[string]string{
	"claude-3-5-sonnet-latest": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-latest":  "claude-3-5-haiku-20241022",
	"claude-3-opus-latest":     "claude-3-opus-20240229",
}

// gcpRevisions maps bare Claude names to the GCP "<name>@<revision>" form.
var gcpRevisions = map[string]string{
	"claude-3-5-sonnet": "claude-3-5-sonnet@20240620",
	"claude-3-opus":     "claude-3-opus@20240229",
	"claude-3-haiku":    "claude-3-haiku@20240307",
}

// defaults is the per-service model used when the requested name is unknown.
var defaults = map[proxy.Service]string{
	proxy.ServiceOpenAI:    "gpt-4o-2024-08-06",
	proxy.ServiceAnthropic: "claude-3-5-sonnet-20241022",
	proxy.ServiceAWS:       "anthropic.claude-3-5-sonnet-20240620-v1:0",
	proxy.ServiceGCP:       "claude-3-5-sonnet@20240620",
	proxy.ServiceGoogle:    "gemini-1.5-pro",
	proxy.ServiceMistral:   "mistral-small-latest",
	proxy.ServiceMoonshot:  "moonshot-v1-8k",
	proxy.ServiceQwen:      "qwen-plus",
	proxy.ServiceGLM:       "glm-4",
}

// MaybeReassignModel maps a client-facing model alias to the canonical
// upstream ID for the given service. Names that are already canonical pass
// through unchanged.
func MaybeReassignModel(service proxy.Service, model string) string {
	switch service {
	case proxy.ServiceOpenAI:
		if pinned, ok := openaiAliases[model]; ok {
			return pinned
		}
		return model
	case proxy.ServiceAnthropic:
		if pinned, ok := anthropicAliases[model]; ok {
			return pinned
		}
		return model
	case proxy.ServiceAWS:
		return reassignAWS(model)
	case proxy.ServiceGCP:
		if rev, ok := gcpRevisions[model]; ok {
			return rev
		}
		return model
	default:
		return model
	}
}

// reassignAWS normalizes Claude names to Bedrock invoke IDs and applies the
// cross-region "global." prefix to non-legacy Claude models. Already-prefixed
// IDs are never double-prefixed.
func reassignAWS(model string) string {
	if strings.HasPrefix(model, "global.") {
		return model
	}
	id := model
	if !strings.Contains(id, "anthropic.") && strings.HasPrefix(id, "claude") {
		id = "anthropic." + id
	}
	if !strings.HasSuffix(id, ":0") && strings.Contains(id, "anthropic.") {
		id += "-v1:0"
	}
	if newAWSClaude.MatchString(id) && !legacyAWSClaude.MatchString(id) {
		return "global." + id
	}
	return id
}

// DefaultModel returns the fallback upstream model for a service.
func DefaultModel(service proxy.Service) string {
	return defaults[service]
}
