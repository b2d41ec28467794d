// Package registry classifies raw model IDs into model families and exposes
// the static price table. Classification tables are compiled once at init;
// lookup is first-match over a prioritized pattern list per service.
package registry

import (
	"regexp"
	"slices"

	proxy "github.com/eugener/palantir/internal"
)

// rule pairs a compiled pattern with the family it selects.
type rule struct {
	pattern *regexp.Regexp
	family  proxy.ModelFamily
}

// classifiers holds per-service ordered rule lists. First match wins.
var classifiers = map[proxy.Service][]rule{
	proxy.ServiceOpenAI: {
		{regexp.MustCompile(`^gpt-5`), proxy.FamilyGPT5},
		{regexp.MustCompile(`^o[134](-|$)`), proxy.FamilyO1},
		{regexp.MustCompile(`^gpt-4o`), proxy.FamilyGPT4o},
		{regexp.MustCompile(`^gpt-4(-\d{4})?-(preview|turbo)`), proxy.FamilyGPT4Turbo},
		{regexp.MustCompile(`^gpt-4`), proxy.FamilyGPT4},
		{regexp.MustCompile(`^gpt-image`), proxy.FamilyGPTImage},
		{regexp.MustCompile(`^dall-e`), proxy.FamilyDallE},
		{regexp.MustCompile(`^gpt-3\.5|^text-embedding`), proxy.FamilyTurbo},
	},
	proxy.ServiceAnthropic: {
		{regexp.MustCompile(`^claude-(3-)?opus|^claude-opus`), proxy.FamilyClaudeOpus},
		{regexp.MustCompile(`^claude`), proxy.FamilyClaude},
	},
	proxy.ServiceAWS: {
		{regexp.MustCompile(`anthropic\.claude-(3-)?opus|claude-opus`), proxy.FamilyAWSClaudeOpus},
		{regexp.MustCompile(`anthropic\.claude|^claude`), proxy.FamilyAWSClaude},
		{regexp.MustCompile(`mistral\.`), proxy.FamilyAWSMistral},
	},
	proxy.ServiceGCP: {
		{regexp.MustCompile(`claude-(3-)?opus|claude-opus`), proxy.FamilyGCPClaudeOpus},
		{regexp.MustCompile(`claude`), proxy.FamilyGCPClaude},
	},
	proxy.ServiceGoogle: {
		{regexp.MustCompile(`gemini.*ultra`), proxy.FamilyGeminiUltra},
		{regexp.MustCompile(`gemini.*flash`), proxy.FamilyGeminiFlash},
		{regexp.MustCompile(`gemini`), proxy.FamilyGeminiPro},
	},
	proxy.ServiceMistral: {
		{regexp.MustCompile(`^mistral-tiny|^open-mistral-7b`), proxy.FamilyMistralTiny},
		{regexp.MustCompile(`^mistral-small|^open-mixtral-8x7b|^codestral`), proxy.FamilyMistralSmall},
		{regexp.MustCompile(`^mistral-medium|^open-mixtral-8x22b`), proxy.FamilyMistralMedium},
		{regexp.MustCompile(`^mistral-large|^pixtral-large`), proxy.FamilyMistralLarge},
	},
	proxy.ServiceOpenRouter: {
		{regexp.MustCompile(`.`), proxy.FamilyOpenRouter},
	},
	proxy.ServiceMoonshot: {
		{regexp.MustCompile(`.`), proxy.FamilyMoonshot},
	},
	proxy.ServiceQwen: {
		{regexp.MustCompile(`.`), proxy.FamilyQwen},
	},
	proxy.ServiceGLM: {
		{regexp.MustCompile(`.`), proxy.FamilyGLM},
	},
}

// fallbacks maps each service to its family for unknown model IDs.
var fallbacks = map[proxy.Service]proxy.ModelFamily{
	proxy.ServiceOpenAI:     proxy.FamilyTurbo,
	proxy.ServiceAnthropic:  proxy.FamilyClaude,
	proxy.ServiceAWS:        proxy.FamilyAWSClaude,
	proxy.ServiceGCP:        proxy.FamilyGCPClaude,
	proxy.ServiceGoogle:     proxy.FamilyGeminiPro,
	proxy.ServiceMistral:    proxy.FamilyMistralSmall,
	proxy.ServiceOpenRouter: proxy.FamilyOpenRouter,
	proxy.ServiceMoonshot:   proxy.FamilyMoonshot,
	proxy.ServiceQwen:       proxy.FamilyQwen,
	proxy.ServiceGLM:        proxy.FamilyGLM,
}

// Family classifies a raw model ID into its model family for the given
// service. Unknown models map to the service's fallback family.
func Family(service proxy.Service, rawModel string) proxy.ModelFamily {
	for _, r := range classifiers[service] {
		if r.pattern.MatchString(rawModel) {
			return r.family
		}
	}
	return fallbacks[service]
}

// Price is the cost of a family in USD per million tokens.
type Price struct {
	InputPerM  float64
	OutputPerM float64
}

// prices is the static per-family price table. Image families are priced
// per image by the response handler, not per token; their entries are zero.
var prices = map[proxy.ModelFamily]Price{
	proxy.FamilyTurbo:         {0.50, 1.50},
	proxy.FamilyGPT4:          {30, 60},
	proxy.FamilyGPT4Turbo:     {10, 30},
	proxy.FamilyGPT4o:         {2.50, 10},
	proxy.FamilyGPT5:          {1.25, 10},
	proxy.FamilyO1:            {15, 60},
	proxy.FamilyClaude:        {3, 15},
	proxy.FamilyClaudeOpus:    {15, 75},
	proxy.FamilyAWSClaude:     {3, 15},
	proxy.FamilyAWSClaudeOpus: {15, 75},
	proxy.FamilyAWSMistral:    {2, 6},
	proxy.FamilyGCPClaude:     {3, 15},
	proxy.FamilyGCPClaudeOpus: {15, 75},
	proxy.FamilyGeminiFlash:   {0.15, 0.60},
	proxy.FamilyGeminiPro:     {1.25, 10},
	proxy.FamilyGeminiUltra:   {7, 21},
	proxy.FamilyMistralTiny:   {0.25, 0.25},
	proxy.FamilyMistralSmall:  {1, 3},
	proxy.FamilyMistralMedium: {2.7, 8.1},
	proxy.FamilyMistralLarge:  {2, 6},
	proxy.FamilyOpenRouter:    {5, 15},
	proxy.FamilyMoonshot:      {2, 5},
	proxy.FamilyQwen:          {1, 3},
	proxy.FamilyGLM:           {1, 3},
}

// PriceOf returns the USD-per-million-token price for a family.
// Unknown families return a zero price.
func PriceOf(family proxy.ModelFamily) Price {
	return prices[family]
}

// AllFamilies returns every known model family, sorted.
func AllFamilies() []proxy.ModelFamily {
	out := make([]proxy.ModelFamily, 0, len(prices))
	for f := range prices {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// IsImageFamily reports whether the family is billed per image.
func IsImageFamily(f proxy.ModelFamily) bool {
	return f == proxy.FamilyDallE || f == proxy.FamilyGPTImage
}
