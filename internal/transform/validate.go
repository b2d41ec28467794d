package transform

import (
	"fmt"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// validator checks structural requirements of one wire dialect.
type validator func(root gjson.Result) error

// validators maps each format to its schema check. Checks are intentionally
// shallow: the upstream provider remains the authority on deep semantics,
// the proxy only refuses bodies it cannot route or count.
var validators = map[proxy.APIFormat]validator{
	proxy.FormatOpenAI:          validateOpenAI,
	proxy.FormatOpenAIResponses: validateOpenAIResponses,
	proxy.FormatOpenAIImage:     validateOpenAIImage,
	proxy.FormatOpenAIEmbed:     validateOpenAIEmbed,
	proxy.FormatAnthropicChat:   validateAnthropicChat,
	proxy.FormatAnthropicText:   validateAnthropicText,
	proxy.FormatGoogleAI:        validateGoogleAI,
	proxy.FormatMistralAI:       validateOpenAI, // Mistral speaks the OpenAI chat shape
}

// Validate checks body against the schema for the given format.
func Validate(format proxy.APIFormat, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: body is not valid JSON", proxy.ErrBadRequest)
	}
	v, ok := validators[format]
	if !ok {
		return fmt.Errorf("%w: unknown request format %q", proxy.ErrBadRequest, format)
	}
	return v(gjson.ParseBytes(body))
}

func validateOpenAI(root gjson.Result) error {
	if err := requireString(root, "model"); err != nil {
		return err
	}
	msgs := root.Get("messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return missing("messages")
	}
	for _, m := range msgs.Array() {
		if m.Get("role").String() == "" {
			return fmt.Errorf("%w: message missing role", proxy.ErrBadRequest)
		}
	}
	return nil
}

func validateOpenAIResponses(root gjson.Result) error {
	if err := requireString(root, "model"); err != nil {
		return err
	}
	if !root.Get("input").Exists() && !root.Get("messages").Exists() {
		return missing("input")
	}
	return nil
}

func validateOpenAIImage(root gjson.Result) error {
	return requireString(root, "prompt")
}

func validateOpenAIEmbed(root gjson.Result) error {
	if err := requireString(root, "model"); err != nil {
		return err
	}
	if !root.Get("input").Exists() {
		return missing("input")
	}
	return nil
}

func validateAnthropicChat(root gjson.Result) error {
	if err := requireString(root, "model"); err != nil {
		return err
	}
	if !root.Get("messages").IsArray() {
		return missing("messages")
	}
	if root.Get("max_tokens").Int() <= 0 {
		return fmt.Errorf("%w: max_tokens must be a positive integer", proxy.ErrBadRequest)
	}
	return nil
}

func validateAnthropicText(root gjson.Result) error {
	if err := requireString(root, "model"); err != nil {
		return err
	}
	if err := requireString(root, "prompt"); err != nil {
		return err
	}
	if root.Get("max_tokens_to_sample").Int() <= 0 {
		return fmt.Errorf("%w: max_tokens_to_sample must be a positive integer", proxy.ErrBadRequest)
	}
	return nil
}

func validateGoogleAI(root gjson.Result) error {
	if !root.Get("contents").IsArray() {
		return missing("contents")
	}
	return nil
}

func requireString(root gjson.Result, key string) error {
	if root.Get(key).String() == "" {
		return missing(key)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %q", proxy.ErrBadRequest, field)
}
