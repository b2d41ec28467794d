package transform

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
)

// mistralUnsupported are OpenAI chat params La Plateforme rejects.
var mistralUnsupported = []string{
	"logit_bias", "logprobs", "top_logprobs", "user",
	"frequency_penalty", "presence_penalty", "seed",
}

// OpenAIToMistral adapts an OpenAI chat completions body for Mistral's
// mostly-compatible chat endpoint: unsupported params are stripped and a
// string `stop` is normalized to an array.
func OpenAIToMistral(body []byte) ([]byte, error) {
	out := body
	var err error
	for _, key := range mistralUnsupported {
		if !gjson.GetBytes(out, key).Exists() {
			continue
		}
		if out, err = sjson.DeleteBytes(out, key); err != nil {
			return nil, fmt.Errorf("%w: strip %s: %v", proxy.ErrBadRequest, key, err)
		}
	}
	if stop := gjson.GetBytes(out, "stop"); stop.Exists() && stop.Type == gjson.String {
		if out, err = sjson.SetBytes(out, "stop", []string{stop.String()}); err != nil {
			return nil, err
		}
	}
	return out, nil
}
