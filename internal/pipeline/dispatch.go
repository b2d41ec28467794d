package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cloudauth"
	"github.com/eugener/palantir/internal/registry"
)

// Anthropic API version pins per transport.
const (
	anthropicVersion = "2023-06-01"
	bedrockVersion   = "bedrock-2023-05-31"
	vertexVersion    = "vertex-2023-10-16"
)

// serviceHost returns the upstream host for a bound credential.
func serviceHost(service proxy.Service, cred *proxy.Credential) string {
	switch service {
	case proxy.ServiceOpenAI:
		return "api.openai.com"
	case proxy.ServiceAnthropic:
		return "api.anthropic.com"
	case proxy.ServiceAWS:
		return cloudauth.BedrockHost(cred.AWS.Region)
	case proxy.ServiceGCP:
		return cloudauth.VertexHost(cred.GCP.Region)
	case proxy.ServiceGoogle:
		return "generativelanguage.googleapis.com"
	case proxy.ServiceMistral:
		return "api.mistral.ai"
	case proxy.ServiceOpenRouter:
		return "openrouter.ai"
	case proxy.ServiceMoonshot:
		return "api.moonshot.ai"
	case proxy.ServiceQwen:
		return "dashscope-intl.aliyuncs.com"
	case proxy.ServiceGLM:
		return "open.bigmodel.cn"
	}
	return ""
}

// outboundPath maps (service, format, streaming) to the provider endpoint.
// Model-in-path providers (AWS, GCP, Google) embed the reassigned model.
func outboundPath(rc *RequestContext) string {
	switch rc.Service {
	case proxy.ServiceAnthropic:
		// OpenAI-style inbound paths remap to the Anthropic API surface.
		if rc.OutFormat == proxy.FormatAnthropicText {
			return "/v1/complete"
		}
		return "/v1/messages"
	case proxy.ServiceAWS:
		if rc.Streaming {
			return "/model/" + url.PathEscape(rc.Model) + "/invoke-with-response-stream"
		}
		return "/model/" + url.PathEscape(rc.Model) + "/invoke"
	case proxy.ServiceGCP:
		verb := "rawPredict"
		if rc.Streaming {
			verb = "streamRawPredict"
		}
		return fmt.Sprintf("/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
			rc.Credential.GCP.ProjectID, rc.Credential.GCP.Region, rc.Model, verb)
	case proxy.ServiceGoogle:
		if rc.Streaming {
			return "/v1beta/models/" + rc.Model + ":streamGenerateContent?alt=sse"
		}
		return "/v1beta/models/" + rc.Model + ":generateContent"
	case proxy.ServiceGLM:
		return "/api/paas/v4/chat/completions"
	case proxy.ServiceOpenRouter:
		return "/api/v1" + openAIStylePath(rc.OutFormat)
	case proxy.ServiceQwen:
		return "/compatible-mode/v1" + openAIStylePath(rc.OutFormat)
	default:
		return "/v1" + openAIStylePath(rc.OutFormat)
	}
}

func openAIStylePath(format proxy.APIFormat) string {
	switch format {
	case proxy.FormatOpenAIResponses:
		return "/responses"
	case proxy.FormatOpenAIEmbed:
		return "/embeddings"
	case proxy.FormatOpenAIImage:
		return "/images/generations"
	default:
		return "/chat/completions"
	}
}

// bind applies all stage-B mutations for one attempt: credential, model
// reassignment, path, body finalization, and auth. Every mutation goes
// through the change manager so a retry starts clean.
func (p *Pipeline) bind(rc *RequestContext, cred proxy.Credential) error {
	rc.SetKey(cred)

	if m := registry.MaybeReassignModel(rc.Service, rc.Model); m != rc.Model {
		rc.SetModel(m)
	}
	rc.SetHost(serviceHost(rc.Service, &rc.Credential))
	rc.SetPath(outboundPath(rc))

	if err := p.finalizeBody(rc); err != nil {
		return err
	}
	return p.authorize(rc)
}

// responsesUnsupported are chat-completions params the Responses API rejects.
var responsesUnsupported = []string{"logit_bias", "logprobs", "top_logprobs", "n", "presence_penalty", "frequency_penalty"}

// finalizeBody serializes the outbound body exactly once per attempt. Every
// rewrite checks its own precondition, so applying it after any number of
// no-op mutators changes nothing.
func (p *Pipeline) finalizeBody(rc *RequestContext) error {
	body := rc.Body
	var err error

	switch rc.Service {
	case proxy.ServiceAWS:
		// Bedrock carries the model in the path and pins the API version in
		// the body.
		if body, err = dropField(body, "model"); err != nil {
			return err
		}
		if body, err = setIfAbsent(body, "anthropic_version", bedrockVersion); err != nil {
			return err
		}
	case proxy.ServiceGCP:
		if body, err = dropField(body, "model"); err != nil {
			return err
		}
		if body, err = setIfAbsent(body, "anthropic_version", vertexVersion); err != nil {
			return err
		}
	case proxy.ServiceGoogle:
		if body, err = dropField(body, "model"); err != nil {
			return err
		}
	default:
		if gjson.GetBytes(body, "model").String() != rc.Model {
			if body, err = sjson.SetBytes(body, "model", rc.Model); err != nil {
				return err
			}
		}
	}

	if rc.OutFormat == proxy.FormatOpenAIResponses {
		if msgs := gjson.GetBytes(body, "messages"); msgs.Exists() && !gjson.GetBytes(body, "input").Exists() {
			if body, err = sjson.SetRawBytes(body, "input", []byte(msgs.Raw)); err != nil {
				return err
			}
			if body, err = sjson.DeleteBytes(body, "messages"); err != nil {
				return err
			}
		}
		if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() && !gjson.GetBytes(body, "max_output_tokens").Exists() {
			if body, err = sjson.SetBytes(body, "max_output_tokens", mt.Int()); err != nil {
				return err
			}
			if body, err = sjson.DeleteBytes(body, "max_tokens"); err != nil {
				return err
			}
		}
		for _, key := range responsesUnsupported {
			if body, err = dropField(body, key); err != nil {
				return err
			}
		}
	}

	if !bytes.Equal(body, rc.Body) {
		rc.SetBody(body)
	}
	return nil
}

// authorize attaches upstream credentials for the bound service. AWS SigV4
// happens at dispatch time because it signs the final URL and headers.
func (p *Pipeline) authorize(rc *RequestContext) error {
	cred := &rc.Credential
	switch rc.Service {
	case proxy.ServiceAnthropic:
		rc.SetHeader("x-api-key", cred.Secret)
		rc.SetHeader("anthropic-version", anthropicVersion)
	case proxy.ServiceGCP:
		rc.SetHeader("Authorization", "Bearer "+cred.GCP.AccessToken)
	case proxy.ServiceGoogle:
		rc.SetHeader("x-goog-api-key", cred.Secret)
	case proxy.ServiceAWS:
		// signed per-request in dispatch
	default:
		rc.SetHeader("Authorization", "Bearer "+cred.Secret)
	}
	rc.SetHeader("Content-Type", "application/json")
	return nil
}

// dispatch sends the finalized request upstream. The outbound context is
// detached from the client's so an early disconnect cannot abandon a request
// the provider will bill anyway; stream forwarding still honors the client.
func (p *Pipeline) dispatch(rc *RequestContext) (*http.Response, error) {
	target := "https://" + rc.Host + rc.Path
	if base, ok := p.Targets[rc.Service]; ok {
		target = base + rc.Path
	}

	ctx := context.WithoutCancel(rc.Ctx)
	req, err := http.NewRequestWithContext(ctx, rc.Method, target, bytes.NewReader(rc.Body))
	if err != nil {
		return nil, err
	}
	for k, vs := range rc.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.ContentLength = int64(len(rc.Body))

	if rc.Service == proxy.ServiceAWS {
		secret, err := cloudauth.ParseAWSSecret(rc.Credential.Secret)
		if err != nil {
			return nil, err
		}
		if err := cloudauth.SignAWSRequest(ctx, req, rc.Body, secret); err != nil {
			return nil, err
		}
	}
	return p.Client.Do(req)
}

func dropField(body []byte, key string) ([]byte, error) {
	if !gjson.GetBytes(body, key).Exists() {
		return body, nil
	}
	return sjson.DeleteBytes(body, key)
}

func setIfAbsent(body []byte, key, value string) ([]byte, error) {
	if gjson.GetBytes(body, key).Exists() {
		return body, nil
	}
	return sjson.SetBytes(body, key, value)
}
