package response

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// maxSSELineSize bounds a single SSE line; bufio's default token limit is
// too small for large data payloads.
const maxSSELineSize = 64 * 1024

// NewScanner returns a line scanner sized for SSE payloads.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxSSELineSize)
	return sc
}

// ParseSSELine splits one SSE line into its field and value. ok is false
// for blank lines, comments, and fields other than event/data.
func ParseSSELine(line []byte) (field, value string, ok bool) {
	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		return "data", strings.TrimSpace(string(line[len("data:"):])), true
	case bytes.HasPrefix(line, []byte("event:")):
		return "event", strings.TrimSpace(string(line[len("event:"):])), true
	}
	return "", "", false
}

// Aggregator folds a stream of SSE data payloads into the equivalent
// blocking response: concatenated text, the final finish reason, and the
// final usage report. One aggregator serves one stream.
type Aggregator struct {
	format    proxy.APIFormat
	id        string
	model     string
	content   strings.Builder
	finish    string
	usage     proxy.TokenUsage
	haveUsage bool
	rawUsage  []byte
}

// NewAggregator returns an aggregator for the outbound wire format.
func NewAggregator(format proxy.APIFormat) *Aggregator {
	return &Aggregator{format: format}
}

// Feed consumes one SSE data payload. Non-JSON payloads and the [DONE]
// sentinel are ignored.
func (a *Aggregator) Feed(data []byte) {
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	r := gjson.ParseBytes(data)
	if !r.Exists() {
		return
	}

	switch a.format {
	case proxy.FormatAnthropicChat:
		a.feedAnthropicChat(r, data)
	case proxy.FormatAnthropicText:
		a.feedAnthropicText(r)
	case proxy.FormatGoogleAI:
		a.feedGoogle(r)
	case proxy.FormatOpenAIResponses:
		a.feedResponses(r)
	default:
		a.feedOpenAI(r)
	}
}

func (a *Aggregator) feedOpenAI(r gjson.Result) {
	if a.id == "" {
		a.id = r.Get("id").String()
	}
	if a.model == "" {
		a.model = r.Get("model").String()
	}
	if delta := r.Get("choices.0.delta.content"); delta.Exists() {
		a.content.WriteString(delta.String())
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Type == gjson.String {
		a.finish = fr.String()
	}
	// OpenAI sends usage only on the final chunk (stream_options.include_usage).
	if u := r.Get("usage"); u.IsObject() {
		a.usage = proxy.TokenUsage{
			Input:  u.Get("prompt_tokens").Int(),
			Output: u.Get("completion_tokens").Int(),
		}
		a.haveUsage = true
	}
}

func (a *Aggregator) feedResponses(r gjson.Result) {
	switch r.Get("type").String() {
	case "response.created":
		a.id = r.Get("response.id").String()
		a.model = r.Get("response.model").String()
	case "response.output_text.delta":
		a.content.WriteString(r.Get("delta").String())
	case "response.completed":
		if u := r.Get("response.usage"); u.IsObject() {
			a.usage = proxy.TokenUsage{
				Input:  u.Get("input_tokens").Int(),
				Output: u.Get("output_tokens").Int(),
			}
			a.haveUsage = true
		}
		a.finish = r.Get("response.status").String()
	}
}

func (a *Aggregator) feedAnthropicChat(r gjson.Result, raw []byte) {
	switch r.Get("type").String() {
	case "message_start":
		a.id = r.Get("message.id").String()
		a.model = r.Get("message.model").String()
		a.usage.Input = r.Get("message.usage.input_tokens").Int()
		a.rawUsage = []byte(r.Get("message.usage").Raw)
	case "content_block_delta":
		if r.Get("delta.type").String() == "text_delta" {
			a.content.WriteString(r.Get("delta.text").String())
		}
	case "message_delta":
		if sr := r.Get("delta.stop_reason"); sr.Exists() {
			a.finish = sr.String()
		}
		if out := r.Get("usage.output_tokens"); out.Exists() {
			a.usage.Output = out.Int()
			a.haveUsage = true
		}
		if u := r.Get("usage"); u.IsObject() {
			a.rawUsage = []byte(u.Raw)
		}
	}
}

func (a *Aggregator) feedAnthropicText(r gjson.Result) {
	a.content.WriteString(r.Get("completion").String())
	if sr := r.Get("stop_reason"); sr.Type == gjson.String {
		a.finish = sr.String()
	}
}

func (a *Aggregator) feedGoogle(r gjson.Result) {
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		a.content.WriteString(part.Get("text").String())
		return true
	})
	if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
		a.finish = fr.String()
	}
	if u := r.Get("usageMetadata"); u.IsObject() {
		a.usage = proxy.TokenUsage{
			Input:  u.Get("promptTokenCount").Int(),
			Output: u.Get("candidatesTokenCount").Int(),
		}
		a.haveUsage = true
	}
}

// Content returns the concatenated completion text.
func (a *Aggregator) Content() string { return a.content.String() }

// FinishReason returns the last finish/stop reason seen on the stream.
func (a *Aggregator) FinishReason() string { return a.finish }

// Usage returns the final usage report and whether upstream sent one.
func (a *Aggregator) Usage() (proxy.TokenUsage, bool) { return a.usage, a.haveUsage }

// RawUsage returns the provider's last usage object verbatim, for cache
// metric verification.
func (a *Aggregator) RawUsage() []byte { return a.rawUsage }

// Synthetic builds the blocking-response equivalent of the aggregated
// stream, in the outbound wire format. The result feeds the same usage and
// shaping middleware the blocking path uses; it is never sent to the client.
func (a *Aggregator) Synthetic(reqModel string) []byte {
	model := a.model
	if model == "" {
		model = reqModel
	}

	switch a.format {
	case proxy.FormatAnthropicChat:
		body := map[string]any{
			"id":    a.id,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"content": []map[string]any{
				{"type": "text", "text": a.content.String()},
			},
			"stop_reason": a.finish,
		}
		if a.haveUsage || a.usage.Input > 0 {
			body["usage"] = map[string]int64{
				"input_tokens":  a.usage.Input,
				"output_tokens": a.usage.Output,
			}
		}
		out, _ := json.Marshal(body)
		return out
	case proxy.FormatAnthropicText:
		out, _ := json.Marshal(map[string]any{
			"id":          a.id,
			"type":        "completion",
			"completion":  a.content.String(),
			"stop_reason": a.finish,
			"model":       model,
		})
		return out
	case proxy.FormatGoogleAI:
		body := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": a.content.String()}},
				},
				"finishReason": a.finish,
			}},
		}
		if a.haveUsage {
			body["usageMetadata"] = map[string]int64{
				"promptTokenCount":     a.usage.Input,
				"candidatesTokenCount": a.usage.Output,
				"totalTokenCount":      a.usage.Input + a.usage.Output,
			}
		}
		out, _ := json.Marshal(body)
		return out
	default:
		body := map[string]any{
			"id":     a.id,
			"object": "chat.completion",
			"model":  model,
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": a.content.String(),
				},
				"finish_reason": a.finish,
			}},
		}
		if a.haveUsage {
			body["usage"] = map[string]int64{
				"prompt_tokens":     a.usage.Input,
				"completion_tokens": a.usage.Output,
				"total_tokens":      a.usage.Input + a.usage.Output,
			}
		}
		out, _ := json.Marshal(body)
		return out
	}
}

// Forward copies the upstream SSE stream to w verbatim, flushing at event
// boundaries, while feeding every data payload into agg. If the client
// write fails the upstream read continues so the aggregator still captures
// the full completion for billing; ctx cancellation aborts both sides.
func Forward(ctx context.Context, w io.Writer, upstream io.Reader, agg *Aggregator) error {
	flusher, _ := w.(http.Flusher)
	sc := NewScanner(upstream)
	clientGone := false

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := sc.Bytes()
		if !clientGone {
			// Two writes so the scanner's buffer is never appended to.
			if _, err := w.Write(line); err != nil {
				clientGone = true
			} else if _, err := w.Write([]byte{'\n'}); err != nil {
				clientGone = true
			} else if len(line) == 0 && flusher != nil {
				flusher.Flush()
			}
		}
		if field, value, ok := ParseSSELine(line); ok && field == "data" {
			agg.Feed([]byte(value))
		}
	}
	return sc.Err()
}
