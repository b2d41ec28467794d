package response

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"
)

// IsBedrockStream reports whether a response body carries the AWS binary
// event stream framing Bedrock uses for invoke-with-response-stream.
func IsBedrockStream(h http.Header) bool {
	return h.Get("Content-Type") == "application/vnd.amazon.eventstream"
}

// ForwardBedrock decodes AWS binary event stream frames and re-emits each
// inner Anthropic event to w as SSE, so Bedrock-backed requests stream in
// the same dialect as direct Anthropic ones. Every event also feeds agg;
// like Forward, a failed client write stops emission but not aggregation.
func ForwardBedrock(ctx context.Context, w io.Writer, upstream io.Reader, agg *Aggregator) error {
	flusher, _ := w.(http.Flusher)
	decoder := eventstream.NewDecoder()
	clientGone := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := decoder.Decode(upstream, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode bedrock frame: %w", err)
		}

		switch headerValue(msg.Headers, ":message-type") {
		case "event":
		case "exception":
			errType := headerValue(msg.Headers, ":exception-type")
			if len(errType) > 64 {
				errType = errType[:64]
			}
			payload := msg.Payload
			if len(payload) > 512 {
				payload = payload[:512]
			}
			return fmt.Errorf("bedrock exception: %s: %s", errType, payload)
		default:
			continue
		}

		event, err := extractEventBytes(msg.Payload)
		if err != nil {
			return fmt.Errorf("extract bedrock event: %w", err)
		}
		eventType := gjson.GetBytes(event, "type").String()
		if eventType == "" {
			continue
		}

		agg.Feed(event)

		if !clientGone {
			frame := "event: " + eventType + "\ndata: " + string(event) + "\n\n"
			if _, err := io.WriteString(w, frame); err != nil {
				clientGone = true
			} else if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes decodes the {"bytes":"<base64>"} envelope each Bedrock
// event frame wraps around the Anthropic event JSON.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}
