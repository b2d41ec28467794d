package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/affinity"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/registry"
	"github.com/eugener/palantir/internal/response"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/transform"
)

// maxResponseBody bounds a buffered blocking response.
const maxResponseBody = 20 << 20

// CredentialSource is the slice of the key pool stage B needs.
type CredentialSource interface {
	Select(service proxy.Service, model, fingerprint string) (proxy.Credential, error)
	RecordCacheUsage(fps []string, hash string, ttl time.Duration)
}

// QuotaStore admits requests against user quotas.
type QuotaStore interface {
	HasAvailableQuota(token string, family proxy.ModelFamily, requested int64) bool
	IncrementPromptCount(token string)
}

// Scheduler is the per-family queue stage A hands admitted requests to.
type Scheduler interface {
	Enqueue(ctx context.Context, service proxy.Service, family proxy.ModelFamily) *queue.Item
	Reenqueue(it *queue.Item, status int) error
}

// Pipeline carries every collaborator a request needs on its way upstream.
type Pipeline struct {
	Pool      CredentialSource
	Users     QuotaStore
	Queue     Scheduler
	Counter   *tokencount.Counter
	Responses *response.Handler
	Client    *http.Client

	// Targets overrides the per-service base URL, for tests and self-hosted
	// compatible endpoints.
	Targets map[proxy.Service]string

	Log *slog.Logger
}

func New(pool CredentialSource, users QuotaStore, q Scheduler, counter *tokencount.Counter, rh *response.Handler, client *http.Client, log *slog.Logger) *Pipeline {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		Pool:      pool,
		Users:     users,
		Queue:     q,
		Counter:   counter,
		Responses: rh,
		Client:    client,
		Targets:   map[proxy.Service]string{},
		Log:       log,
	}
}

// Prepare runs stage A: validate, transform to the outbound dialect, apply
// provider touch-ups, check streaming eligibility, count prompt tokens, and
// admit against the user's quota. The request is ready to enqueue on return.
func (p *Pipeline) Prepare(rc *RequestContext) error {
	if rc.Header == nil {
		rc.Header = http.Header{}
	}
	rc.Method = http.MethodPost

	// Model and stream flag come from the inbound body; some outbound
	// dialects carry neither.
	inbound := gjson.ParseBytes(rc.Body)
	if rc.Model == "" {
		rc.Model = inbound.Get("model").String()
	}
	rc.Streaming = inbound.Get("stream").Bool()
	rc.Family = registry.Family(rc.Service, rc.Model)

	body, err := transform.Apply(rc.InFormat, rc.OutFormat, rc.Body)
	if err != nil {
		return err
	}
	rc.PromptTransformed = rc.InFormat != rc.OutFormat
	rc.Body = body

	if err := p.touchUp(rc); err != nil {
		return err
	}
	if err := checkStreamingEligibility(rc); err != nil {
		return err
	}

	rc.PromptTokens = p.Counter.CountPrompt(rc.Ctx, rc.Service, rc.OutFormat, rc.Body, rc.Model)
	rc.OutputTokens = claimedOutputTokens(rc.OutFormat, rc.Body)

	if rc.UserToken != "" {
		requested := int64(rc.PromptTokens) + rc.OutputTokens
		if !p.Users.HasAvailableQuota(rc.UserToken, rc.Family, requested) {
			return fmt.Errorf("%w: family %s needs %d tokens", proxy.ErrQuotaExceeded, rc.Family, requested)
		}
	}

	rc.Fingerprints = affinity.Fingerprints(rc.Body)
	rc.DeclaredTTL = affinity.DeclaredTTL(rc.Body)
	return nil
}

// Serve runs the request end to end: stage A, queue admission, then the
// stage-B attempt loop with retry-and-rotate until success, a terminal
// error, or an exhausted retry budget.
func (p *Pipeline) Serve(w http.ResponseWriter, rc *RequestContext) {
	if err := p.Prepare(rc); err != nil {
		p.writeError(w, rc, err)
		return
	}

	it := p.Queue.Enqueue(rc.Ctx, rc.Service, rc.Family)
	for {
		if err := it.Await(rc.Ctx); err != nil {
			// Client gone or shutdown; nothing was dispatched.
			p.Log.Debug("request aborted in queue", "family", rc.Family, "err", err)
			return
		}

		err := p.attempt(w, rc)
		if err == nil {
			it.Finish()
			return
		}
		if !errors.Is(err, proxy.ErrRetryable) {
			it.Finish()
			p.writeError(w, rc, err)
			return
		}

		rc.Revert()
		status := 0
		var ue *response.UpstreamError
		if errors.As(err, &ue) {
			status = ue.Status
		}
		if reErr := p.Queue.Reenqueue(it, status); reErr != nil {
			it.Finish()
			p.Log.Warn("retry budget exhausted",
				"service", rc.Service, "family", rc.Family, "err", err)
			p.writeError(w, rc, err)
			return
		}
	}
}

// attempt runs one stage-B pass. A nil return means the response reached the
// client; an error wrapping proxy.ErrRetryable means nothing was written and
// the caller may rotate.
func (p *Pipeline) attempt(w http.ResponseWriter, rc *RequestContext) error {
	fp := ""
	if n := len(rc.Fingerprints); n > 0 {
		fp = rc.Fingerprints[n-1]
	}
	cred, err := p.Pool.Select(rc.Service, rc.Model, fp)
	if err != nil {
		return err
	}
	if err := p.bind(rc, cred); err != nil {
		return err
	}

	resp, err := p.dispatch(rc)
	if err != nil {
		// Transport failure: nothing written, rotate and retry.
		return fmt.Errorf("%w: dispatch %s: %v", proxy.ErrRetryable, rc.Service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		x := p.exchange(rc, resp.StatusCode, resp.Header, body, false)
		return p.Responses.Finish(x)
	}

	if len(rc.Fingerprints) > 0 {
		p.Pool.RecordCacheUsage(rc.Fingerprints, rc.Credential.Hash, affinity.TTLFor(rc.DeclaredTTL))
	}
	if rc.UserToken != "" {
		p.Users.IncrementPromptCount(rc.UserToken)
	}

	if rc.Streaming && (isEventStream(resp.Header) || response.IsBedrockStream(resp.Header)) {
		return p.respondStreaming(w, rc, resp)
	}
	return p.respondBlocking(w, rc, resp)
}

// respondStreaming tees the upstream SSE stream to the client and bills off
// the aggregated synthetic body. Once headers are written no error can be
// retried.
func (p *Pipeline) respondStreaming(w http.ResponseWriter, rc *RequestContext, resp *http.Response) error {
	response.CopyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)

	agg := response.NewAggregator(rc.OutFormat)
	forward := response.Forward
	if response.IsBedrockStream(resp.Header) {
		// Bedrock frames arrive as a binary event stream; the forwarder
		// re-emits them as Anthropic SSE.
		forward = response.ForwardBedrock
	}
	if err := forward(rc.Ctx, w, resp.Body, agg); err != nil {
		p.Log.Debug("stream forwarder stopped early", "service", rc.Service, "err", err)
	}

	x := p.exchange(rc, resp.StatusCode, resp.Header, agg.Synthetic(rc.Model), true)
	x.RawUsage = agg.RawUsage()
	if err := p.Responses.Finish(x); err != nil {
		// Headers already went out; log and close.
		p.Log.Warn("post-stream accounting failed", "service", rc.Service, "err", err)
	}
	return nil
}

// respondBlocking buffers the body, runs the middleware chain, shapes it
// back into the inbound dialect, and writes it out.
func (p *Pipeline) respondBlocking(w http.ResponseWriter, rc *RequestContext, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read upstream body: %v", proxy.ErrRetryable, err)
	}

	x := p.exchange(rc, resp.StatusCode, resp.Header, body, false)
	if err := p.Responses.Finish(x); err != nil {
		return err
	}

	shaped, err := transform.Shape(rc.InFormat, rc.OutFormat, x.Body, rc.Model)
	if err != nil {
		return err
	}
	// Shaping re-marshals the body; carry the proxy object across.
	if info := gjson.GetBytes(x.Body, "proxy"); info.Exists() && !gjson.GetBytes(shaped, "proxy").Exists() {
		if out, serr := sjson.SetRawBytes(shaped, "proxy", []byte(info.Raw)); serr == nil {
			shaped = out
		}
	}

	response.CopyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(x.Status)
	_, _ = w.Write(shaped)
	return nil
}

func (p *Pipeline) exchange(rc *RequestContext, status int, header http.Header, body []byte, streaming bool) *response.Exchange {
	return &response.Exchange{
		Service:           rc.Service,
		Family:            rc.Family,
		Model:             rc.Model,
		InFormat:          rc.InFormat,
		OutFormat:         rc.OutFormat,
		KeyHash:           rc.Credential.Hash,
		UserToken:         rc.UserToken,
		Streaming:         streaming,
		PromptTransformed: rc.PromptTransformed,
		PromptTokens:      int64(rc.PromptTokens),
		UsedCache:         rc.UsedCache,
		Logged:            rc.Logged,
		Status:            status,
		Header:            header,
		Body:              body,
	}
}

// writeError surfaces a pipeline failure to the client as a JSON error with
// the proxy's status mapping and, where defined, an operator note.
func (p *Pipeline) writeError(w http.ResponseWriter, rc *RequestContext, err error) {
	status := http.StatusInternalServerError
	note := ""

	var ue *response.UpstreamError
	switch {
	case errors.As(err, &ue):
		status = ue.ClientStatus()
		note = response.Note(rc.Service, ue.Outcome)
	case errors.Is(err, queue.ErrRetryBudgetExhausted), errors.Is(err, proxy.ErrRetryable):
		status = http.StatusBadGateway
		note = response.Note(rc.Service, response.OutcomeRateLimited)
	case errors.Is(err, proxy.ErrBadRequest), errors.Is(err, proxy.ErrStreamingRefused):
		status = http.StatusBadRequest
	case errors.Is(err, proxy.ErrQuotaExceeded):
		status = http.StatusPaymentRequired
	case errors.Is(err, proxy.ErrNoKeyAvailable):
		status = http.StatusServiceUnavailable
	}

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    "proxy_error",
			"message": response.RedactOrgIDs(err.Error()),
		},
	})
	body = response.AttachNote(body, note)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}
