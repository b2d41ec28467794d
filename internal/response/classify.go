// Package response handles upstream results: error classification with
// retry-and-rotate semantics, streaming tee with blocking aggregation,
// authoritative usage extraction, and the post-dispatch middleware chain.
package response

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// Outcome is the classifier's verdict on an upstream response.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBadRequest
	OutcomeQuotaExceeded
	OutcomeUnauthorized
	OutcomeCredentialOverQuota
	OutcomeRateLimited
	OutcomeModelUnavailable
	OutcomeContentFiltered
	OutcomeUpstreamTransient
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBadRequest:
		return "bad_request"
	case OutcomeQuotaExceeded:
		return "quota_exceeded"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeCredentialOverQuota:
		return "credential_over_quota"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeModelUnavailable:
		return "model_unavailable"
	case OutcomeContentFiltered:
		return "content_filtered"
	case OutcomeUpstreamTransient:
		return "upstream_transient"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Retryable reports whether the outcome rotates to another credential (or
// the same one after a lockout) instead of surfacing to the client.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeUnauthorized, OutcomeCredentialOverQuota, OutcomeRateLimited,
		OutcomeModelUnavailable, OutcomeUpstreamTransient:
		return true
	}
	return false
}

// Classify maps (service, status, errorBody) to an outcome. Classification
// happens exactly once per upstream response, in the error middleware.
func Classify(service proxy.Service, status int, body []byte) Outcome {
	if status < 400 {
		return OutcomeOK
	}

	errType := gjson.GetBytes(body, "error.type").String()
	errCode := gjson.GetBytes(body, "error.code").String()
	errMsg := gjson.GetBytes(body, "error.message").String()
	lowMsg := strings.ToLower(errMsg)

	switch status {
	case 400, 413, 422:
		switch {
		case errType == "billing_error":
			return OutcomeCredentialOverQuota
		case errCode == "content_policy_violation" || errCode == "content_filter" ||
			strings.Contains(lowMsg, "content management policy") ||
			strings.Contains(lowMsg, "blocked by our content filters"):
			return OutcomeContentFiltered
		case service == proxy.ServiceAWS && strings.Contains(lowMsg, "model identifier is invalid"):
			return OutcomeModelUnavailable
		case service == proxy.ServiceAWS && errType == "ModelNotReadyException":
			return OutcomeUpstreamTransient
		default:
			return OutcomeBadRequest
		}
	case 401, 403:
		return OutcomeUnauthorized
	case 402:
		return OutcomeCredentialOverQuota
	case 404:
		// Upstream has no such model on this credential.
		return OutcomeModelUnavailable
	case 429:
		switch {
		case errType == "insufficient_quota" || errCode == "insufficient_quota":
			return OutcomeCredentialOverQuota
		case service == proxy.ServiceGoogle:
			// AI Studio 429s are per-model-family quota exhaustion; rotating
			// credentials (and excluding the family on this one) can help.
			return OutcomeModelUnavailable
		default:
			return OutcomeRateLimited
		}
	case 500, 502, 503, 504, 529:
		return OutcomeUpstreamTransient
	}
	return OutcomeFatal
}

// UpstreamError carries a classified upstream failure through the pipeline.
// Retryable outcomes wrap proxy.ErrRetryable so the dispatch loop re-enqueues
// without writing to the client.
type UpstreamError struct {
	Outcome Outcome
	Status  int
	Service proxy.Service
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream %s (HTTP %d): %s", e.Service, e.Outcome, e.Status, e.Message)
}

// Unwrap lets errors.Is(err, proxy.ErrRetryable) gate the retry loop.
func (e *UpstreamError) Unwrap() error {
	if e.Outcome.Retryable() {
		return proxy.ErrRetryable
	}
	return nil
}

// ClientStatus is the HTTP status surfaced to the client when the error is
// not retried (or retries are exhausted).
func (e *UpstreamError) ClientStatus() int {
	switch e.Outcome {
	case OutcomeBadRequest, OutcomeContentFiltered:
		return 400
	case OutcomeQuotaExceeded:
		return 402
	case OutcomeRateLimited:
		return 429
	case OutcomeUpstreamTransient, OutcomeUnauthorized, OutcomeCredentialOverQuota,
		OutcomeModelUnavailable:
		return 502
	default:
		return 500
	}
}

// orgIDPattern matches OpenAI organization IDs embedded in error messages.
var orgIDPattern = regexp.MustCompile(`org-[A-Za-z0-9]{8,}`)

// RedactOrgIDs strips upstream account identifiers from user-visible text.
func RedactOrgIDs(msg string) string {
	return orgIDPattern.ReplaceAllString(msg, "org-[redacted]")
}

// SanitizedMessage extracts a user-safe message from an upstream error body.
func SanitizedMessage(body []byte) string {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	return RedactOrgIDs(msg)
}
