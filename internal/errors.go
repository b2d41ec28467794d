package proxy

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrBadRequest        = errors.New("bad request")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrRateLimited       = errors.New("rate limited")
	ErrNoKeyAvailable    = errors.New("no key available for model family")
	ErrModelUnavailable  = errors.New("model unavailable on this key")
	ErrContentFiltered   = errors.New("content filtered by upstream")
	ErrUpstreamTransient = errors.New("transient upstream error")
	ErrUserDisabled      = errors.New("user token disabled")
	ErrIPLimited         = errors.New("too many IPs for user token")
	ErrStreamingRefused  = errors.New("model cannot stream")

	// ErrRetryable means the request has been re-enqueued; unwind without
	// writing a response to the client.
	ErrRetryable = errors.New("request re-enqueued for retry")
)
