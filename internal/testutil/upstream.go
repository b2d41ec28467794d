// Package testutil provides fake upstream providers for tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RecordedRequest is one request an Upstream received.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Upstream is an httptest server standing in for a provider endpoint. It
// records every request it serves so tests can assert on what the proxy
// actually sent upstream.
type Upstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewUpstream starts a recording upstream that answers with h. Close it with
// t.Cleanup or defer.
func NewUpstream(h http.HandlerFunc) *Upstream {
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		u.mu.Unlock()
		h(w, r)
	}))
	return u
}

// Requests returns a copy of everything served so far.
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]RecordedRequest(nil), u.requests...)
}

// Last returns the most recent request, or a zero value if none were served.
func (u *Upstream) Last() RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		return RecordedRequest{}
	}
	return u.requests[len(u.requests)-1]
}

// JSONResponse answers every request with a fixed status and JSON body.
func JSONResponse(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

// SSEResponse answers with an event stream, flushing after each line so
// scanners on the client side see incremental chunks.
func SSEResponse(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			if f != nil {
				f.Flush()
			}
		}
	}
}
