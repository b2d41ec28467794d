// Package pipeline drives a request from validated inbound body to billed
// upstream response: stage A prepares and admits the request synchronously,
// stage B binds a credential and dispatches once the queue releases it.
package pipeline

import (
	"context"
	"net/http"

	proxy "github.com/eugener/palantir/internal"
)

// ChangeManager records reversible mutations applied to an outbound request
// before dispatch. Revert rolls them back in reverse order so a retry (or
// post-response logging) starts from what the client actually sent.
type ChangeManager struct {
	undo []func()
}

// Record registers the rollback for one applied mutation.
func (cm *ChangeManager) Record(revert func()) {
	cm.undo = append(cm.undo, revert)
}

// Revert rolls back all recorded mutations, newest first.
func (cm *ChangeManager) Revert() {
	for i := len(cm.undo) - 1; i >= 0; i-- {
		cm.undo[i]()
	}
	cm.undo = cm.undo[:0]
}

// Len returns the number of pending mutations, for tests and logging.
func (cm *ChangeManager) Len() int { return len(cm.undo) }

// RequestContext is the per-request state threaded through both stages.
type RequestContext struct {
	Ctx context.Context

	UserToken string
	Logged    bool

	Service   proxy.Service
	Family    proxy.ModelFamily
	Model     string
	InFormat  proxy.APIFormat
	OutFormat proxy.APIFormat

	// Method/Path/Host/Header/Body describe the outbound request under
	// construction. Body starts as the transformed client body.
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   []byte

	Streaming         bool
	PromptTransformed bool
	UsedCache         bool
	PromptTokens      int
	OutputTokens      int64

	Fingerprints []string
	DeclaredTTL  string

	// Credential is bound at stage B; zero before that.
	Credential proxy.Credential

	changes ChangeManager
}

// SetHeader applies a reversible header mutation.
func (rc *RequestContext) SetHeader(key, value string) {
	if rc.Header == nil {
		rc.Header = http.Header{}
	}
	prev, had := rc.Header[http.CanonicalHeaderKey(key)]
	rc.Header.Set(key, value)
	rc.changes.Record(func() {
		if had {
			rc.Header[http.CanonicalHeaderKey(key)] = prev
		} else {
			rc.Header.Del(key)
		}
	})
}

// SetPath applies a reversible path rewrite.
func (rc *RequestContext) SetPath(path string) {
	prev := rc.Path
	rc.Path = path
	rc.changes.Record(func() { rc.Path = prev })
}

// SetHost applies a reversible host rewrite.
func (rc *RequestContext) SetHost(host string) {
	prev := rc.Host
	rc.Host = host
	rc.changes.Record(func() { rc.Host = prev })
}

// SetBody applies a reversible body replacement.
func (rc *RequestContext) SetBody(body []byte) {
	prev := rc.Body
	rc.Body = body
	rc.changes.Record(func() { rc.Body = prev })
}

// SetModel applies a reversible model reassignment.
func (rc *RequestContext) SetModel(model string) {
	prev := rc.Model
	rc.Model = model
	rc.changes.Record(func() { rc.Model = prev })
}

// SetKey binds the selected credential for this attempt; reverted so the
// next attempt can bind a different key.
func (rc *RequestContext) SetKey(cred proxy.Credential) {
	prev := rc.Credential
	rc.Credential = cred
	rc.changes.Record(func() { rc.Credential = prev })
}

// Revert rolls the request back to its pre-mutation state.
func (rc *RequestContext) Revert() { rc.changes.Revert() }
