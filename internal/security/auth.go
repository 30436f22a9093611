// Package security implements the admission controls that sit in front of
// the HTTP transport: bearer/cookie authentication, per-identity rate
// limiting, and failed-attempt tracking.
package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenSource supplies the set of accepted bearer tokens. A nil or empty
// set means authentication is disabled (local/dev use).
type TokenSource interface {
	Tokens() []string
}

// StaticTokens is the simplest TokenSource: a fixed, configured list.
type StaticTokens []string

func (s StaticTokens) Tokens() []string { return s }

// CookieName is the cookie task-mcp accepts as an alternative to a bearer
// token; its value is checked against the same token set. task-mcp itself
// never sets this cookie.
const CookieName = "taskmcp_session"

// Authenticator validates inbound HTTP requests against configured bearer
// tokens and tracks repeated failures per remote address.
type Authenticator struct {
	tokens TokenSource

	mu       sync.Mutex
	failures map[string]*failureWindow
}

type failureWindow struct {
	count     int
	windowEnd time.Time
}

// FailureThreshold is the number of failed attempts within FailureWindow
// that puts that remote address into a sustained block (ResultBlocked).
const FailureThreshold = 10

// FailureWindow is the rolling period failures are counted over.
const FailureWindow = 15 * time.Minute

// NewAuthenticator builds an Authenticator over the given token source.
func NewAuthenticator(tokens TokenSource) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		failures: make(map[string]*failureWindow),
	}
}

// Result describes the outcome of authenticating one request.
type Result int

const (
	// ResultOK means the request is authenticated and may proceed.
	ResultOK Result = iota
	// ResultMissing means no credential was presented (AUTH_MISSING).
	ResultMissing
	// ResultInvalid means a credential was presented but didn't match (AUTH_INVALID).
	ResultInvalid
	// ResultBlocked means this remote address has reached FailureThreshold
	// within FailureWindow and is in cooldown (the HTTP transport answers
	// it as RATE_LIMITED, 429).
	ResultBlocked
)

// Authenticate checks r's Authorization bearer token or session cookie
// against the configured tokens, tracking failures per remote address.
func (a *Authenticator) Authenticate(r *http.Request) Result {
	remote := remoteKey(r)

	if a.isBlocked(remote) {
		return ResultBlocked
	}

	token := extractBearer(r)
	if token == "" {
		token = extractCookie(r)
	}

	if len(a.tokens.Tokens()) == 0 {
		return ResultOK
	}

	if token == "" {
		a.recordFailure(remote)
		return ResultMissing
	}

	if !a.matches(token) {
		a.recordFailure(remote)
		return ResultInvalid
	}

	a.clearFailures(remote)
	return ResultOK
}

func (a *Authenticator) matches(token string) bool {
	for _, t := range a.tokens.Tokens() {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) isBlocked(remote string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.failures[remote]
	if !ok {
		return false
	}
	if time.Now().After(w.windowEnd) {
		delete(a.failures, remote)
		return false
	}
	return w.count >= FailureThreshold
}

func (a *Authenticator) recordFailure(remote string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	w, ok := a.failures[remote]
	if !ok || now.After(w.windowEnd) {
		w = &failureWindow{windowEnd: now.Add(FailureWindow)}
		a.failures[remote] = w
	}
	w.count++
}

func (a *Authenticator) clearFailures(remote string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, remote)
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

func extractCookie(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func remoteKey(r *http.Request) string {
	fwd := r.Header.Get("X-Forwarded-For")
	if fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
