package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/security"
)

func newTestHTTPServer(opts Options) *HTTPServer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPServer(newTestServer(), logger, opts)
}

// decodeNDJSONEvents parses the body as the documented event/id/data lines.
func decodeNDJSONEvents(t *testing.T, body io.Reader) []event {
	t.Helper()
	var events []event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func TestHandlePostEmitsStartResultEndInOrder(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"tool":"ping","input":{}}`))
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := decodeNDJSONEvents(t, rec.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "start", events[0].Event)
	assert.Equal(t, "result", events[1].Event)
	assert.Equal(t, "end", events[2].Event)

	var result resultPayload
	b, _ := json.Marshal(events[1].Data)
	require.NoError(t, json.Unmarshal(b, &result))
	assert.Equal(t, "ping", result.Tool)
	assert.Equal(t, DefaultAPIVersion, result.APIVersion)
}

func TestHandlePostEmitsErrorEventOnToolFailure(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"tool":"boom","input":{}}`))
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	events := decodeNDJSONEvents(t, rec.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "start", events[0].Event)
	assert.Equal(t, "error", events[1].Event)
	assert.Equal(t, "end", events[2].Event)

	var errPayload errorPayload
	b, _ := json.Marshal(events[1].Data)
	require.NoError(t, json.Unmarshal(b, &errPayload))
	assert.Equal(t, "ELOCKED", errPayload.Error.Code)
}

func TestHandlePostUnknownToolEmitsErrorEvent(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"tool":"missing","input":{}}`))
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	events := decodeNDJSONEvents(t, rec.Body)
	require.Len(t, events, 3)
	assert.Equal(t, "error", events[1].Event)
}

func TestHandlePostMalformedBodyRejected(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	auth := security.NewAuthenticator(security.StaticTokens{"secret"})
	h := newTestHTTPServer(Options{Auth: auth})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"tool":"ping","input":{}}`))
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	auth := security.NewAuthenticator(security.StaticTokens{"secret"})
	h := newTestHTTPServer(Options{Auth: auth})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"tool":"ping","input":{}}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityMetricsRequiresAdminAuthWhenConfigured(t *testing.T) {
	admin := security.NewAuthenticator(security.StaticTokens{"admin-secret"})
	h := newTestHTTPServer(Options{AdminAuth: admin})

	req := httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	req2.Header.Set("Authorization", "Bearer admin-secret")
	rec2 := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestSecurityMetricsOpenWhenNoAdminAuthConfigured(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodGet, "/security/metrics", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetRejectedOnMCP(t *testing.T) {
	h := newTestHTTPServer(Options{})
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestHandleHealthzAndReadyzWithoutChecker(t *testing.T) {
	h := newTestHTTPServer(Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec2 := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestDefaultHTTPMaxInFlightMatchesResourceCap(t *testing.T) {
	assert.Equal(t, 100, DefaultHTTPMaxInFlight)
}

func TestSizeCappedWriterRejectsOversizedResponse(t *testing.T) {
	var buf bytes.Buffer
	w := &sizeCappedWriter{w: recorderWriter{&buf}, max: 4}
	_, err := w.Write([]byte("toolong"))
	assert.ErrorIs(t, err, errResponseTooLarge)
}

type recorderWriter struct{ buf *bytes.Buffer }

func (r recorderWriter) Header() http.Header        { return http.Header{} }
func (r recorderWriter) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r recorderWriter) WriteHeader(int)             {}
