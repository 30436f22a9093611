package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthenticateDisabledWhenNoTokensConfigured(t *testing.T) {
	a := NewAuthenticator(StaticTokens(nil))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, ResultOK, a.Authenticate(req))
}

func TestAuthenticateAcceptsMatchingBearerToken(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, ResultOK, a.Authenticate(req))
}

func TestAuthenticateAcceptsSessionCookie(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "secret"})
	assert.Equal(t, ResultOK, a.Authenticate(req))
}

func TestAuthenticateMissingCredential(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, ResultMissing, a.Authenticate(req))
}

func TestAuthenticateInvalidCredential(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, ResultInvalid, a.Authenticate(req))
}

func TestAuthenticateBlocksAfterThreshold(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("Authorization", "Bearer wrong")

	for i := 0; i < FailureThreshold; i++ {
		assert.Equal(t, ResultInvalid, a.Authenticate(req))
	}
	assert.Equal(t, ResultBlocked, a.Authenticate(req))
}

func TestAuthenticateUsesForwardedForHeader(t *testing.T) {
	a := NewAuthenticator(StaticTokens{"secret"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", remoteKey(req))
}
