package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstantTimeBearerMatch(t *testing.T) {
	assert.True(t, constantTimeBearerMatch("Bearer secret123", "secret123"))
	assert.False(t, constantTimeBearerMatch("Bearer wrong", "secret123"))
	assert.False(t, constantTimeBearerMatch("secret123", "secret123"))
	assert.False(t, constantTimeBearerMatch("", "secret123"))
}

func TestRequireBearerTokenDisabledWhenEmpty(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	mw := RequireBearerToken("")(next)
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.True(t, called)
}

func TestRequireBearerTokenRejectsMismatch(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run on auth failure")
	})

	mw := RequireBearerToken("secret123")(next)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer nope")

	mw.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireBearerTokenAcceptsMatch(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	mw := RequireBearerToken("secret123")(next)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer secret123")

	mw.ServeHTTP(w, r)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAgentSecretRejectsMissing(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run on auth failure")
	})

	mw := RequireAgentSecret("agent-secret")(next)
	w := httptest.NewRecorder()
	mw.ServeHTTP(w, httptest.NewRequest("POST", "/agents/register", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAgentSecretAcceptsMatch(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	mw := RequireAgentSecret("agent-secret")(next)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/agents/register", nil)
	r.Header.Set("X-Agent-Secret", "agent-secret")

	mw.ServeHTTP(w, r)
	assert.True(t, called)
}
