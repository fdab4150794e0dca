package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netlabio/controller/internal/errkind"
)

func TestOkEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	Ok(w, map[string]string{"id": "abc"})

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{"id": "abc"}, body["data"])
}

func TestErrFromKindMapsStatusCodes(t *testing.T) {
	cases := []struct {
		kind   errkind.Kind
		status int
	}{
		{errkind.ResourceNotFound, 404},
		{errkind.JobNotFound, 404},
		{errkind.InvalidState, 409},
		{errkind.JobCancelled, 409},
		{errkind.Configuration, 400},
		{errkind.AgentUnavailable, 503},
		{errkind.AgentOffline, 503},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		ErrFromKind(w, tc.kind, "message")
		assert.Equal(t, tc.status, w.Code, "kind %s", tc.kind)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/labs", strings.NewReader(`{"name":"lab1","bogus":true}`))

	var dst struct {
		Name string `json:"name"`
	}
	ok := decodeJSON(w, r, &dst)

	assert.False(t, ok)
	assert.Equal(t, 400, w.Code)
}
