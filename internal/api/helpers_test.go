package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaginationFromQueryDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/labs", nil)
	opts := paginationFromQuery(r)
	assert.Equal(t, defaultPageLimit, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}

func TestPaginationFromQueryIgnoresOutOfRange(t *testing.T) {
	r := httptest.NewRequest("GET", "/labs?limit=5000&offset=-1", nil)
	opts := paginationFromQuery(r)
	assert.Equal(t, defaultPageLimit, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
}

func TestPaginationFromQueryHonorsValidValues(t *testing.T) {
	r := httptest.NewRequest("GET", "/labs?limit=10&offset=20", nil)
	opts := paginationFromQuery(r)
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
}

func TestMarshalStrings(t *testing.T) {
	assert.Equal(t, `["lab.deploy_complete","job.failed"]`, marshalStrings([]string{"lab.deploy_complete", "job.failed"}))
	assert.Equal(t, `[]`, marshalStrings(nil))
}

func TestMarshalStringMap(t *testing.T) {
	assert.Equal(t, `{}`, marshalStringMap(nil))
	assert.Equal(t, `{"X-Custom":"1"}`, marshalStringMap(map[string]string{"X-Custom": "1"}))
}
