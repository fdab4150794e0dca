package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/repository"
)

// listResponse wraps a paginated result set with its total count, so a
// client can render "showing N of Total" without a second request.
type listResponse struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
}

const defaultPageLimit = 50

// paginationFromQuery reads ?limit=&offset= from the request. A limit that is
// missing, unparsable or outside 1..500 is replaced by defaultPageLimit; a
// missing, unparsable or negative offset is replaced by 0.
func paginationFromQuery(r *http.Request) repository.ListOptions {
	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return repository.ListOptions{Limit: limit, Offset: offset}
}

// writeJobKindError maps a job-engine error carrying an errkind.Kind to the
// matching HTTP status, falling back to repository.ErrNotFound handling for
// errors that predate the Kind taxonomy.
func writeJobKindError(w http.ResponseWriter, err error) {
	if err == repository.ErrNotFound {
		ErrNotFound(w)
		return
	}
	kind, _ := errkind.Of(err)
	ErrFromKind(w, kind, err.Error())
}

// marshalStrings encodes a string slice to the JSON-array-as-text form the
// schema stores event lists and provider lists in.
func marshalStrings(ss []string) string {
	if ss == nil {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

// marshalStringMap encodes a string map to the JSON-object-as-text form the
// schema stores per-webhook header overrides in.
func marshalStringMap(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
