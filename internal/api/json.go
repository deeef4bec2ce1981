package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"shipflow/internal/shipping"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string                `json:"type"`
	Title    string                `json:"title"`
	Status   int                   `json:"status"`
	Detail   string                `json:"detail,omitempty"`
	Instance string                `json:"instance,omitempty"`
	Errors   []shipping.FieldError `json:"errors,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError renders err as a problem document with the status its type maps to.
// Internal error text is withheld from 5xx responses in production.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := shipping.Classify(err)
	p := Problem{Type: "about:blank", Title: title, Status: status, Detail: err.Error(), Instance: r.URL.Path}
	var ve *shipping.ValidationError
	if errors.As(err, &ve) {
		p.Detail = "request payload failed validation"
		p.Errors = ve.Fields
	}
	if status >= http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
		if s.Production {
			p.Detail = ""
		}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
	return false
}

// pathParts splits the path below prefix into its segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// queryLimit reads ?limit=, defaulting to 100 and capping at 500.
func queryLimit(r *http.Request) int {
	n := cast.ToInt(r.URL.Query().Get("limit"))
	if n <= 0 {
		return 100
	}
	return min(n, 500)
}
