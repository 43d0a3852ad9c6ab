package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a standard JSON error envelope
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes a request body, rejecting unknown fields
func decodeJSON(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// pathSegment returns the path segment at index after trimming prefix,
// empty if absent. pathSegment("/api/core/jobs/job_1/requeue",
// "/api/core/jobs/", 0) == "job_1".
func pathSegment(r *http.Request, prefix string, index int) string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if index >= len(parts) {
		return ""
	}
	return parts[index]
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
