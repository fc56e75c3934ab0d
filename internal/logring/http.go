package logring

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ServeHTTP lists recent records as JSON. Query parameters: limit (default
// 100), level (debug, info, warn, error), since (RFC3339) and phase.
func (b *Buffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records := b.Recent(q)
	if records == nil {
		records = []Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

type queryError string

func (e queryError) Error() string { return string(e) }

func parseQuery(r *http.Request) (Query, error) {
	v := r.URL.Query()
	q := Query{Limit: 100, MinLevel: slog.LevelDebug}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, queryError("invalid limit")
		}
		q.Limit = n
	}
	if s := v.Get("level"); s != "" {
		if err := q.MinLevel.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
			return q, queryError("invalid level")
		}
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, queryError("invalid since")
		}
		q.Since = t
	}
	if s := v.Get("phase"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, queryError("invalid phase")
		}
		q.Phase = &n
	}
	return q, nil
}
