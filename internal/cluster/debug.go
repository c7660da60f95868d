package cluster

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const defaultLogPageSize = 100

// ClusterLogHandler serves GET /debug/cluster-log?start=&page-size= as JSON.
func (e *Engine) ClusterLogHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		start, err := uintParam(r, "start", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pageSize, err := uintParam(r, "page-size", defaultLogPageSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		page, err := e.ClusterLog(start, pageSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Status Status  `json:"status"`
			Log    LogPage `json:"log"`
		}{e.Status(), page}); err != nil {
			slog.Debug("write cluster log response failed", "error", err)
		}
	})
}

func uintParam(r *http.Request, name string, def uint64) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
