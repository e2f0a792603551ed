package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/countbot/countbot/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeDetail writes the error shape the web UI expects.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps store sentinel errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrForbidden):
		writeDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON request body with a 1 MiB cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
