package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicegate/voicegate/pkg/gateway/apierror"
)

func writeError(w http.ResponseWriter, reqID string, err error) {
	apiErr, status := apierror.FromError(err, reqID)
	writeErrorJSON(w, apiErr, status)
}

func writeErrorJSON(w http.ResponseWriter, apiErr *apierror.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
