package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/splax/agentwatch/internal/service/ingest"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResult answers a single envelope: 201 on success, 400 when the
// envelope itself was at fault, 500 otherwise.
func writeResult(w http.ResponseWriter, res ingest.ProcessingResult) {
	writeJSON(w, resultStatus(res), res)
}

// writeBatch answers 200 with per-item outcomes unless the batch was rolled
// back as a whole.
func writeBatch(w http.ResponseWriter, res ingest.BatchResult) {
	status := http.StatusOK
	if res.Err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func resultStatus(res ingest.ProcessingResult) int {
	switch {
	case res.Success:
		return http.StatusCreated
	case ingest.IsClientError(res.Err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
