package function

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

const maxRequestBytes = 1 << 20

// NewHandler serves gen as a generate-content endpoint. Every failure is
// answered with a failure envelope and status 500.
func NewHandler(gen genquota.Generator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeEnvelope(w, http.StatusMethodNotAllowed, &genquota.GenerateResponse{Error: "method not allowed"})
			return
		}

		var req genquota.GenerateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, &genquota.GenerateResponse{Error: "invalid request body"})
			return
		}
		if req.Count <= 0 {
			req.Count = 10
		}

		resp, err := gen.Generate(r.Context(), &req)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, &genquota.GenerateResponse{Error: err.Error()})
			return
		}
		if !resp.Success {
			writeEnvelope(w, http.StatusInternalServerError, resp)
			return
		}
		writeEnvelope(w, http.StatusOK, resp)
	})
}

func writeEnvelope(w http.ResponseWriter, status int, resp *genquota.GenerateResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
