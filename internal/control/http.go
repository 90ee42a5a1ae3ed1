package control

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Handler exposes the control surface:
//
//	POST /start  -> {"status":"started"} | {"status":"already_running"}
//	POST /stop   -> {"status":"stopped"} | {"status":"not_running"}
//	GET  /status -> state and pipeline counters
func Handler(s *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		started, err := s.Start(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		if !started {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		stopped, err := s.Stop(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		if !stopped {
			writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("control: write response failed")
	}
}
