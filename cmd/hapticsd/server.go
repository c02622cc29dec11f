package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/engine"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/metrics"
	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

// newHTTPServer builds the companion-facing API: status and metrics reads,
// plus the two writes a companion may issue, both validated at this boundary.
func newHTTPServer(port int, eng *engine.Engine, registry *metrics.Registry, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Status())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/mode", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		var req validation.ModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if err := validation.ValidateModeRequest(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := eng.ProposeMode(cycle.Config{
			Cycle:     time.Duration(req.CycleMillis) * time.Millisecond,
			Intensity: req.Intensity,
			Pattern:   req.Pattern,
		})
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Info("mode change proposed",
			logging.String("proposal_id", id),
			logging.Int("cycle_ms", int(req.CycleMillis)))
		writeJSON(w, http.StatusAccepted, map[string]string{"proposal_id": id})
	})

	mux.HandleFunc("/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		var req validation.EmergencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if err := validation.ValidateEmergencyRequest(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		eng.EmergencyStop(req.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
