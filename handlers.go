package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/morphalign/morph"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *morph.StateTracker, config *morph.Config, gpaOpts morph.GPAOptions) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status       string    `json:"status"`
			Timestamp    time.Time `json:"timestamp"`
			HasSpecimens bool      `json:"hasSpecimens"`
			HasAlignment bool      `json:"hasAlignment"`
		}{
			Status:       "ok",
			Timestamp:    time.Now(),
			HasSpecimens: stateTracker.HasSpecimens(),
			HasAlignment: stateTracker.GetAlignment() != nil,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Latest capture per specimen
	mux.HandleFunc("/specimens.json", func(w http.ResponseWriter, r *http.Request) {
		captures := stateTracker.GetCaptures()
		if len(captures) == 0 {
			http.Error(w, "No specimens available", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(captures); err != nil {
			log.Printf("Error encoding specimens: %v", err)
		}
	})

	// Current alignment run with per-specimen status
	mux.HandleFunc("/alignment.json", func(w http.ResponseWriter, r *http.Request) {
		alignment := stateTracker.GetAlignment()
		if alignment == nil {
			http.Error(w, "No alignment available", http.StatusServiceUnavailable)
			return
		}

		expected := expectedSpecimenIDs(config, stateTracker)

		response := struct {
			*morph.AlignmentData
			Status morph.AlignmentStatus `json:"status"`
		}{
			AlignmentData: alignment,
			Status:        alignment.GetStatus(expected),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Error encoding alignment: %v", err)
		}
	})

	// Consensus mean shape from the latest superimposition
	mux.HandleFunc("/mean-shape.json", func(w http.ResponseWriter, r *http.Request) {
		alignment := stateTracker.GetAlignment()
		if alignment == nil || len(alignment.MeanShape) == 0 {
			http.Error(w, "No mean shape available", http.StatusServiceUnavailable)
			return
		}

		response := struct {
			RunID      string           `json:"runId"`
			Landmarks  []morph.Landmark `json:"landmarks"`
			Iterations int              `json:"iterations"`
			Converged  bool             `json:"converged"`
		}{
			RunID:      alignment.RunID,
			Landmarks:  alignment.MeanShape,
			Iterations: alignment.Iterations,
			Converged:  alignment.Converged,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Error encoding mean shape: %v", err)
		}
	})

	// Trigger a fresh superimposition across all tracked specimens
	mux.HandleFunc("/realign", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		run, err := stateTracker.RefreshAlignment(gpaOpts)
		if err != nil {
			log.Printf("Realign request failed: %v", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		response := struct {
			RunID      string `json:"runId"`
			Specimens  int    `json:"specimens"`
			Iterations int    `json:"iterations"`
			Converged  bool   `json:"converged"`
		}{
			RunID:      run.RunID,
			Specimens:  len(run.Specimens),
			Iterations: run.Iterations,
			Converged:  run.Converged,
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Error encoding realign response: %v", err)
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// expectedSpecimenIDs lists specimen IDs from config, falling back to whatever
// the tracker has seen
func expectedSpecimenIDs(config *morph.Config, stateTracker *morph.StateTracker) []string {
	if config != nil && len(config.Specimens) > 0 {
		ids := make([]string, 0, len(config.Specimens))
		for _, sc := range config.Specimens {
			ids = append(ids, sc.ID)
		}
		return ids
	}

	specimens := stateTracker.GetSpecimens()
	ids := make([]string, 0, len(specimens))
	for id := range specimens {
		ids = append(ids, id)
	}
	return ids
}
