package morph

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	// DefaultMinAlignInterval is the minimum time between alignment runs
	// triggered by the same specimen (debounce).
	DefaultMinAlignInterval = 30 * time.Minute
)

// AutoAligner orchestrates automatic realignment when a capture station
// reports a completed capture. It debounces frequent capture events, fetches
// fresh landmark data from the station's HTTP API, validates it, reruns the
// superimposition, and persists and publishes the result.
type AutoAligner struct {
	config       *Config
	cachePath    string
	dataDir      string
	stateTracker *StateTracker
	publisher    *Publisher

	mu          sync.Mutex
	lastAligned map[string]time.Time
}

// NewAutoAligner creates an AutoAligner ready to handle capture events.
// publisher may be nil when MQTT publishing is disabled.
func NewAutoAligner(config *Config, cachePath string, dataDir string, st *StateTracker, pub *Publisher) *AutoAligner {
	return &AutoAligner{
		config:       config,
		cachePath:    cachePath,
		dataDir:      dataDir,
		stateTracker: st,
		publisher:    pub,
		lastAligned:  make(map[string]time.Time),
	}
}

// OnCaptureEvent is the CaptureHandler callback registered with the MQTT client.
// It is safe to call from any goroutine.
func (aa *AutoAligner) OnCaptureEvent(specimenID string) {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	log.Printf("[AUTO-ALIGN] Capture event received for %s", specimenID)

	// --- Step 1: Debounce ---
	if last, ok := aa.lastAligned[specimenID]; ok {
		if time.Since(last) < DefaultMinAlignInterval {
			log.Printf("[AUTO-ALIGN] %s: skipping, last aligned %s ago (min interval %s)",
				specimenID, time.Since(last).Round(time.Second), DefaultMinAlignInterval)
			return
		}
	}

	// --- Step 2: Look up specimen config for API URL ---
	sc := aa.config.GetSpecimenByID(specimenID)
	if sc == nil {
		log.Printf("[AUTO-ALIGN] %s: specimen not found in config, skipping", specimenID)
		return
	}
	if sc.ApiURL == nil || *sc.ApiURL == "" {
		log.Printf("[AUTO-ALIGN] %s: no apiUrl configured, skipping auto-alignment", specimenID)
		return
	}

	// --- Step 3: Fetch fresh landmarks from the capture station's HTTP API ---
	log.Printf("[AUTO-ALIGN] %s: fetching landmarks from %s", specimenID, *sc.ApiURL)
	fresh, err := FetchLandmarksFromAPI(*sc.ApiURL)
	if err != nil {
		log.Printf("[AUTO-ALIGN] %s: failed to fetch landmarks: %v (preserving existing alignment)", specimenID, err)
		return
	}
	if fresh.Name == "" {
		fresh.Name = specimenID
	}

	// Save fetched export to data-dir for persistence (same convention as MQTT handler).
	if aa.dataDir != "" {
		savePath := ExportFilePath(aa.dataDir, specimenID)
		jsonBytes, err := json.MarshalIndent(fresh, "", "  ")
		if err != nil {
			log.Printf("[AUTO-ALIGN] %s: failed to marshal landmarks for saving: %v", specimenID, err)
		} else if err := os.WriteFile(savePath, jsonBytes, 0644); err != nil {
			log.Printf("[AUTO-ALIGN] %s: failed to save landmarks to %s: %v", specimenID, savePath, err)
		} else {
			log.Printf("[AUTO-ALIGN] %s: saved HTTP-fetched landmarks to %s", specimenID, savePath)
		}
	}

	// --- Step 4: Validate landmark completeness ---
	if !HasUsableLandmarks(fresh) {
		log.Printf("[AUTO-ALIGN] %s: only %d landmarks, need at least 3 (preserving existing alignment)",
			specimenID, len(fresh.Landmarks))
		return
	}
	log.Printf("[AUTO-ALIGN] %s: landmarks validated (count=%d, units=%s)",
		specimenID, len(fresh.Landmarks), fresh.Units)

	// Update the state tracker with the fresh capture so it is part of the run.
	aa.stateTracker.UpdateSpecimen(specimenID, fresh)

	// --- Step 5: Rerun superimposition across all specimens ---
	opts := aa.config.GPAOptionsOrDefault()
	run, err := aa.stateTracker.RefreshAlignment(opts)
	if err != nil {
		log.Printf("[AUTO-ALIGN] %s: alignment failed: %v", specimenID, err)
		return
	}
	log.Printf("[AUTO-ALIGN] %s: superimposition complete: %d specimens, %d iterations, converged=%v",
		specimenID, len(run.Specimens), run.Iterations, run.Converged)

	// --- Step 6: Publish updated alignment ---
	aa.publishRun(run)

	aa.lastAligned[specimenID] = time.Now()
	log.Printf("[AUTO-ALIGN] %s: alignment complete", specimenID)
}

// publishRun pushes the alignment run to MQTT when a publisher is configured.
func (aa *AutoAligner) publishRun(run *AlignmentData) {
	if aa.publisher == nil {
		return
	}

	specimens := aa.stateTracker.GetSpecimens()
	for id, s := range specimens {
		if _, ok := run.Specimens[id]; !ok {
			continue
		}
		if err := aa.publisher.PublishAlignment(id, run, s.Landmarks); err != nil {
			log.Printf("[AUTO-ALIGN] %s: failed to publish alignment: %v", id, err)
		}
	}
	if err := aa.publisher.PublishMeanShape(run); err != nil {
		log.Printf("[AUTO-ALIGN] failed to publish mean shape: %v", err)
	}
}

// String implements fmt.Stringer for debug logging.
func (aa *AutoAligner) String() string {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	return fmt.Sprintf("AutoAligner{cachePath=%s, lastAligned=%d}",
		aa.cachePath, len(aa.lastAligned))
}
