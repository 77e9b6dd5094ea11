package morph

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// CaptureInfo records the latest capture event seen for a specimen
type CaptureInfo struct {
	SpecimenID    string    `json:"specimenId"`
	LandmarkCount int       `json:"landmarkCount"`
	Units         string    `json:"units"`
	Timestamp     time.Time `json:"timestamp"`
}

// StateTracker tracks live specimen data and the current alignment for HTTP
// endpoints
type StateTracker struct {
	mu        sync.RWMutex
	captures  map[string]*CaptureInfo
	specimens map[string]*Specimen
	alignment *AlignmentData
	cachePath string // path to .alignment-cache.json; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		captures:  make(map[string]*CaptureInfo),
		specimens: make(map[string]*Specimen),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists alignment
// data to the given cache file path. If the file exists, the cached alignment
// is loaded on creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{
		captures:  make(map[string]*CaptureInfo),
		specimens: make(map[string]*Specimen),
		cachePath: cachePath,
	}
	if cachePath != "" {
		if ad, err := LoadAlignment(cachePath); err == nil && ad != nil {
			st.alignment = ad
		}
	}
	return st
}

// UpdateSpecimen stores the latest landmark data for a specimen
func (st *StateTracker) UpdateSpecimen(specimenID string, s *Specimen) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.specimens[specimenID] = s
	st.captures[specimenID] = &CaptureInfo{
		SpecimenID:    specimenID,
		LandmarkCount: len(s.Landmarks),
		Units:         s.Units,
		Timestamp:     time.Now(),
	}
}

// GetCaptures returns the latest capture events per specimen
func (st *StateTracker) GetCaptures() map[string]*CaptureInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*CaptureInfo)
	for k, v := range st.captures {
		copy := *v
		result[k] = &copy
	}
	return result
}

// GetSpecimens returns all current specimens
func (st *StateTracker) GetSpecimens() map[string]*Specimen {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*Specimen)
	for k, v := range st.specimens {
		result[k] = v
	}
	return result
}

// HasSpecimens returns true if we have at least one specimen
func (st *StateTracker) HasSpecimens() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.specimens) > 0
}

// GetAlignment returns the current alignment data, or nil if none exists.
func (st *StateTracker) GetAlignment() *AlignmentData {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.alignment
}

// SetAlignment replaces the current alignment data.
func (st *StateTracker) SetAlignment(ad *AlignmentData) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.alignment = ad
}

// RefreshAlignment recomputes the alignment from all stored specimens using
// generalized Procrustes analysis and persists it to the cache file when a
// cache path is configured. At least two specimens must be present.
func (st *StateTracker) RefreshAlignment(opts GPAOptions) (*AlignmentData, error) {
	st.mu.RLock()
	specimens := make(map[string]*Specimen, len(st.specimens))
	for k, v := range st.specimens {
		specimens[k] = v
	}
	cachePath := st.cachePath
	st.mu.RUnlock()

	if len(specimens) < 2 {
		return nil, fmt.Errorf("need at least 2 specimens, have %d", len(specimens))
	}

	ad, err := SuperimposeSpecimens(specimens, opts)
	if err != nil {
		return nil, fmt.Errorf("superimposing specimens: %w", err)
	}

	st.mu.Lock()
	st.alignment = ad
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveAlignment(cachePath, ad); err != nil {
			log.Printf("warning: failed to save alignment cache: %v", err)
		}
	}

	return ad, nil
}
