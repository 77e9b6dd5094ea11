package morph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DefaultAlignmentCachePath is the default path for computed alignment cache
const DefaultAlignmentCachePath = ".alignment-cache.json"

// SpecimenAlignment holds the computed alignment for one specimen.
type SpecimenAlignment struct {
	Transform     Transform `json:"transform"`
	Scale         float64   `json:"scale"`
	RMSE          float64   `json:"rmse"`
	LandmarkCount int       `json:"landmarkCount"`
	LastUpdated   int64     `json:"lastUpdated"`
}

// AlignmentData is the persisted result of an alignment run.
type AlignmentData struct {
	RunID             string                       `json:"runId"`
	ReferenceSpecimen string                       `json:"referenceSpecimen"`
	Specimens         map[string]SpecimenAlignment `json:"specimens"`
	MeanShape         []Landmark                   `json:"meanShape,omitempty"`
	Iterations        int                          `json:"iterations,omitempty"`
	Converged         bool                         `json:"converged,omitempty"`
	LastUpdated       int64                        `json:"lastUpdated"`
}

// LoadAlignment loads computed alignment data from a JSON cache file
func LoadAlignment(path string) (*AlignmentData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No alignment file yet
		}
		return nil, fmt.Errorf("reading alignment file: %w", err)
	}

	var ad AlignmentData
	if err := json.Unmarshal(data, &ad); err != nil {
		return nil, fmt.Errorf("parsing alignment file: %w", err)
	}

	return &ad, nil
}

// SaveAlignment saves computed alignment data to a JSON cache file
func SaveAlignment(path string, ad *AlignmentData) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating alignment directory: %w", err)
	}

	// Update timestamp
	ad.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(ad, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alignment data: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing alignment file: %w", err)
	}

	return nil
}

// AlignSpecimens aligns every specimen pairwise to the reference specimen and
// returns the resulting alignment data. Specimens that fail to align are
// skipped; their IDs appear in the returned error map.
func AlignSpecimens(specimens map[string]*Specimen, referenceID string, opts AlignOptions) (*AlignmentData, map[string]string, error) {
	ref, ok := specimens[referenceID]
	if !ok {
		return nil, nil, fmt.Errorf("reference specimen %q not found", referenceID)
	}

	ad := &AlignmentData{
		RunID:             uuid.NewString(),
		ReferenceSpecimen: referenceID,
		Specimens:         make(map[string]SpecimenAlignment),
		LastUpdated:       time.Now().Unix(),
	}
	failures := make(map[string]string)

	// Reference specimen gets identity transform
	ad.Specimens[referenceID] = SpecimenAlignment{
		Transform:     Identity(),
		Scale:         1.0,
		LandmarkCount: len(ref.Landmarks),
		LastUpdated:   time.Now().Unix(),
	}

	for id, s := range specimens {
		if id == referenceID {
			continue
		}

		sets, _, err := MatchedPointSets([]*Specimen{ref, s})
		if err != nil {
			failures[id] = err.Error()
			continue
		}

		res, err := Align(sets[0], sets[1], opts)
		if err != nil {
			failures[id] = err.Error()
			continue
		}

		ad.Specimens[id] = SpecimenAlignment{
			Transform:     res.Transform,
			Scale:         res.Scale,
			RMSE:          RMSE(sets[0], sets[1], res.Transform),
			LandmarkCount: len(s.Landmarks),
			LastUpdated:   time.Now().Unix(),
		}
	}

	return ad, failures, nil
}

// SuperimposeSpecimens runs generalized Procrustes analysis across all
// specimens and returns alignment data carrying each specimen's transform to
// the consensus mean shape, plus the mean shape itself.
func SuperimposeSpecimens(specimens map[string]*Specimen, opts GPAOptions) (*AlignmentData, error) {
	ids := make([]string, 0, len(specimens))
	ordered := make([]*Specimen, 0, len(specimens))
	for id, s := range specimens {
		ids = append(ids, id)
		ordered = append(ordered, s)
	}

	sets, names, err := MatchedPointSets(ordered)
	if err != nil {
		return nil, err
	}

	gpa, err := Superimpose(sets, opts)
	if err != nil {
		return nil, err
	}

	ad := &AlignmentData{
		RunID:       uuid.NewString(),
		Specimens:   make(map[string]SpecimenAlignment),
		Iterations:  gpa.Iterations,
		Converged:   gpa.Converged,
		LastUpdated: time.Now().Unix(),
	}

	for i, name := range names {
		p := gpa.MeanShape[i]
		ad.MeanShape = append(ad.MeanShape, Landmark{
			Name:     name,
			Position: [3]float64{p.X, p.Y, p.Z},
		})
	}

	alignOpts := AlignOptions{AllowScale: opts.AllowScale, AllowReflection: false}
	for i, id := range ids {
		res, err := Align(gpa.MeanShape, sets[i], alignOpts)
		if err != nil {
			continue
		}
		ad.Specimens[id] = SpecimenAlignment{
			Transform:     res.Transform,
			Scale:         res.Scale,
			RMSE:          RMSE(gpa.MeanShape, sets[i], res.Transform),
			LandmarkCount: len(sets[i]),
			LastUpdated:   time.Now().Unix(),
		}
	}

	return ad, nil
}

// SelectReferenceSpecimen auto-selects the best reference specimen by
// landmark count (richest capture wins).
func SelectReferenceSpecimen(specimens map[string]*Specimen) string {
	var bestID string
	var maxCount int

	for id, s := range specimens {
		if len(s.Landmarks) > maxCount {
			maxCount = len(s.Landmarks)
			bestID = id
		}
	}

	return bestID
}

// GetTransform retrieves the alignment transform for a specimen
// Returns identity if not found
func (a *AlignmentData) GetTransform(specimenID string) Transform {
	if a == nil || a.Specimens == nil {
		return Identity()
	}
	if sa, ok := a.Specimens[specimenID]; ok {
		return sa.Transform
	}
	return Identity()
}

// TransformLandmarks maps a specimen's landmarks into the shared frame.
func (a *AlignmentData) TransformLandmarks(specimenID string, landmarks []Landmark) []Landmark {
	t := a.GetTransform(specimenID)
	out := make([]Landmark, 0, len(landmarks))
	for _, lm := range landmarks {
		p := t.Apply(lm.Vec())
		out = append(out, Landmark{Name: lm.Name, Position: [3]float64{p.X, p.Y, p.Z}})
	}
	return out
}

// AlignmentStatus provides status information about the alignment run
type AlignmentStatus struct {
	RunID             string            `json:"runId"`
	ReferenceSpecimen string            `json:"referenceSpecimen,omitempty"`
	AlignedSpecimens  []string          `json:"alignedSpecimens"`
	MissingSpecimens  []string          `json:"missingSpecimens"`
	Iterations        int               `json:"iterations,omitempty"`
	Converged         bool              `json:"converged"`
	LastUpdated       time.Time         `json:"lastUpdated"`
	Errors            map[string]string `json:"errors,omitempty"`
}

// GetStatus returns the current alignment status
func (a *AlignmentData) GetStatus(expectedSpecimens []string) AlignmentStatus {
	status := AlignmentStatus{
		Errors: make(map[string]string),
	}

	if a == nil {
		status.MissingSpecimens = expectedSpecimens
		return status
	}

	status.RunID = a.RunID
	status.ReferenceSpecimen = a.ReferenceSpecimen
	status.Iterations = a.Iterations
	status.Converged = a.Converged
	status.LastUpdated = time.Unix(a.LastUpdated, 0)

	aligned := make(map[string]bool)
	for id := range a.Specimens {
		status.AlignedSpecimens = append(status.AlignedSpecimens, id)
		aligned[id] = true
	}

	for _, id := range expectedSpecimens {
		if !aligned[id] {
			status.MissingSpecimens = append(status.MissingSpecimens, id)
		}
	}

	return status
}

// NeedsRealignment checks if the alignment should be refreshed
func (a *AlignmentData) NeedsRealignment(maxAge time.Duration) bool {
	if a == nil || a.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(a.LastUpdated, 0)) > maxAge
}
