package morph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ParseSpecimenFile reads and parses a landmark export JSON file
func ParseSpecimenFile(path string) (*Specimen, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	s, err := ParseSpecimenJSON(data)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = specimenNameFromPath(path)
	}
	return s, nil
}

// ParseSpecimenJSON parses landmark export JSON data
func ParseSpecimenJSON(data []byte) (*Specimen, error) {
	var s Specimen
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &s, nil
}

// exportPrefix is the filename convention for landmark export files:
// LandmarkExport-<specimen>.json
const exportPrefix = "LandmarkExport-"

// FindExportFiles returns all landmark export files in a directory, sorted by
// filename.
func FindExportFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, exportPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ExportFilePath returns the export file path for a specimen name.
func ExportFilePath(dir, name string) string {
	return filepath.Join(dir, exportPrefix+name+".json")
}

func specimenNameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimPrefix(base, exportPrefix)
}

// LandmarkNames returns the specimen's landmark names in lexicographic order.
func LandmarkNames(s *Specimen) []string {
	names := make([]string, 0, len(s.Landmarks))
	for _, lm := range s.Landmarks {
		names = append(names, lm.Name)
	}
	sort.Strings(names)
	return names
}

// landmarkByName builds a name lookup. Duplicate names keep the last entry.
func landmarkByName(s *Specimen) map[string]Landmark {
	byName := make(map[string]Landmark, len(s.Landmarks))
	for _, lm := range s.Landmarks {
		byName[lm.Name] = lm
	}
	return byName
}

// MatchedPointSets extracts correspondence-ordered point sets from the given
// specimens. Points are ordered by lexicographic landmark name, so sets from
// different specimens line up index by index. All specimens must carry exactly
// the same set of landmark names; a mismatch returns ErrShapeMismatch with the
// offending specimens named.
func MatchedPointSets(specimens []*Specimen) ([]PointSet, []string, error) {
	if len(specimens) == 0 {
		return nil, nil, nil
	}

	names := LandmarkNames(specimens[0])
	for _, s := range specimens[1:] {
		other := LandmarkNames(s)
		if !equalNames(names, other) {
			return nil, nil, fmt.Errorf("%w: %s and %s have different landmark names",
				ErrShapeMismatch, specimens[0].Name, s.Name)
		}
	}

	sets := make([]PointSet, 0, len(specimens))
	for _, s := range specimens {
		byName := landmarkByName(s)
		ps := make(PointSet, 0, len(names))
		for _, name := range names {
			ps = append(ps, byName[name].Vec())
		}
		sets = append(sets, ps)
	}
	return sets, names, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SpecimenSummary provides a summary of a landmark export's contents
type SpecimenSummary struct {
	Name          string
	CapturedAt    int64
	Units         string
	LandmarkCount int
	LandmarkNames []string
	Centroid      [3]float64
}

// Summarize extracts key information from a specimen
func Summarize(s *Specimen) SpecimenSummary {
	summary := SpecimenSummary{
		Name:          s.Name,
		CapturedAt:    s.CapturedAt,
		Units:         s.Units,
		LandmarkCount: len(s.Landmarks),
		LandmarkNames: LandmarkNames(s),
	}

	if len(s.Landmarks) > 0 {
		ps := make(PointSet, 0, len(s.Landmarks))
		for _, lm := range s.Landmarks {
			ps = append(ps, lm.Vec())
		}
		c := Centroid(ps)
		summary.Centroid = [3]float64{c.X, c.Y, c.Z}
	}

	return summary
}

// HasUsableLandmarks returns true if the specimen carries enough landmarks
// for alignment.
func HasUsableLandmarks(s *Specimen) bool {
	return s != nil && len(s.Landmarks) >= 3
}
