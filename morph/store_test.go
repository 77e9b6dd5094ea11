package morph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeSpecimens builds rigid copies of one landmark configuration.
func threeSpecimens() map[string]*Specimen {
	base := map[string][3]float64{
		"bregma": {0, 0, 0},
		"lambda": {1, 0, 0},
		"nasion": {0, 1, 0},
		"inion":  {0, 0, 1},
	}
	shifted := func(dx, dy, dz float64) map[string][3]float64 {
		out := make(map[string][3]float64, len(base))
		for n, p := range base {
			out[n] = [3]float64{p[0] + dx, p[1] + dy, p[2] + dz}
		}
		return out
	}
	return map[string]*Specimen{
		"skull-a": specimenFromPoints("skull-a", base),
		"skull-b": specimenFromPoints("skull-b", shifted(5, 0, 0)),
		"skull-c": specimenFromPoints("skull-c", shifted(0, -3, 2)),
	}
}

func TestLoadAlignmentMissing(t *testing.T) {
	ad, err := LoadAlignment(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, err)
	assert.Nil(t, ad)
}

func TestSaveLoadAlignmentRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", ".alignment-cache.json")

	ad := &AlignmentData{
		RunID:             "run-1",
		ReferenceSpecimen: "skull-a",
		Specimens: map[string]SpecimenAlignment{
			"skull-a": {Transform: Identity(), Scale: 1.0, LandmarkCount: 4},
		},
	}
	require.NoError(t, SaveAlignment(path, ad))
	assert.NotZero(t, ad.LastUpdated, "SaveAlignment should stamp the data")

	loaded, err := LoadAlignment(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "skull-a", loaded.ReferenceSpecimen)
	assert.Equal(t, ad.LastUpdated, loaded.LastUpdated)
	assert.Equal(t, Identity(), loaded.Specimens["skull-a"].Transform)
}

func TestLoadAlignmentCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := LoadAlignment(path)
	assert.Error(t, err)
}

func TestAlignSpecimens(t *testing.T) {
	specimens := threeSpecimens()

	ad, failures, err := AlignSpecimens(specimens, "skull-a", AlignOptions{AllowScale: true})
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.NotNil(t, ad)
	assert.NotEmpty(t, ad.RunID)
	assert.Equal(t, "skull-a", ad.ReferenceSpecimen)
	require.Len(t, ad.Specimens, 3)

	// reference carries the identity
	refAlign := ad.Specimens["skull-a"]
	assert.True(t, refAlign.Transform.IsIdentity(1e-12))
	assert.Equal(t, 1.0, refAlign.Scale)

	// rigid copies align exactly
	for _, id := range []string{"skull-b", "skull-c"} {
		sa := ad.Specimens[id]
		assert.Less(t, sa.RMSE, 1e-8, "specimen %s", id)
		assert.InDelta(t, 1.0, sa.Scale, 1e-8, "specimen %s", id)
		assert.Equal(t, 4, sa.LandmarkCount)
	}
}

func TestAlignSpecimensMissingReference(t *testing.T) {
	_, _, err := AlignSpecimens(threeSpecimens(), "missing", AlignOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestAlignSpecimensPartialFailure(t *testing.T) {
	specimens := threeSpecimens()
	specimens["skull-x"] = specimenFromPoints("skull-x", map[string][3]float64{
		"other": {1, 2, 3},
	})

	ad, failures, err := AlignSpecimens(specimens, "skull-a", AlignOptions{AllowScale: true})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "skull-x")
	assert.Len(t, ad.Specimens, 3)
}

func TestSuperimposeSpecimens(t *testing.T) {
	ad, err := SuperimposeSpecimens(threeSpecimens(), DefaultGPAOptions())
	require.NoError(t, err)
	require.NotNil(t, ad)

	assert.True(t, ad.Converged)
	assert.NotEmpty(t, ad.RunID)
	assert.Empty(t, ad.ReferenceSpecimen, "GPA has no reference specimen")
	assert.Len(t, ad.Specimens, 3)

	require.Len(t, ad.MeanShape, 4)
	// mean shape landmarks follow sorted name order
	assert.Equal(t, "bregma", ad.MeanShape[0].Name)
	assert.Equal(t, "nasion", ad.MeanShape[3].Name)

	// translated copies map onto the mean with near-zero residual
	for id, sa := range ad.Specimens {
		assert.Less(t, sa.RMSE, 1e-6, "specimen %s", id)
	}
}

func TestSuperimposeSpecimensMismatch(t *testing.T) {
	specimens := map[string]*Specimen{
		"a": specimenFromPoints("a", map[string][3]float64{"x": {}, "y": {}, "z": {}}),
		"b": specimenFromPoints("b", map[string][3]float64{"x": {}, "y": {}, "q": {}}),
	}
	_, err := SuperimposeSpecimens(specimens, DefaultGPAOptions())
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSelectReferenceSpecimen(t *testing.T) {
	specimens := map[string]*Specimen{
		"small": specimenFromPoints("small", map[string][3]float64{"a": {}}),
		"big": specimenFromPoints("big", map[string][3]float64{
			"a": {}, "b": {}, "c": {}, "d": {},
		}),
	}
	assert.Equal(t, "big", SelectReferenceSpecimen(specimens))
	assert.Equal(t, "", SelectReferenceSpecimen(nil))
}

func TestGetTransform(t *testing.T) {
	var nilData *AlignmentData
	assert.Equal(t, Identity(), nilData.GetTransform("anything"))

	ad := &AlignmentData{
		Specimens: map[string]SpecimenAlignment{
			"skull-a": {Transform: Transform{
				1, 0, 0, 5,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			}},
		},
	}
	assert.Equal(t, 5.0, ad.GetTransform("skull-a")[3])
	assert.Equal(t, Identity(), ad.GetTransform("unknown"))
}

func TestTransformLandmarks(t *testing.T) {
	ad := &AlignmentData{
		Specimens: map[string]SpecimenAlignment{
			"skull-a": {Transform: Transform{
				1, 0, 0, 10,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0, 0, 0, 1,
			}},
		},
	}
	lms := []Landmark{{Name: "nasion", Position: [3]float64{1, 2, 3}}}

	out := ad.TransformLandmarks("skull-a", lms)
	require.Len(t, out, 1)
	assert.Equal(t, "nasion", out[0].Name)
	assert.Equal(t, [3]float64{11, 2, 3}, out[0].Position)

	// unknown specimens pass through unchanged
	same := ad.TransformLandmarks("unknown", lms)
	assert.Equal(t, lms[0].Position, same[0].Position)
}

func TestGetStatus(t *testing.T) {
	expected := []string{"skull-a", "skull-b", "skull-c"}

	t.Run("nil data", func(t *testing.T) {
		var nilData *AlignmentData
		status := nilData.GetStatus(expected)
		assert.Equal(t, expected, status.MissingSpecimens)
		assert.Empty(t, status.AlignedSpecimens)
	})

	t.Run("partial alignment", func(t *testing.T) {
		ad := &AlignmentData{
			RunID: "run-2",
			Specimens: map[string]SpecimenAlignment{
				"skull-a": {},
				"skull-b": {},
			},
			Converged:   true,
			LastUpdated: time.Now().Unix(),
		}
		status := ad.GetStatus(expected)
		assert.Equal(t, "run-2", status.RunID)
		assert.True(t, status.Converged)
		assert.ElementsMatch(t, []string{"skull-a", "skull-b"}, status.AlignedSpecimens)
		assert.Equal(t, []string{"skull-c"}, status.MissingSpecimens)
	})
}

func TestNeedsRealignment(t *testing.T) {
	var nilData *AlignmentData
	assert.True(t, nilData.NeedsRealignment(time.Hour))

	fresh := &AlignmentData{LastUpdated: time.Now().Unix()}
	assert.False(t, fresh.NeedsRealignment(time.Hour))

	stale := &AlignmentData{LastUpdated: time.Now().Add(-2 * time.Hour).Unix()}
	assert.True(t, stale.NeedsRealignment(time.Hour))
}
