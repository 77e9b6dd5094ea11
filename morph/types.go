package morph

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Landmark is a single named 3D point digitized on a specimen.
// Position is stored as an [x, y, z] triple in the specimen's units.
type Landmark struct {
	Name     string     `json:"name"`
	Position [3]float64 `json:"position"`
}

// Vec returns the landmark position as an r3.Vec.
func (l Landmark) Vec() r3.Vec {
	return r3.Vec{X: l.Position[0], Y: l.Position[1], Z: l.Position[2]}
}

// Specimen is the root structure of a landmark export file. Landmark names
// establish correspondence: the same name on two specimens means the same
// anatomical point.
type Specimen struct {
	Name       string     `json:"specimen"`
	CapturedAt int64      `json:"capturedAt,omitempty"`
	Units      string     `json:"units,omitempty"`
	Landmarks  []Landmark `json:"landmarks"`
}

// PointSet is an ordered sequence of 3D points. Point sets that participate
// in one alignment share index correspondence, fixed by sorting landmark
// names identically (see MatchedPointSets). Alignment functions never
// reorder or mutate a PointSet; results are new slices.
type PointSet []r3.Vec

// Clone returns an independent copy of the point set.
func (ps PointSet) Clone() PointSet {
	out := make(PointSet, len(ps))
	copy(out, ps)
	return out
}

// AlignOptions controls a pairwise Procrustes fit.
type AlignOptions struct {
	AllowScale      bool // estimate a uniform scale factor
	AllowReflection bool // permit an improper rotation (det = -1)
}

// TransformResult is the outcome of a pairwise alignment. On failure the
// transform is the identity and the scale is 1.0, so a caller may apply the
// result unconditionally.
type TransformResult struct {
	Transform Transform `json:"transform"`
	Scale     float64   `json:"scale"`
}

// GPAOptions controls generalized Procrustes superimposition.
type GPAOptions struct {
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations"`
	Tolerance     float64 `yaml:"tolerance" json:"tolerance"`
	AllowScale    bool    `yaml:"allowScale" json:"allowScale"`
}

// DefaultGPAOptions returns the iteration cap and convergence tolerance used
// when the config does not override them.
func DefaultGPAOptions() GPAOptions {
	return GPAOptions{
		MaxIterations: 100,
		Tolerance:     1e-6,
		AllowScale:    true,
	}
}

// GPAResult holds the outcome of a generalized Procrustes superimposition.
// Aligned preserves the order of the input sets. Exhausting the iteration
// cap is not an error; Converged reports whether the tolerance was met.
type GPAResult struct {
	Aligned    []PointSet
	MeanShape  PointSet
	Iterations int
	Converged  bool
}

// SpecimenConfig defines one specimen tracked by the service.
type SpecimenConfig struct {
	ID     string  `yaml:"id" json:"id"`
	Topic  string  `yaml:"topic" json:"topic"`
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // optional digitizer REST endpoint for re-fetching landmarks
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file.
type Config struct {
	MQTT      MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Reference string           `yaml:"reference,omitempty" json:"reference,omitempty"` // optional reference specimen ID
	Specimens []SpecimenConfig `yaml:"specimens" json:"specimens"`
	Alignment GPAOptions       `yaml:"alignment,omitempty" json:"alignment,omitempty"`
}

// GetSpecimenByID returns the specimen config for the given ID.
func (c *Config) GetSpecimenByID(id string) *SpecimenConfig {
	for i := range c.Specimens {
		if c.Specimens[i].ID == id {
			return &c.Specimens[i]
		}
	}
	return nil
}

// GPAOptionsOrDefault returns the configured alignment options, falling back
// to defaults for unset fields.
func (c *Config) GPAOptionsOrDefault() GPAOptions {
	opts := c.Alignment
	def := DefaultGPAOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	return opts
}
