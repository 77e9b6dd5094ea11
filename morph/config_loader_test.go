package morph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
mqtt:
  broker: tcp://localhost:1883
  publishPrefix: morphalign
  clientId: morphalign-test
reference: skull-a
specimens:
  - id: skull-a
    topic: landmarks/station-1/LandmarkData/landmark-data
  - id: skull-b
    topic: landmarks/station-2/LandmarkData/landmark-data
    apiUrl: http://station-2.local/landmarks
alignment:
  maxIterations: 50
  tolerance: 1e-5
  allowScale: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "morphalign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", config.MQTT.Broker)
	assert.Equal(t, "morphalign", config.MQTT.PublishPrefix)
	assert.Equal(t, "skull-a", config.Reference)
	require.Len(t, config.Specimens, 2)
	assert.Equal(t, "skull-a", config.Specimens[0].ID)
	require.NotNil(t, config.Specimens[1].ApiURL)
	assert.Equal(t, "http://station-2.local/landmarks", *config.Specimens[1].ApiURL)
	assert.Equal(t, 50, config.Alignment.MaxIterations)
	assert.InDelta(t, 1e-5, config.Alignment.Tolerance, 1e-12)
	assert.True(t, config.Alignment.AllowScale)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "missing broker",
			yaml:    "specimens:\n  - id: a\n    topic: t\n",
			wantMsg: "mqtt.broker is required",
		},
		{
			name:    "no specimens",
			yaml:    "mqtt:\n  broker: tcp://localhost:1883\n",
			wantMsg: "at least one specimen",
		},
		{
			name:    "specimen missing id",
			yaml:    "mqtt:\n  broker: tcp://localhost:1883\nspecimens:\n  - topic: t\n",
			wantMsg: "specimen[0].id is required",
		},
		{
			name:    "specimen missing topic",
			yaml:    "mqtt:\n  broker: tcp://localhost:1883\nspecimens:\n  - id: a\n",
			wantMsg: "specimen[0].topic is required",
		},
		{
			name:    "negative iterations",
			yaml:    "mqtt:\n  broker: tcp://localhost:1883\nspecimens:\n  - id: a\n    topic: t\nalignment:\n  maxIterations: -1\n",
			wantMsg: "maxIterations",
		},
		{
			name:    "invalid yaml",
			yaml:    "mqtt: [broken",
			wantMsg: "parsing config YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	original, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveConfig(path, original))

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, original, reloaded)
}

func TestGetSpecimenByID(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	sc := config.GetSpecimenByID("skull-b")
	require.NotNil(t, sc)
	assert.Equal(t, "landmarks/station-2/LandmarkData/landmark-data", sc.Topic)

	assert.Nil(t, config.GetSpecimenByID("missing"))
}

func TestGPAOptionsOrDefault(t *testing.T) {
	t.Run("configured values win", func(t *testing.T) {
		c := &Config{Alignment: GPAOptions{MaxIterations: 7, Tolerance: 0.5, AllowScale: false}}
		opts := c.GPAOptionsOrDefault()
		assert.Equal(t, 7, opts.MaxIterations)
		assert.Equal(t, 0.5, opts.Tolerance)
		assert.False(t, opts.AllowScale)
	})

	t.Run("zero values fall back", func(t *testing.T) {
		c := &Config{}
		opts := c.GPAOptionsOrDefault()
		assert.Equal(t, 100, opts.MaxIterations)
		assert.Equal(t, 1e-6, opts.Tolerance)
	})
}

func TestGetEffectiveReference(t *testing.T) {
	specimens := map[string]*Specimen{
		"a": specimenFromPoints("a", map[string][3]float64{"n": {}, "b": {}, "l": {}}),
		"b": specimenFromPoints("b", map[string][3]float64{"n": {}, "b": {}, "l": {}, "p": {}}),
	}

	t.Run("config reference wins", func(t *testing.T) {
		got := GetEffectiveReference(&Config{Reference: "a"}, nil, specimens)
		assert.Equal(t, "a", got)
	})

	t.Run("config reference ignored when absent", func(t *testing.T) {
		cache := &AlignmentData{ReferenceSpecimen: "b"}
		got := GetEffectiveReference(&Config{Reference: "missing"}, cache, specimens)
		assert.Equal(t, "b", got)
	})

	t.Run("cache reference used without config", func(t *testing.T) {
		cache := &AlignmentData{ReferenceSpecimen: "a"}
		got := GetEffectiveReference(&Config{}, cache, specimens)
		assert.Equal(t, "a", got)
	})

	t.Run("auto-select by landmark count", func(t *testing.T) {
		got := GetEffectiveReference(&Config{}, nil, specimens)
		assert.Equal(t, "b", got)
	})
}
