package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "bert-base-chinese", cfg.PretrainedModelNameOrPath)
	assert.Equal(t, 1024, cfg.DimFF)
	assert.Equal(t, 0.1, cfg.Dropout)
	assert.Equal(t, 96, cfg.HeadDim())
	assert.Equal(t, filepath.Join("./data-dev", "all.log"), cfg.LoggerPath)
	assert.Equal(t, filepath.Join("./data-dev", "AutoMaster_TrainSet.csv"), cfg.TrainDataPath)
}

func TestPresetsDifferOnlyInHyperparameters(t *testing.T) {
	a, b := Default(), Large()
	require.NoError(t, b.Validate())
	assert.Equal(t, 3072, b.DimFF)
	assert.Equal(t, 0.5, b.Dropout)
	assert.NotEqual(t, a.LearningRate, b.LearningRate)
	assert.Equal(t, a.DimModel, b.DimModel)
	assert.Equal(t, a.VocabSize, b.VocabSize)
	assert.Equal(t, "./data", b.DataDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero dim", func(c *Config) { c.DimModel = 0 }},
		{"heads do not divide", func(c *Config) { c.NumHeads = 7 }},
		{"dropout one", func(c *Config) { c.Dropout = 1 }},
		{"negative dropout", func(c *Config) { c.Dropout = -0.1 }},
		{"no utterance types", func(c *Config) { c.UtterType = 0 }},
		{"no pretrained name", func(c *Config) { c.PretrainedModelNameOrPath = "" }},
		{"beta out of range", func(c *Config) { c.Betas = [2]float64{0.9, 1.2} }},
		{"negative coverage weight", func(c *Config) { c.CovLossWt = -1 }},
		{"zero eps", func(c *Config) { c.Eps = 0 }},
		{"zero accumulation", func(c *Config) { c.GradientAccumulationSteps = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative batch", func(c *Config) { c.BatchSize = -3 }},
		{"zero beam", func(c *Config) { c.BeamSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
dim_model: 16
num_heads: 4
dim_ff: 3072
dropout: 0.5
data_dir: /tmp/dialogs
pointer_gen: false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.DimModel)
	assert.Equal(t, 3072, cfg.DimFF)
	assert.False(t, cfg.PointerGen)
	assert.True(t, cfg.IsCoverage, "unset keys keep defaults")
	assert.Equal(t, filepath.Join("/tmp/dialogs", "all.log"), cfg.LoggerPath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("num_heads: 5\n"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = Parse([]byte("batch_size: 0\n"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = Parse([]byte("betas: [0.9]\n"))
	assert.Error(t, err, "betas takes exactly two values")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Large()
	raw, err := cfg.YAML()
	require.NoError(t, err)
	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestPresetLeavesPathsUnset(t *testing.T) {
	cfg, err := Preset("large")
	require.NoError(t, err)
	assert.Empty(t, cfg.DataDir)
	assert.Empty(t, cfg.PredictDataPath)
	assert.Equal(t, Large(), cfg.WithDerivedPaths())

	cfg.DataDir = "/srv/automaster"
	cfg.LoggerPath = "/var/log/dialogsum.log"
	cfg = cfg.WithDerivedPaths()
	assert.Equal(t, filepath.Join("/srv/automaster", "AutoMaster_TestSet.csv"), cfg.PredictDataPath)
	assert.Equal(t, "/var/log/dialogsum.log", cfg.LoggerPath, "explicit paths are kept")

	_, err = Preset("huge")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestCopiesShareNoState(t *testing.T) {
	a := Default()
	b := a
	b.Betas[0] = 0.5
	assert.Equal(t, 0.9, a.Betas[0])
}
