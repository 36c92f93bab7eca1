package params

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full parameter bundle for one model/run. It is plain data:
// build it once, validate it, and pass it by value.
type Config struct {
	PretrainedModelNameOrPath string `yaml:"pretrained_model_name_or_path"`
	Local                     bool   `yaml:"local"`

	// model params
	NumTrainEpochs        int     `yaml:"num_train_epochs"`
	DimModel              int     `yaml:"dim_model"`
	NumHeads              int     `yaml:"num_heads"`
	DimFF                 int     `yaml:"dim_ff"`
	Dropout               float64 `yaml:"dropout"`
	NumLayers             int     `yaml:"num_layers"`
	MaxSrcNumLength       int     `yaml:"max_src_num_length"`       // tokens per utterance
	MaxUtterNumLength     int     `yaml:"max_utter_num_length"`     // utterances per dialogue
	MaxDecodeOutputLength int     `yaml:"max_decode_output_length"` // summary tokens
	UtterType             int     `yaml:"utter_type"`               // number of utterance type ids
	VocabSize             int     `yaml:"vocab_size"`
	MaxGradNorm           float64 `yaml:"max_grad_norm"`
	IsCoverage            bool    `yaml:"is_coverage"`
	PointerGen            bool    `yaml:"pointer_gen"`

	// train
	Seed                      int64      `yaml:"seed"`
	DataDir                   string     `yaml:"data_dir"`
	TrainDataPath             string     `yaml:"train_data_path"`
	PredictDataPath           string     `yaml:"predict_data_path"`
	PredictOutput             string     `yaml:"predict_output"`
	LearningRate              float64    `yaml:"learning_rate"`
	Fn                        string     `yaml:"fn"` // checkpoint name prefix
	Load                      bool       `yaml:"load"`
	Betas                     [2]float64 `yaml:"betas"`
	GradientAccumulationSteps int        `yaml:"gradient_accumulation_steps"`
	WeightDecay               float64    `yaml:"weight_decay"`
	AdamEpsilon               float64    `yaml:"adam_epsilon"`
	WarmupSteps               int        `yaml:"warmup_steps"`
	BatchSize                 int        `yaml:"batch_size"`
	BeamSize                  int        `yaml:"beam_size"`
	CovLossWt                 float64    `yaml:"cov_loss_wt"`
	Eps                       float64    `yaml:"eps"`
	LoggerPath                string     `yaml:"logger_path"`
	LogLevel                  string     `yaml:"log_level"`
}

func base() Config {
	return Config{
		PretrainedModelNameOrPath: "bert-base-chinese",
		Local:                     true,

		NumTrainEpochs:        1,
		DimModel:              768,
		NumHeads:              8,
		DimFF:                 1024,
		Dropout:               0.1,
		NumLayers:             3,
		MaxSrcNumLength:       128,
		MaxUtterNumLength:     128,
		MaxDecodeOutputLength: 256,
		UtterType:             3,
		VocabSize:             21128,
		MaxGradNorm:           1.0,
		IsCoverage:            true,
		PointerGen:            true,

		Seed:                      123,
		PredictOutput:             "prediction_result",
		LearningRate:              5e-5,
		Fn:                        "ckpt",
		Load:                      true,
		Betas:                     [2]float64{0.9, 0.98},
		GradientAccumulationSteps: 1,
		WeightDecay:               0.0,
		AdamEpsilon:               1e-8,
		WarmupSteps:               4000,
		BatchSize:                 1,
		BeamSize:                  5,
		CovLossWt:                 0.8,
		Eps:                       1e-12,
		LogLevel:                  "info",
	}
}

// Default is the small-feed-forward preset used for local development.
func Default() Config {
	return base().WithDerivedPaths()
}

// Large is the wide preset: 3072-wide feed-forward, heavy dropout.
func Large() Config {
	return large().WithDerivedPaths()
}

func large() Config {
	c := base()
	c.Local = false
	c.DimFF = 3072
	c.Dropout = 0.5
	c.LearningRate = 2e-4
	c.CovLossWt = 1.0
	c.BatchSize = 8
	return c
}

// Preset returns the named preset ("default" or "large") with its data
// paths still empty, so an overlay of data_dir or local can be applied
// before WithDerivedPaths.
func Preset(name string) (Config, error) {
	switch name {
	case "", "default":
		return base(), nil
	case "large":
		return large(), nil
	}
	return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
}

// WithDerivedPaths fills any empty data path from DataDir, which itself
// defaults from Local.
func (c Config) WithDerivedPaths() Config {
	if c.DataDir == "" {
		if c.Local {
			c.DataDir = "./data-dev"
		} else {
			c.DataDir = "./data"
		}
	}
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(c.DataDir, name)
		}
	}
	fill(&c.TrainDataPath, "AutoMaster_TrainSet.csv")
	fill(&c.PredictDataPath, "AutoMaster_TestSet.csv")
	fill(&c.LoggerPath, "all.log")
	return c
}

// HeadDim is DimModel / NumHeads.
func (c Config) HeadDim() int { return c.DimModel / c.NumHeads }

// Validate reports the first problem found.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"dim_model", c.DimModel},
		{"num_heads", c.NumHeads},
		{"dim_ff", c.DimFF},
		{"num_layers", c.NumLayers},
		{"max_src_num_length", c.MaxSrcNumLength},
		{"max_utter_num_length", c.MaxUtterNumLength},
		{"max_decode_output_length", c.MaxDecodeOutputLength},
		{"utter_type", c.UtterType},
		{"vocab_size", c.VocabSize},
		{"gradient_accumulation_steps", c.GradientAccumulationSteps},
		{"batch_size", c.BatchSize},
		{"beam_size", c.BeamSize},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.DimModel%c.NumHeads != 0 {
		return fmt.Errorf("%w: dim_model %d is not divisible by num_heads %d", ErrInvalidConfig, c.DimModel, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidConfig, c.Dropout)
	}
	if c.PretrainedModelNameOrPath == "" {
		return fmt.Errorf("%w: pretrained_model_name_or_path is required", ErrInvalidConfig)
	}
	for _, b := range c.Betas {
		if b < 0 || b >= 1 {
			return fmt.Errorf("%w: betas must be in [0, 1), got %v", ErrInvalidConfig, c.Betas)
		}
	}
	if c.CovLossWt < 0 || c.WeightDecay < 0 || c.MaxGradNorm < 0 || c.LearningRate < 0 {
		return fmt.Errorf("%w: cov_loss_wt, weight_decay, max_grad_norm and learning_rate must be non-negative", ErrInvalidConfig)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("%w: eps must be positive, got %v", ErrInvalidConfig, c.Eps)
	}
	return nil
}

// Load reads a YAML file over the default preset and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load for in-memory YAML.
func Parse(raw []byte) (Config, error) {
	cfg := base()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.WithDerivedPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML renders the config in the same format Load reads.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
