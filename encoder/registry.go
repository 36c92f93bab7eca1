package encoder

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// ErrUnknownEncoder is returned for an empty or unregistered identifier.
var ErrUnknownEncoder = errors.New("unknown pretrained encoder")

const (
	configFile  = "config.yaml"
	weightsFile = "weights.gob"
	paramPrefix = "bert"
)

// Entry is one resolvable encoder: its shape and, optionally, a gob
// weights file written by transformer.SaveParams.
type Entry struct {
	Config  BertConfig
	Weights string
}

// Registry resolves identifiers such as "bert-base-chinese" to encoders.
type Registry struct {
	entries map[string]Entry
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{entries: make(map[string]Entry), logger: utils.OrNop(logger)}
}

// DefaultRegistry knows the shapes of the stock Chinese BERT plus a tiny
// variant for tests and smoke runs. Neither carries weights.
func DefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register("bert-base-chinese", Entry{Config: BertConfig{
		VocabSize:    21128,
		Hidden:       768,
		Layers:       12,
		Heads:        12,
		Intermediate: 3072,
		MaxPositions: 512,
		Dropout:      0.1,
		LayerNormEps: 1e-12,
	}})
	r.Register("bert-tiny-chinese", Entry{Config: BertConfig{
		VocabSize:    21128,
		Hidden:       32,
		Layers:       2,
		Heads:        4,
		Intermediate: 64,
		MaxPositions: 512,
		Dropout:      0.1,
		LayerNormEps: 1e-12,
	}})
	return r
}

func (r *Registry) Register(name string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = e
}

// Discover registers every subdirectory of dir holding a config.yaml,
// named after the subdirectory. A weights.gob next to it is picked up.
// A missing dir is not an error.
func (r *Registry) Discover(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		r.logger.Warn("Encoder directory does not exist", zap.String("dir", dir))
		return nil
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading encoder directory: %w", err)
	}
	for _, d := range dirEntries {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(filepath.Join(path, configFile))
		if err != nil {
			r.logger.Debug("Skipping directory without encoder config", zap.String("dir", name))
			continue
		}
		var cfg BertConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parse %s config: %w", name, err)
		}
		e := Entry{Config: cfg}
		if _, err := os.Stat(filepath.Join(path, weightsFile)); err == nil {
			e.Weights = filepath.Join(path, weightsFile)
		}
		r.Register(name, e)
		r.logger.Info("Discovered encoder",
			zap.String("name", name),
			zap.Int("hidden", cfg.Hidden),
			zap.Bool("weights", e.Weights != ""))
	}
	return nil
}

// Lookup returns the entry for name, or for a directory path containing
// config.yaml.
func (r *Registry) Lookup(name string) (Entry, error) {
	if name == "" {
		return Entry{}, fmt.Errorf("%w: empty identifier", ErrUnknownEncoder)
	}
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if raw, err := os.ReadFile(filepath.Join(name, configFile)); err == nil {
		var cfg BertConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Entry{}, fmt.Errorf("parse %s: %w", name, err)
		}
		e = Entry{Config: cfg}
		if _, err := os.Stat(filepath.Join(name, weightsFile)); err == nil {
			e.Weights = filepath.Join(name, weightsFile)
		}
		return e, nil
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrUnknownEncoder, name)
}

// Load builds the named encoder and, when the entry has a weights file,
// copies the pretrained weights in.
func (r *Registry) Load(name string, rng *rand.Rand) (*Bert, error) {
	e, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	b, err := NewBert(e.Config, rng)
	if err != nil {
		return nil, err
	}
	if e.Weights == "" {
		r.logger.Info("Encoder has no pretrained weights, using random init", zap.String("name", name))
		return b, nil
	}
	if err := transformer.LoadParams(e.Weights, transformer.Parameters(paramPrefix, b)); err != nil {
		return nil, fmt.Errorf("load %s weights: %w", name, err)
	}
	r.logger.Info("Loaded encoder weights", zap.String("name", name), zap.String("path", e.Weights))
	return b, nil
}

// Save writes b under dir/name in the layout Discover reads.
func Save(dir, name string, b *Bert) error {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(b.Config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, configFile), raw, 0o644); err != nil {
		return err
	}
	return transformer.SaveParams(filepath.Join(path, weightsFile), transformer.Parameters(paramPrefix, b))
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
