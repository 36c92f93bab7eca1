package encoder

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/transformer"
)

func tinyConfig() BertConfig {
	return BertConfig{VocabSize: 30, Hidden: 8, Layers: 1, Heads: 2, Intermediate: 16, MaxPositions: 20, Dropout: 0.1}
}

func TestBertEncodeShapes(t *testing.T) {
	b, err := NewBert(tinyConfig(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	hidden, pooled, err := b.Encode(transformer.Eval(), []int{3, 4, 5, 0}, []bool{true, true, true, false})
	require.NoError(t, err)
	r, c := hidden.Dims()
	assert.Equal(t, [2]int{4, 8}, [2]int{r, c})
	r, c = pooled.Dims()
	assert.Equal(t, [2]int{1, 8}, [2]int{r, c})
	for j := 0; j < 8; j++ {
		assert.LessOrEqual(t, pooled.At(0, j), 1.0)
		assert.GreaterOrEqual(t, pooled.At(0, j), -1.0)
	}
}

func TestBertPaddingLengthDoesNotChangeRealRows(t *testing.T) {
	b, err := NewBert(tinyConfig(), rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	short, _, err := b.Encode(transformer.Eval(), []int{7, 8, 9, 0, 0}, []bool{true, true, true, false, false})
	require.NoError(t, err)
	long, _, err := b.Encode(transformer.Eval(), []int{7, 8, 9, 0, 0, 0, 0, 0}, []bool{true, true, true, false, false, false, false, false})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 8; j++ {
			assert.InDelta(t, short.At(i, j), long.At(i, j), 1e-9)
		}
	}
}

func TestBertEncodeErrors(t *testing.T) {
	b, err := NewBert(tinyConfig(), rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	_, _, err = b.Encode(transformer.Eval(), []int{1, 2}, []bool{true})
	assert.Error(t, err)
	_, _, err = b.Encode(transformer.Eval(), []int{99}, []bool{true})
	assert.Error(t, err)
	_, _, err = b.Encode(transformer.Eval(), make([]int, 21), make([]bool, 21))
	assert.True(t, errors.Is(err, transformer.ErrSequenceTooLong))

	bad := tinyConfig()
	bad.Heads = 3
	_, err = NewBert(bad, rand.New(rand.NewSource(3)))
	assert.Error(t, err)
}

func TestZeroPadding(t *testing.T) {
	b, err := NewBert(tinyConfig(), rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	mask := []bool{true, false, true}
	hidden, _, err := b.Encode(transformer.Eval(), []int{1, 2, 3}, mask)
	require.NoError(t, err)

	z := ZeroPadding(hidden, mask)
	for j := 0; j < 8; j++ {
		assert.Zero(t, z.At(1, j))
		assert.Equal(t, hidden.At(0, j), z.At(0, j))
	}
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry(zaptest.NewLogger(t))
	assert.Equal(t, []string{"bert-base-chinese", "bert-tiny-chinese"}, r.List())

	e, err := r.Lookup("bert-base-chinese")
	require.NoError(t, err)
	assert.Equal(t, 768, e.Config.Hidden)
	assert.Equal(t, 21128, e.Config.VocabSize)

	_, err = r.Lookup("")
	assert.True(t, errors.Is(err, ErrUnknownEncoder))
	_, err = r.Lookup("roberta-wwm")
	assert.True(t, errors.Is(err, ErrUnknownEncoder))
	_, err = r.Load("roberta-wwm", rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrUnknownEncoder))
}

func TestRegistrySaveDiscoverLoad(t *testing.T) {
	dir := t.TempDir()
	src, err := NewBert(tinyConfig(), rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.NoError(t, Save(dir, "tiny", src))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	r := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Discover(dir))
	assert.Equal(t, []string{"tiny"}, r.List())

	loaded, err := r.Load("tiny", rand.New(rand.NewSource(77)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(src.Words.Table.Value, loaded.Words.Table.Value))
	assert.True(t, mat.Equal(src.Pooler.W.Value, loaded.Pooler.W.Value))

	byPath, err := r.Load(filepath.Join(dir, "tiny"), rand.New(rand.NewSource(78)))
	require.NoError(t, err)
	assert.True(t, mat.Equal(src.Encoder.Norm.Gamma.Value, byPath.Encoder.Norm.Gamma.Value))

	require.NoError(t, r.Discover(filepath.Join(dir, "missing")))
}
