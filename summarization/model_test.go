package summarization

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/encoder"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

const testVocab = 40

func testConfig() params.Config {
	cfg := params.Default()
	cfg.PretrainedModelNameOrPath = "test-bert"
	cfg.DimModel = 8
	cfg.NumHeads = 2
	cfg.DimFF = 16
	cfg.NumLayers = 1
	cfg.Dropout = 0.1
	cfg.MaxSrcNumLength = 20
	cfg.MaxUtterNumLength = 4
	cfg.MaxDecodeOutputLength = 12
	cfg.VocabSize = testVocab
	cfg.Seed = 42
	return cfg
}

func testRegistry(t *testing.T) *encoder.Registry {
	r := encoder.NewRegistry(zaptest.NewLogger(t))
	r.Register("test-bert", encoder.Entry{Config: encoder.BertConfig{
		VocabSize: testVocab, Hidden: 8, Layers: 1, Heads: 2, Intermediate: 16, MaxPositions: 32, Dropout: 0.1,
	}})
	r.Register("wide-bert", encoder.Entry{Config: encoder.BertConfig{
		VocabSize: testVocab, Hidden: 16, Layers: 1, Heads: 2, Intermediate: 16, MaxPositions: 32,
	}})
	return r
}

func buildModel(t *testing.T, mutate func(c *params.Config)) *DialogueSummarization {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := BuildModel(cfg, testRegistry(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func allTrue(rows, cols int) [][]bool {
	out := make([][]bool, rows)
	for i := range out {
		out[i] = make([]bool, cols)
		for j := range out[i] {
			out[i][j] = true
		}
	}
	return out
}

func TestForwardEndToEndShape(t *testing.T) {
	tests := []struct {
		name       string
		pointerGen bool
		width      int
	}{
		{"vocabulary only", false, testVocab},
		{"pointer generation", true, testVocab + 3*10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := buildModel(t, func(c *params.Config) { c.PointerGen = tt.pointerGen })
			batch, _ := RandomBatch(rand.New(rand.NewSource(1)), m.Config(), 2, 3, 10, 5)

			out, err := m.Forward(batch)
			require.NoError(t, err)
			B, T, W := out.Shape()
			assert.Equal(t, [3]int{2, 5, tt.width}, [3]int{B, T, W})
			for e, dist := range out.Dist {
				assert.False(t, utils.HasNaN(dist.Value), "example %d", e)
				for i, s := range utils.RowSums(dist.Value) {
					assert.InDelta(t, 1.0, s, 1e-9, "example %d step %d", e, i)
				}
			}
		})
	}
}

func TestVocabularyDistributionSumsToOne(t *testing.T) {
	m := buildModel(t, func(c *params.Config) { c.PointerGen = false })
	m.Train()
	batch, _ := RandomBatch(rand.New(rand.NewSource(2)), m.Config(), 2, 2, 6, 4)
	out, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Nil(t, out.Gate[0])
	for _, dist := range out.Dist {
		_, c := dist.Dims()
		assert.Equal(t, testVocab, c)
		for _, s := range utils.RowSums(dist.Value) {
			assert.InDelta(t, 1.0, s, 1e-9)
		}
	}
}

func TestCoverageIsMonotone(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	batch, _ := RandomBatch(rand.New(rand.NewSource(3)), m.Config(), 2, 3, 5, 6)
	out, err := m.Forward(batch)
	require.NoError(t, err)

	for e, cov := range out.Coverage {
		T, S := cov.Dims()
		for j := 0; j < S; j++ {
			assert.Zero(t, cov.At(0, j))
			for i := 1; i < T; i++ {
				assert.GreaterOrEqual(t, cov.At(i, j), cov.At(i-1, j), "example %d step %d source %d", e, i, j)
			}
			assert.GreaterOrEqual(t, out.FinalCoverage[e].At(0, j), cov.At(T-1, j))
		}
		for i := 0; i < T; i++ {
			assert.GreaterOrEqual(t, out.CoverageLoss[e].At(i, 0), 0.0)
		}
	}

	enc, err := m.Encode(batch)
	require.NoError(t, err)
	st := m.NewStepState(enc)
	prev := mat.DenseCopyOf(st.Coverage[0].Value)
	for step := 0; step < 4; step++ {
		_, err := m.DecodeStep([]int{1, 1}, enc, st)
		require.NoError(t, err)
		cur := st.Coverage[0].Value
		_, S := cur.Dims()
		for j := 0; j < S; j++ {
			assert.GreaterOrEqual(t, cur.At(0, j), prev.At(0, j))
		}
		prev = mat.DenseCopyOf(cur)
	}
	assert.Equal(t, 4, st.Pos)
}

func TestDecodeStepMatchesSequence(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	batch, _ := RandomBatch(rand.New(rand.NewSource(4)), m.Config(), 2, 3, 6, 5)
	enc, err := m.Encode(batch)
	require.NoError(t, err)

	seq, err := m.DecodeSequence(batch.Target, allTrue(2, 5), enc, nil)
	require.NoError(t, err)

	st := m.NewStepState(enc)
	for step := 0; step < 5; step++ {
		ids := []int{batch.Target[0][step], batch.Target[1][step]}
		out, err := m.DecodeStep(ids, enc, st)
		require.NoError(t, err)
		for e := 0; e < 2; e++ {
			_, W := out.Dist[e].Dims()
			for j := 0; j < W; j++ {
				assert.InDelta(t, seq.Dist[e].At(step, j), out.Dist[e].At(0, j), 1e-9)
			}
			assert.InDelta(t, seq.CoverageLoss[e].At(step, 0), out.CoverageLoss[e].At(0, 0), 1e-9)
			assert.InDelta(t, seq.Gate[e].At(step, 0), out.Gate[e].At(0, 0), 1e-9)
		}
	}
}

func TestFreezeControlsGradientFlow(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	rng := rand.New(rand.NewSource(5))
	batch, labels := RandomBatch(rng, m.Config(), 2, 3, 5, 4)
	bert := transformer.Parameters(bertPrefix, m.TokenEncodeModel())
	decoder := transformer.Parameters(decoderPrefix, m.DecoderModel())

	backward := func() error {
		m.Parameters().ZeroGrad()
		out, err := m.Forward(batch)
		require.NoError(t, err)
		loss, err := Loss(out, labels, batch.TargetMask, m.Config())
		require.NoError(t, err)
		return autograd.Backward(loss.Total)
	}
	bertGrad := func() float64 {
		total := 0.0
		for _, p := range bert.List() {
			total += p.GradNorm()
		}
		return total
	}

	m.FreezeBert()
	require.NoError(t, backward())
	assert.Zero(t, bertGrad())
	for _, p := range bert {
		assert.Nil(t, p.Grad)
	}
	assert.NotZero(t, decoder["decoder.generator.weight"].GradNorm())

	m.Freeze()
	err := backward()
	assert.True(t, errors.Is(err, autograd.ErrNoGradient))
	for _, p := range m.Parameters() {
		assert.Nil(t, p.Grad)
	}

	m.Unfreeze()
	require.NoError(t, backward())
	assert.NotZero(t, bertGrad())
	assert.NotZero(t, decoder["decoder.generator.weight"].GradNorm())
}

func TestUtteranceMaskDerivation(t *testing.T) {
	// [utterance][example][token]
	mask := [][][]bool{
		{{true, false}, {false, false}},
		{{false, false}, {false, true}},
		{{true, true}, {true, false}},
	}
	got := UtteranceMask(mask, 5)
	assert.Equal(t, [][]bool{{true, false, true}, {false, true, true}}, got)

	truncated := UtteranceMask(mask, 2)
	assert.Equal(t, [][]bool{{true, false}, {false, true}}, truncated)
}

func TestEncodeEmptyUtterance(t *testing.T) {
	m := buildModel(t, nil)
	batch, _ := RandomBatch(rand.New(rand.NewSource(6)), m.Config(), 2, 3, 4, 3)
	for i := range batch.SourceMask[1][0] {
		batch.SourceMask[1][0][i] = false
	}
	enc, err := m.Encode(batch)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, enc.DialogueMask[0])
	assert.Equal(t, []bool{true, true, true}, enc.DialogueMask[1])
	for i := 4; i < 8; i++ {
		for j := 0; j < 8; j++ {
			assert.Zero(t, enc.Tokens[0].At(i, j))
		}
	}
	// padded utterances receive no attention weight
	for i := 0; i < 3; i++ {
		assert.Zero(t, enc.UtteranceAttention[0].At(i, 1))
	}
}

func TestEncodeTruncatesUtterances(t *testing.T) {
	m := buildModel(t, func(c *params.Config) { c.MaxUtterNumLength = 2 })
	batch, _ := RandomBatch(rand.New(rand.NewSource(7)), m.Config(), 2, 5, 4, 3)
	enc, err := m.Encode(batch)
	require.NoError(t, err)

	assert.Equal(t, 2, enc.Utterances)
	for e := 0; e < 2; e++ {
		assert.LessOrEqual(t, len(enc.DialogueMask[e]), 2)
		r, _ := enc.Dialogue[e].Dims()
		assert.Equal(t, 2, r)
		r, _ = enc.Tokens[e].Dims()
		assert.Equal(t, 8, r)
		assert.Len(t, enc.TokenMask[e], 8)
	}

	out, err := m.DecodeSequence(batch.Target, batch.TargetMask, enc, nil)
	require.NoError(t, err)
	_, _, W := out.Shape()
	assert.Equal(t, testVocab+8, W)
}

func TestPoolingIgnoresPaddingLength(t *testing.T) {
	m := buildModel(t, nil)
	bert := m.TokenEncodeModel()
	words := []int{5, 6, 7, 8, 9}

	pool := func(width int) *autograd.Node {
		ids := make([]int, width)
		mask := make([]bool, width)
		copy(ids, words)
		for i := range words {
			mask[i] = true
		}
		for i := len(words); i < width; i++ {
			ids[i] = 3 // padding ids that would change the mean if counted
		}
		hidden, _, err := bert.Encode(transformer.Eval(), ids, mask)
		require.NoError(t, err)
		return PoolUtterance(hidden, mask)
	}
	p10, p20 := pool(10), pool(20)
	assert.True(t, mat.EqualApprox(p10.Value, p20.Value, 1e-9))

	hidden := autograd.Constant(mat.NewDense(3, 2, []float64{1, 2, 3, 4, 100, 100}))
	mean := PoolUtterance(hidden, []bool{true, true, false})
	assert.Equal(t, []float64{2, 3}, mean.Value.RawMatrix().Data)
	assert.Equal(t, []float64{0, 0}, PoolUtterance(hidden, []bool{false, false, false}).Value.RawMatrix().Data)
}

func TestUtteranceTypeValidation(t *testing.T) {
	m := buildModel(t, nil)
	for _, bad := range []int{3, -1} {
		batch, _ := RandomBatch(rand.New(rand.NewSource(8)), m.Config(), 1, 2, 3, 2)
		batch.UtteranceType[0][1] = bad
		_, err := m.Encode(batch)
		assert.True(t, errors.Is(err, ErrUnsupportedUtteranceType), "type %d", bad)
	}

	batch, _ := RandomBatch(rand.New(rand.NewSource(8)), m.Config(), 1, 2, 3, 2)
	batch.UtteranceType[0] = []int{TypeTechnician, TypeCarOwner}
	_, err := m.Encode(batch)
	assert.NoError(t, err)
}

func TestShapeErrors(t *testing.T) {
	m := buildModel(t, nil)
	rng := rand.New(rand.NewSource(9))

	ragged, _ := RandomBatch(rng, m.Config(), 2, 2, 4, 3)
	ragged.Source[1][0] = ragged.Source[1][0][:3]
	_, err := m.Encode(ragged)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	types, _ := RandomBatch(rng, m.Config(), 2, 2, 4, 3)
	types.UtteranceType = types.UtteranceType[:1]
	_, err = m.Encode(types)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	long, _ := RandomBatch(rng, m.Config(), 1, 1, 21, 3)
	_, err = m.Encode(long)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))

	summary, _ := RandomBatch(rng, m.Config(), 1, 1, 4, 13)
	_, err = m.Forward(summary)
	assert.True(t, errors.Is(err, ErrSequenceTooLong))

	noTarget, _ := RandomBatch(rng, m.Config(), 1, 1, 4, 2)
	noTarget.Target = nil
	_, err = m.Forward(noTarget)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestBuildModelErrors(t *testing.T) {
	cfg := testConfig()
	cfg.PretrainedModelNameOrPath = "wide-bert"
	_, err := BuildModel(cfg, testRegistry(t), nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	cfg.PretrainedModelNameOrPath = "missing"
	_, err = BuildModel(cfg, testRegistry(t), nil)
	assert.True(t, errors.Is(err, encoder.ErrUnknownEncoder))

	cfg = testConfig()
	cfg.UtterType = 0
	_, err = BuildModel(cfg, testRegistry(t), nil)
	assert.True(t, errors.Is(err, params.ErrInvalidConfig))
}

func TestModelsWithDifferentConfigsCoexist(t *testing.T) {
	small := buildModel(t, func(c *params.Config) { c.PointerGen = false; c.IsCoverage = false })
	large := buildModel(t, func(c *params.Config) { c.DimFF = 32; c.NumLayers = 2 })
	batch, _ := RandomBatch(rand.New(rand.NewSource(10)), testConfig(), 1, 2, 3, 2)

	a, err := small.Forward(batch)
	require.NoError(t, err)
	b, err := large.Forward(batch)
	require.NoError(t, err)
	_, _, wa := a.Shape()
	_, _, wb := b.Shape()
	assert.Equal(t, testVocab, wa)
	assert.Equal(t, testVocab+6, wb)
	assert.Nil(t, a.Coverage)
	assert.Len(t, large.DecoderModel().Layers, 2)
	assert.Len(t, small.DecoderModel().Layers, 1)

	cfg := large.Config()
	cfg.Betas[0] = 0.1
	assert.Equal(t, 0.9, large.Config().Betas[0])
	assert.Equal(t, 0.9, small.Config().Betas[0])
}

func TestLoss(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	batch, labels := RandomBatch(rand.New(rand.NewSource(11)), m.Config(), 2, 2, 4, 3)
	out, err := m.Forward(batch)
	require.NoError(t, err)

	l, err := Loss(out, labels, batch.TargetMask, m.Config())
	require.NoError(t, err)
	require.NotNil(t, l.Coverage)
	assert.Greater(t, l.NLL.At(0, 0), 0.0)
	assert.InDelta(t, l.NLL.At(0, 0)+m.Config().CovLossWt*l.Coverage.At(0, 0), l.Total.At(0, 0), 1e-12)

	// masked positions do not contribute
	masked := allTrue(2, 3)
	masked[1][2] = false
	bad := [][]int{labels[0], {labels[1][0], labels[1][1], 0}}
	l2, err := Loss(out, bad, masked, m.Config())
	require.NoError(t, err)
	ref := [][]int{labels[0], {labels[1][0], labels[1][1], 7}}
	l3, err := Loss(out, ref, masked, m.Config())
	require.NoError(t, err)
	assert.InDelta(t, l2.Total.At(0, 0), l3.Total.At(0, 0), 1e-12)

	_, err = Loss(out, [][]int{{1, 2, 3}, {1, 2, 1000}}, allTrue(2, 3), m.Config())
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPointerCopiesSourceOnlyWords(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	batch, _ := RandomBatch(rand.New(rand.NewSource(12)), m.Config(), 1, 1, 4, 2)
	batch.SourceMask[0][0] = []bool{true, true, false, false}
	batch.SourceExtended[0][0] = []int{testVocab + 0, batch.Source[0][0][1], 0, 0}

	out, err := m.Forward(batch)
	require.NoError(t, err)
	dist := out.Dist[0]
	for i := 0; i < 2; i++ {
		assert.Greater(t, dist.At(i, testVocab), 0.0)
		assert.Zero(t, dist.At(i, testVocab+1))
		g := out.Gate[0].At(i, 0)
		assert.Greater(t, g, 0.0)
		assert.Less(t, g, 1.0)
	}

	batch.SourceExtended[0][0][0] = testVocab + 4
	_, err = m.Forward(batch)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestGenerate(t *testing.T) {
	m := buildModel(t, nil)
	m.Eval()
	batch, _ := RandomBatch(rand.New(rand.NewSource(13)), m.Config(), 2, 3, 5, 1)
	out, err := m.Generate(batch, 1, 2, 6)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, ids := range out {
		assert.LessOrEqual(t, len(ids), 6)
		for _, id := range ids {
			assert.Less(t, id, testVocab)
			assert.NotEqual(t, 2, id)
		}
	}

	capped, err := m.Generate(batch, 1, -1, 100)
	require.NoError(t, err)
	assert.Len(t, capped[0], m.Config().MaxDecodeOutputLength)
}

func TestShiftTarget(t *testing.T) {
	inputs, labels, mask := ShiftTarget([][]int{{7, 8, 9}, {5}}, 1, 0)
	assert.Equal(t, [][]int{{1, 7, 8}, {1, 5, 0}}, inputs)
	assert.Equal(t, [][]int{{7, 8, 9}, {5, 0, 0}}, labels)
	assert.Equal(t, [][]bool{{true, true, true}, {true, false, false}}, mask)
}

func TestSelfMask(t *testing.T) {
	m := selfMask([]bool{true, false, true, false})
	for i := 0; i < 4; i++ {
		assert.Zero(t, m.At(i, i), "diagonal row %d", i)
		for j := i + 1; j < 4; j++ {
			assert.Equal(t, utils.NegInf, m.At(i, j), "future key %d for row %d", j, i)
		}
	}
	assert.Zero(t, m.At(2, 0))
	assert.Equal(t, utils.NegInf, m.At(2, 1), "padded key")
	assert.Equal(t, utils.NegInf, m.At(3, 1), "padded key")
	assert.Zero(t, m.At(3, 2))
}
