package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/encoder"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/summarization"
	"github.com/zqkzzz/dialogue-summarization/transformer"
)

func optimizerConfig() params.Config {
	cfg := params.Default()
	cfg.LearningRate = 0.01
	cfg.WarmupSteps = 0
	cfg.MaxGradNorm = 0
	return cfg
}

func TestAdamFirstStepMovesBySign(t *testing.T) {
	p := mat.NewDense(1, 3, []float64{1, 1, 1})
	g := mat.NewDense(1, 3, []float64{0.5, -2, 0})
	m, v := zerosLike(p), zerosLike(p)

	AdamUpdateInPlace(p, g, m, v, 1, 0.1, 0.9, 0.98, 1e-8, 0)
	assert.InDelta(t, 0.9, p.At(0, 0), 1e-6)
	assert.InDelta(t, 1.1, p.At(0, 1), 1e-6)
	assert.Equal(t, 1.0, p.At(0, 2))
	assert.InDelta(t, 0.05, m.At(0, 0), 1e-12)
	assert.InDelta(t, 0.08, v.At(0, 1), 1e-12)

	assert.Panics(t, func() {
		AdamUpdateInPlace(p, mat.NewDense(2, 2, nil), m, v, 1, 0.1, 0.9, 0.98, 1e-8, 0)
	})
}

func TestLRSchedule(t *testing.T) {
	assert.Zero(t, LRSchedule(0, 10, 1))
	assert.InDelta(t, 0.5, LRSchedule(5, 10, 1), 1e-12)
	assert.Equal(t, 1.0, LRSchedule(10, 10, 1))
	assert.Equal(t, 1.0, LRSchedule(1000, 10, 1))
	assert.Equal(t, 2.0, LRSchedule(1, 0, 2))
}

func TestNewAdamBetas(t *testing.T) {
	cfg := optimizerConfig()
	cfg.Betas = [2]float64{0.8, 0.95}
	opt, err := NewAdam(transformer.ParamSet{}, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.8, opt.Beta1)
	assert.Equal(t, 0.95, opt.Beta2)

	cfg.Betas[1] = 1
	_, err = NewAdam(transformer.ParamSet{}, cfg, nil)
	assert.ErrorIs(t, err, params.ErrInvalidConfig)
}

func TestAdamSkipsFrozenAndMissingGradients(t *testing.T) {
	ps := transformer.ParamSet{}
	live := autograd.NewParam("live", mat.NewDense(1, 2, []float64{1, 1}))
	frozen := autograd.NewParam("frozen", mat.NewDense(1, 2, []float64{1, 1}))
	idle := autograd.NewParam("idle", mat.NewDense(1, 2, []float64{1, 1}))
	ps.Add("live", live)
	ps.Add("frozen", frozen)
	ps.Add("idle", idle)

	frozen.SetRequiresGrad(false)
	loss := autograd.Sum(autograd.Add(live, frozen))
	require.NoError(t, autograd.Backward(loss))

	opt, err := NewAdam(ps, optimizerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.True(t, opt.Step())
	assert.Equal(t, 1, opt.Steps())

	assert.Less(t, live.Value.At(0, 0), 1.0)
	assert.Equal(t, []float64{1, 1}, frozen.Value.RawMatrix().Data)
	assert.Equal(t, []float64{1, 1}, idle.Value.RawMatrix().Data)
	assert.Nil(t, live.Grad)

	assert.False(t, opt.Step(), "no gradients means no update")
	assert.Equal(t, 1, opt.Steps())
}

func TestAdamAccumulatesBeforeUpdating(t *testing.T) {
	w := autograd.NewParam("w", mat.NewDense(1, 1, []float64{0}))
	ps := transformer.ParamSet{"w": w}
	cfg := optimizerConfig()
	cfg.GradientAccumulationSteps = 2
	opt, err := NewAdam(ps, cfg, nil)
	require.NoError(t, err)

	require.NoError(t, autograd.Backward(autograd.Scale(w, 3)))
	assert.False(t, opt.Step())
	assert.Equal(t, 3.0, w.Grad.At(0, 0))

	require.NoError(t, autograd.Backward(autograd.Scale(w, 1)))
	assert.True(t, opt.Step())
	assert.InDelta(t, -0.01, w.Value.At(0, 0), 1e-6)
}

func TestAdamClipsAndWarmsUp(t *testing.T) {
	w := autograd.NewParam("w", mat.NewDense(1, 2, []float64{0, 0}))
	cfg := optimizerConfig()
	cfg.MaxGradNorm = 1
	cfg.WarmupSteps = 4
	opt, err := NewAdam(transformer.ParamSet{"w": w}, cfg, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, opt.LR(), 1e-12)

	require.NoError(t, autograd.Backward(autograd.Sum(autograd.Scale(w, 30))))
	assert.True(t, opt.Step())
	// Adam normalises the clipped gradient, so the first move is lr/4.
	assert.InDelta(t, -0.0025, w.Value.At(0, 0), 1e-6)
	assert.InDelta(t, 0.005, opt.LR(), 1e-12)
}

func TestTrainingReducesLoss(t *testing.T) {
	cfg := params.Default()
	cfg.PretrainedModelNameOrPath = "tiny"
	cfg.DimModel, cfg.NumHeads, cfg.DimFF, cfg.NumLayers = 8, 2, 16, 1
	cfg.MaxSrcNumLength, cfg.MaxUtterNumLength, cfg.MaxDecodeOutputLength = 8, 4, 8
	cfg.VocabSize = 20
	cfg.LearningRate = 0.01
	cfg.WarmupSteps = 0

	bert, err := encoder.NewBert(encoder.BertConfig{
		VocabSize: 20, Hidden: 8, Layers: 1, Heads: 2, Intermediate: 16, MaxPositions: 8,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	model, err := summarization.NewModel(cfg, bert, rand.New(rand.NewSource(2)), zaptest.NewLogger(t))
	require.NoError(t, err)
	model.Eval()

	batch, labels := summarization.RandomBatch(rand.New(rand.NewSource(3)), cfg, 2, 2, 4, 3)
	opt, err := NewAdam(model.Parameters(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	loss := func() *autograd.Node {
		out, err := model.Forward(batch)
		require.NoError(t, err)
		l, err := summarization.Loss(out, labels, batch.TargetMask, cfg)
		require.NoError(t, err)
		return l.Total
	}
	first := loss().At(0, 0)
	for i := 0; i < 30; i++ {
		require.NoError(t, autograd.Backward(loss()))
		require.True(t, opt.Step())
	}
	last := loss().At(0, 0)
	assert.False(t, math.IsNaN(last))
	assert.Less(t, last, first)
}
