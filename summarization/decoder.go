package summarization

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// DecoderLayer: masked self-attention, attention over dialogue features,
// attention over token features, feed-forward. Each sublayer is pre-norm
// with a scaled residual.
type DecoderLayer struct {
	SelfAttn  *transformer.MultiHeadAttention
	UtterAttn *transformer.MultiHeadAttention
	TokenAttn *transformer.MultiHeadAttention
	FF        *transformer.FeedForward

	LnSelf  *transformer.LayerNorm
	LnUtter *transformer.LayerNorm
	LnToken *transformer.LayerNorm
	LnFF    *transformer.LayerNorm
	Dropout float64
}

func newDecoderLayer(cfg params.Config, rng *rand.Rand) (*DecoderLayer, error) {
	l := &DecoderLayer{
		FF:      transformer.NewFeedForward(cfg.DimModel, cfg.DimFF, cfg.Dropout, rng),
		LnSelf:  transformer.NewLayerNorm(cfg.DimModel, 1e-6),
		LnUtter: transformer.NewLayerNorm(cfg.DimModel, 1e-6),
		LnToken: transformer.NewLayerNorm(cfg.DimModel, 1e-6),
		LnFF:    transformer.NewLayerNorm(cfg.DimModel, 1e-6),
		Dropout: cfg.Dropout,
	}
	var err error
	for _, dst := range []**transformer.MultiHeadAttention{&l.SelfAttn, &l.UtterAttn, &l.TokenAttn} {
		if *dst, err = transformer.NewMultiHeadAttention(cfg.DimModel, cfg.NumHeads, rng); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// memory is one example's encoder output as seen by the decoder.
type memory struct {
	dialogue     *autograd.Node
	dialogueKeep []bool
	tokens       *autograd.Node
	tokenKeep    []bool
}

type selfAttention func(n *autograd.Node) (*autograd.Node, *autograd.Node)

func (l *DecoderLayer) forward(ctx transformer.Context, x *autograd.Node, self selfAttention, mem memory) (out, utterW, tokenW *autograd.Node) {
	T, _ := x.Dims()

	s, _ := self(l.LnSelf.Forward(x))
	x = transformer.Residual(x, ctx.Dropout(s, l.Dropout))

	n := l.LnUtter.Forward(x)
	u, utterW := l.UtterAttn.Forward(n, mem.dialogue, mem.dialogue, utils.PaddingMask(T, mem.dialogueKeep))
	x = transformer.Residual(x, ctx.Dropout(u, l.Dropout))

	n = l.LnToken.Forward(x)
	k, tokenW := l.TokenAttn.Forward(n, mem.tokens, mem.tokens, utils.PaddingMask(T, mem.tokenKeep))
	x = transformer.Residual(x, ctx.Dropout(k, l.Dropout))

	f := l.FF.Forward(ctx, l.LnFF.Forward(x))
	return transformer.Residual(x, ctx.Dropout(f, l.Dropout)), utterW, tokenW
}

func (l *DecoderLayer) Collect(prefix string, ps transformer.ParamSet) {
	l.SelfAttn.Collect(prefix+".self_attn", ps)
	l.UtterAttn.Collect(prefix+".utterance_attn", ps)
	l.TokenAttn.Collect(prefix+".token_attn", ps)
	l.FF.Collect(prefix+".ff", ps)
	l.LnSelf.Collect(prefix+".ln_self", ps)
	l.LnUtter.Collect(prefix+".ln_utterance", ps)
	l.LnToken.Collect(prefix+".ln_token", ps)
	l.LnFF.Collect(prefix+".ln_ff", ps)
}

// Decoder is the layer stack plus the generator and, with pointer
// generation, the copy gate.
type Decoder struct {
	Layers    []*DecoderLayer
	Norm      *transformer.LayerNorm
	Generator *transformer.Linear // d -> vocab
	Gate      *transformer.Linear // [h; ctx; emb] -> 1, nil without pointer-gen

	VocabSize  int
	PointerGen bool
	Coverage   bool
}

func NewDecoder(cfg params.Config, rng *rand.Rand) (*Decoder, error) {
	d := &Decoder{
		Layers:     make([]*DecoderLayer, cfg.NumLayers),
		Norm:       transformer.NewLayerNorm(cfg.DimModel, 1e-6),
		Generator:  transformer.NewLinear(cfg.DimModel, cfg.VocabSize, true, rng),
		VocabSize:  cfg.VocabSize,
		PointerGen: cfg.PointerGen,
		Coverage:   cfg.IsCoverage,
	}
	for i := range d.Layers {
		l, err := newDecoderLayer(cfg, rng)
		if err != nil {
			return nil, err
		}
		d.Layers[i] = l
	}
	if cfg.PointerGen {
		d.Gate = transformer.NewLinear(3*cfg.DimModel, 1, true, rng)
	}
	return d, nil
}

func (d *Decoder) Collect(prefix string, ps transformer.ParamSet) {
	for i, l := range d.Layers {
		l.Collect(fmt.Sprintf("%s.layers.%d", prefix, i), ps)
	}
	d.Norm.Collect(prefix+".norm", ps)
	d.Generator.Collect(prefix+".generator", ps)
	if d.Gate != nil {
		d.Gate.Collect(prefix+".gate", ps)
	}
}

// Width is the size of each output distribution for a source of
// sourceLen tokens.
func (d *Decoder) Width(sourceLen int) int {
	if d.PointerGen {
		return d.VocabSize + sourceLen
	}
	return d.VocabSize
}

// DecoderOutput holds per-example results; every slice is indexed by
// example and every node has one row per decoded position.
type DecoderOutput struct {
	Dist               []*autograd.Node // (T x Width)
	Hidden             []*autograd.Node // (T x d)
	Attention          []*autograd.Node // (T x S) final-layer token attention
	UtteranceAttention []*autograd.Node // (T x U)
	Gate               []*autograd.Node // (T x 1), nil without pointer-gen

	// Set only with coverage enabled.
	Coverage      []*autograd.Node // (T x S) accumulator before each step
	CoverageLoss  []*autograd.Node // (T x 1) sum_j min(a_tj, c_tj)
	FinalCoverage []*autograd.Node // (1 x S)
}

// Shape returns (examples, steps, width).
func (o *DecoderOutput) Shape() (int, int, int) {
	if len(o.Dist) == 0 {
		return 0, 0, 0
	}
	r, c := o.Dist[0].Dims()
	return len(o.Dist), r, c
}

func newOutput(n int, coverage bool) *DecoderOutput {
	o := &DecoderOutput{
		Dist:               make([]*autograd.Node, n),
		Hidden:             make([]*autograd.Node, n),
		Attention:          make([]*autograd.Node, n),
		UtteranceAttention: make([]*autograd.Node, n),
		Gate:               make([]*autograd.Node, n),
	}
	if coverage {
		o.Coverage = make([]*autograd.Node, n)
		o.CoverageLoss = make([]*autograd.Node, n)
		o.FinalCoverage = make([]*autograd.Node, n)
	}
	return o
}

func (d *Decoder) run(ctx transformer.Context, x *autograd.Node, self func(layer int) selfAttention, mem memory) (h, utterW, tokenW *autograd.Node) {
	for i, l := range d.Layers {
		x, utterW, tokenW = l.forward(ctx, x, self(i), mem)
	}
	return d.Norm.Forward(x), utterW, tokenW
}

// project turns decoder states into output distributions.
func (d *Decoder) project(emb, h, attn, tokens *autograd.Node, copyIDs []int) (dist, gate *autograd.Node) {
	pVocab := autograd.Softmax(d.Generator.Forward(h), nil)
	if !d.PointerGen {
		return pVocab, nil
	}
	T, _ := h.Dims()
	S := len(copyIDs)
	context := autograd.MatMul(attn, tokens)
	gate = autograd.Sigmoid(d.Gate.Forward(autograd.ConcatCols(h, context, emb)))
	generated := autograd.ConcatCols(autograd.MulCol(pVocab, gate), autograd.Zeros(T, S))
	copied := autograd.ScatterCols(autograd.MulCol(attn, autograd.OneMinus(gate)), copyIDs, d.VocabSize+S)
	return autograd.Add(generated, copied), gate
}

// DecodeSequence runs the teacher-forced pass over whole targets. emb[e]
// is (T x d); targetMask marks real positions; coverage0 is the starting
// accumulator per example (1 x S) and may be nil for zeros.
func (d *Decoder) DecodeSequence(ctx transformer.Context, emb []*autograd.Node, targetMask [][]bool, enc *Encoded, coverage0 []*mat.Dense) (*DecoderOutput, error) {
	B := enc.Examples()
	if len(emb) != B || len(targetMask) != B {
		return nil, fmt.Errorf("%w: %d embedded targets and %d masks for %d examples", ErrShapeMismatch, len(emb), len(targetMask), B)
	}
	if coverage0 != nil && len(coverage0) != B {
		return nil, fmt.Errorf("%w: %d coverage rows for %d examples", ErrShapeMismatch, len(coverage0), B)
	}
	S := enc.SourceLen()
	out := newOutput(B, d.Coverage)
	for e := 0; e < B; e++ {
		T, _ := emb[e].Dims()
		if len(targetMask[e]) != T {
			return nil, fmt.Errorf("%w: example %d has %d target rows and %d mask entries", ErrShapeMismatch, e, T, len(targetMask[e]))
		}
		mask := selfMask(targetMask[e])
		self := func(layer int) selfAttention {
			attn := d.Layers[layer].SelfAttn
			return func(n *autograd.Node) (*autograd.Node, *autograd.Node) {
				return attn.Forward(n, n, n, mask)
			}
		}
		mem := enc.memory(e)
		h, utterW, tokenW := d.run(ctx, emb[e], self, mem)
		out.Hidden[e], out.UtteranceAttention[e], out.Attention[e] = h, utterW, tokenW
		out.Dist[e], out.Gate[e] = d.project(emb[e], h, tokenW, mem.tokens, enc.CopyIDs[e])

		if d.Coverage {
			c0 := autograd.Zeros(1, S)
			if coverage0 != nil {
				if r, c := coverage0[e].Dims(); r != 1 || c != S {
					return nil, fmt.Errorf("%w: coverage for example %d is %dx%d, want 1x%d", ErrShapeMismatch, e, r, c, S)
				}
				c0 = autograd.Constant(coverage0[e])
			}
			// row t of L·A is the sum of attention rows 0..t-1
			cov := autograd.AddRow(autograd.MatMul(autograd.Constant(utils.StrictLowerOnes(T)), tokenW), c0)
			out.Coverage[e] = cov
			out.CoverageLoss[e] = autograd.SumCols(autograd.Min(tokenW, cov))
			out.FinalCoverage[e] = autograd.Add(c0, autograd.SumRows(tokenW))
		}
	}
	return out, nil
}

// selfMask is causal plus key padding. The diagonal is always open so a
// padded query row still has somewhere to attend.
func selfMask(keep []bool) *mat.Dense {
	T := len(keep)
	m := utils.CombineMasks(utils.CausalMask(T), utils.PaddingMask(T, keep))
	for i := 0; i < T; i++ {
		m.Set(i, i, 0)
	}
	return m
}

// StepState carries incremental decoding state: self-attention caches per
// example and layer, the coverage accumulator, and the next position.
type StepState struct {
	Caches   [][]transformer.KVCache
	Coverage []*autograd.Node // (1 x S)
	Pos      int
}

func (d *Decoder) NewStepState(enc *Encoded) *StepState {
	B, S := enc.Examples(), enc.SourceLen()
	st := &StepState{
		Caches:   make([][]transformer.KVCache, B),
		Coverage: make([]*autograd.Node, B),
	}
	for e := range st.Caches {
		st.Caches[e] = make([]transformer.KVCache, len(d.Layers))
		st.Coverage[e] = autograd.Zeros(1, S)
	}
	return st
}

// DecodeStep decodes one position per example. emb[e] is (1 x d) for
// position st.Pos. In eval mode the result equals row st.Pos of
// DecodeSequence over the same prefix.
func (d *Decoder) DecodeStep(ctx transformer.Context, emb []*autograd.Node, enc *Encoded, st *StepState) (*DecoderOutput, error) {
	B := enc.Examples()
	if len(emb) != B || len(st.Caches) != B {
		return nil, fmt.Errorf("%w: %d embedded ids and %d caches for %d examples", ErrShapeMismatch, len(emb), len(st.Caches), B)
	}
	out := newOutput(B, d.Coverage)
	for e := 0; e < B; e++ {
		if r, _ := emb[e].Dims(); r != 1 {
			return nil, fmt.Errorf("%w: step input for example %d has %d rows", ErrShapeMismatch, e, r)
		}
		caches := st.Caches[e]
		self := func(layer int) selfAttention {
			attn := d.Layers[layer].SelfAttn
			return func(n *autograd.Node) (*autograd.Node, *autograd.Node) {
				return attn.ForwardCached(n, &caches[layer])
			}
		}
		mem := enc.memory(e)
		h, utterW, tokenW := d.run(ctx, emb[e], self, mem)
		out.Hidden[e], out.UtteranceAttention[e], out.Attention[e] = h, utterW, tokenW
		out.Dist[e], out.Gate[e] = d.project(emb[e], h, tokenW, mem.tokens, enc.CopyIDs[e])

		if d.Coverage {
			cov := st.Coverage[e]
			out.Coverage[e] = cov
			out.CoverageLoss[e] = autograd.SumCols(autograd.Min(tokenW, cov))
			st.Coverage[e] = autograd.Add(cov, tokenW)
			out.FinalCoverage[e] = st.Coverage[e]
		}
	}
	st.Pos++
	return out, nil
}
