package transformer

import (
	"math"
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
)

// residualScale damps each sublayer's contribution to the residual stream.
var residualScale = 1 / math.Sqrt(2)

// Residual returns x + sub/sqrt(2).
func Residual(x, sub *autograd.Node) *autograd.Node {
	return autograd.Add(x, autograd.Scale(sub, residualScale))
}

// EncoderLayer is a pre-norm self-attention + feed-forward block.
type EncoderLayer struct {
	Attn    *MultiHeadAttention
	FF      *FeedForward
	Ln1     *LayerNorm
	Ln2     *LayerNorm
	Dropout float64
}

func NewEncoderLayer(dModel, nHeads, dFF int, dropout, eps float64, rng *rand.Rand) (*EncoderLayer, error) {
	attn, err := NewMultiHeadAttention(dModel, nHeads, rng)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		Attn:    attn,
		FF:      NewFeedForward(dModel, dFF, dropout, rng),
		Ln1:     NewLayerNorm(dModel, eps),
		Ln2:     NewLayerNorm(dModel, eps),
		Dropout: dropout,
	}, nil
}

// Forward returns the layer output and its head-averaged attention.
func (l *EncoderLayer) Forward(ctx Context, x *autograd.Node, mask *mat.Dense) (*autograd.Node, *autograd.Node) {
	n1 := l.Ln1.Forward(x)
	a, w := l.Attn.Forward(n1, n1, n1, mask)
	x = Residual(x, ctx.Dropout(a, l.Dropout))
	f := l.FF.Forward(ctx, l.Ln2.Forward(x))
	return Residual(x, ctx.Dropout(f, l.Dropout)), w
}

func (l *EncoderLayer) Collect(prefix string, ps ParamSet) {
	l.Attn.Collect(join(prefix, "attn"), ps)
	l.FF.Collect(join(prefix, "ff"), ps)
	l.Ln1.Collect(join(prefix, "ln1"), ps)
	l.Ln2.Collect(join(prefix, "ln2"), ps)
}

// Encoder is a stack of EncoderLayers followed by a final LayerNorm.
type Encoder struct {
	Layers []*EncoderLayer
	Norm   *LayerNorm
}

func NewEncoder(nLayers, dModel, nHeads, dFF int, dropout, eps float64, rng *rand.Rand) (*Encoder, error) {
	enc := &Encoder{Layers: make([]*EncoderLayer, nLayers), Norm: NewLayerNorm(dModel, eps)}
	for i := range enc.Layers {
		l, err := NewEncoderLayer(dModel, nHeads, dFF, dropout, eps, rng)
		if err != nil {
			return nil, err
		}
		enc.Layers[i] = l
	}
	return enc, nil
}

// Forward encodes x (T x d). mask is additive (T x T) and may be nil.
func (e *Encoder) Forward(ctx Context, x *autograd.Node, mask *mat.Dense) *autograd.Node {
	out, _ := e.ForwardAttention(ctx, x, mask)
	return out
}

// ForwardAttention also returns the last layer's head-averaged attention.
func (e *Encoder) ForwardAttention(ctx Context, x *autograd.Node, mask *mat.Dense) (*autograd.Node, *autograd.Node) {
	var w *autograd.Node
	for _, l := range e.Layers {
		x, w = l.Forward(ctx, x, mask)
	}
	return e.Norm.Forward(x), w
}

func (e *Encoder) Collect(prefix string, ps ParamSet) {
	for i, l := range e.Layers {
		l.Collect(join(prefix, "layers."+strconv.Itoa(i)), ps)
	}
	e.Norm.Collect(join(prefix, "norm"), ps)
}
