package transformer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// ErrSequenceTooLong is returned when an input exceeds a fixed table size
// (positions, utterances, tokens).
var ErrSequenceTooLong = errors.New("sequence too long")

// MultiHeadAttention is scaled dot-product attention over H heads. Rows
// of query attend over rows of key/value.
type MultiHeadAttention struct {
	H      int
	DModel int
	DHead  int

	Query  *Linear
	Key    *Linear
	Value  *Linear
	Output *Linear

	// Parallel builds the per-head subgraphs concurrently.
	Parallel bool
}

func NewMultiHeadAttention(dModel, nHeads int, rng *rand.Rand) (*MultiHeadAttention, error) {
	if nHeads <= 0 || dModel%nHeads != 0 {
		return nil, fmt.Errorf("attention: dModel %d must be divisible by nHeads %d", dModel, nHeads)
	}
	return &MultiHeadAttention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dModel / nHeads,
		Query:  NewLinear(dModel, dModel, true, rng),
		Key:    NewLinear(dModel, dModel, true, rng),
		Value:  NewLinear(dModel, dModel, true, rng),
		Output: NewLinear(dModel, dModel, true, rng),
	}, nil
}

// Forward returns the attended output (Tq x d) and the attention weights
// averaged over heads (Tq x Tk). mask is additive (Tq x Tk) and may be nil.
func (attn *MultiHeadAttention) Forward(query, key, value *autograd.Node, mask *mat.Dense) (*autograd.Node, *autograd.Node) {
	q := attn.Query.Forward(query)
	k := attn.Key.Forward(key)
	v := attn.Value.Forward(value)
	return attn.attend(q, k, v, mask)
}

func (attn *MultiHeadAttention) attend(q, k, v *autograd.Node, mask *mat.Dense) (*autograd.Node, *autograd.Node) {
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	outs := make([]*autograd.Node, attn.H)
	weights := make([]*autograd.Node, attn.H)

	work := func(h int) {
		lo, hi := h*attn.DHead, (h+1)*attn.DHead
		qh := autograd.SliceCols(q, lo, hi)
		kh := autograd.SliceCols(k, lo, hi)
		vh := autograd.SliceCols(v, lo, hi)
		// S = Q K^T / sqrt(dHead)
		scores := autograd.Scale(autograd.MatMul(qh, autograd.Transpose(kh)), rescale)
		a := autograd.Softmax(scores, mask)
		weights[h] = a
		outs[h] = autograd.MatMul(a, vh)
	}
	if attn.Parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func(h int) { defer wg.Done(); work(h) }(h)
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}

	avg := weights[0]
	for h := 1; h < attn.H; h++ {
		avg = autograd.Add(avg, weights[h])
	}
	if attn.H > 1 {
		avg = autograd.Scale(avg, 1/float64(attn.H))
	}
	return attn.Output.Forward(autograd.ConcatCols(outs...)), avg
}

// KVCache holds the projected keys and values of every position seen so
// far during incremental self-attention.
type KVCache struct {
	K, V *autograd.Node
}

// Len is the number of cached positions.
func (c *KVCache) Len() int {
	if c.K == nil {
		return 0
	}
	r, _ := c.K.Dims()
	return r
}

// ForwardCached runs causal self-attention for the rows of x, which sit
// right after the cached positions, and appends them to the cache.
func (attn *MultiHeadAttention) ForwardCached(x *autograd.Node, cache *KVCache) (*autograd.Node, *autograd.Node) {
	past := cache.Len()
	k := attn.Key.Forward(x)
	v := attn.Value.Forward(x)
	if past > 0 {
		k = autograd.ConcatRows(cache.K, k)
		v = autograd.ConcatRows(cache.V, v)
	}
	cache.K, cache.V = k, v

	T, _ := x.Dims()
	mask := mat.NewDense(T, past+T, nil)
	for i := 0; i < T; i++ {
		for j := past + i + 1; j < past+T; j++ {
			mask.Set(i, j, utils.NegInf)
		}
	}
	return attn.attend(attn.Query.Forward(x), k, v, mask)
}

func (attn *MultiHeadAttention) Collect(prefix string, ps ParamSet) {
	attn.Query.Collect(join(prefix, "query"), ps)
	attn.Key.Collect(join(prefix, "key"), ps)
	attn.Value.Collect(join(prefix, "value"), ps)
	attn.Output.Collect(join(prefix, "output"), ps)
}

// FeedForward is Linear -> GELU -> dropout -> Linear.
type FeedForward struct {
	In      *Linear
	Out     *Linear
	Dropout float64
}

func NewFeedForward(dModel, hidden int, dropout float64, rng *rand.Rand) *FeedForward {
	return &FeedForward{
		In:      NewLinear(dModel, hidden, true, rng),
		Out:     NewLinear(hidden, dModel, true, rng),
		Dropout: dropout,
	}
}

func (ff *FeedForward) Forward(ctx Context, x *autograd.Node) *autograd.Node {
	h := autograd.GELU(ff.In.Forward(x))
	return ff.Out.Forward(ctx.Dropout(h, ff.Dropout))
}

func (ff *FeedForward) Collect(prefix string, ps ParamSet) {
	ff.In.Collect(join(prefix, "in"), ps)
	ff.Out.Collect(join(prefix, "out"), ps)
}
