package transformer

import (
	"fmt"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// Context carries per-forward state: whether dropout is active and the
// rng that drives it. A nil Rng with Train set panics on first dropout.
type Context struct {
	Train bool
	Rng   *rand.Rand
}

// Eval is an inference context.
func Eval() Context { return Context{} }

// Dropout applies inverted dropout in training and is the identity
// otherwise.
func (c Context) Dropout(x *autograd.Node, p float64) *autograd.Node {
	if !c.Train || p <= 0 {
		return x
	}
	return autograd.Dropout(x, p, c.Rng)
}

// ParamSet maps a dotted path to a trainable leaf.
type ParamSet map[string]*autograd.Node

// Module is anything that owns parameters.
type Module interface {
	Collect(prefix string, ps ParamSet)
}

// Parameters gathers every parameter of m under prefix.
func Parameters(prefix string, m Module) ParamSet {
	ps := ParamSet{}
	m.Collect(prefix, ps)
	return ps
}

func (ps ParamSet) Add(name string, n *autograd.Node) {
	ps[name] = n
}

// Names is sorted so iteration order is stable across runs.
func (ps ParamSet) Names() []string {
	names := make([]string, 0, len(ps))
	for k := range ps {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// List returns each distinct node once, in name order. Tied weights
// registered under two names appear once.
func (ps ParamSet) List() []*autograd.Node {
	seen := make(map[*autograd.Node]bool, len(ps))
	out := make([]*autograd.Node, 0, len(ps))
	for _, k := range ps.Names() {
		n := ps[k]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func (ps ParamSet) SetRequiresGrad(on bool) {
	for _, n := range ps {
		n.SetRequiresGrad(on)
	}
}

func (ps ParamSet) ZeroGrad() {
	for _, n := range ps {
		n.ZeroGrad()
	}
}

// Count is the number of scalar weights.
func (ps ParamSet) Count() int {
	total := 0
	for _, n := range ps.List() {
		r, c := n.Dims()
		total += r * c
	}
	return total
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear computes x·W + b with W (in x out) and b (1 x out).
type Linear struct {
	W *autograd.Node
	B *autograd.Node
}

func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{W: autograd.NewParam("weight", mat.NewDense(in, out, utils.XavierArray(in, out, rng)))}
	if bias {
		l.B = autograd.NewParam("bias", mat.NewDense(1, out, nil))
	}
	return l
}

func (l *Linear) Forward(x *autograd.Node) *autograd.Node {
	y := autograd.MatMul(x, l.W)
	if l.B != nil {
		y = autograd.AddRow(y, l.B)
	}
	return y
}

func (l *Linear) Collect(prefix string, ps ParamSet) {
	ps.Add(join(prefix, "weight"), l.W)
	if l.B != nil {
		ps.Add(join(prefix, "bias"), l.B)
	}
}

// Embedding is a (vocab x dim) lookup table.
type Embedding struct {
	Table *autograd.Node
}

func NewEmbedding(vocab, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{Table: autograd.NewParam("embedding", mat.NewDense(vocab, dim, utils.RandomArray(vocab*dim, float64(dim), rng)))}
}

func (e *Embedding) Vocab() int {
	r, _ := e.Table.Dims()
	return r
}

func (e *Embedding) Dim() int {
	_, c := e.Table.Dims()
	return c
}

// Lookup returns one row per id.
func (e *Embedding) Lookup(ids []int) (*autograd.Node, error) {
	v := e.Vocab()
	for _, id := range ids {
		if id < 0 || id >= v {
			return nil, fmt.Errorf("embedding: id %d out of range [0, %d)", id, v)
		}
	}
	return autograd.Rows(e.Table, ids), nil
}

func (e *Embedding) Collect(prefix string, ps ParamSet) {
	ps.Add(join(prefix, "weight"), e.Table)
}

// LayerNorm normalises each row with a learned gain and bias.
type LayerNorm struct {
	Gamma *autograd.Node
	Beta  *autograd.Node
	Eps   float64
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	return &LayerNorm{
		Gamma: autograd.NewParam("gamma", utils.OnesLike(mat.NewDense(1, d, nil))),
		Beta:  autograd.NewParam("beta", mat.NewDense(1, d, nil)),
		Eps:   eps,
	}
}

func (ln *LayerNorm) Forward(x *autograd.Node) *autograd.Node {
	return autograd.LayerNorm(x, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNorm) Collect(prefix string, ps ParamSet) {
	ps.Add(join(prefix, "gamma"), ln.Gamma)
	ps.Add(join(prefix, "beta"), ln.Beta)
}
