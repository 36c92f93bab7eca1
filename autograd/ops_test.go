package autograd

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() * 0.5
	}
	return mat.NewDense(r, c, data)
}

// finiteDiffCheck compares the analytic gradient of every element of param
// against central differences of loss.
func finiteDiffCheck(t *testing.T, name string, param *Node, loss func() *Node) {
	t.Helper()
	param.ZeroGrad()
	require.NoError(t, Backward(loss()))
	require.NotNil(t, param.Grad, "%s: no gradient", name)

	eps := 1e-5
	r, c := param.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w0 := param.Value.At(i, j)
			param.Value.Set(i, j, w0+eps)
			lp := loss().At(0, 0)
			param.Value.Set(i, j, w0-eps)
			lm := loss().At(0, 0)
			param.Value.Set(i, j, w0)

			numGrad := (lp - lm) / (2.0 * eps)
			anaGrad := param.Grad.At(i, j)
			if math.Abs(numGrad-anaGrad) > 1e-5 {
				t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, numGrad, anaGrad)
			}
		}
	}
}

// project turns a matrix-valued builder into a scalar loss with fixed
// random weights. build is re-run on every call.
func project(rng *rand.Rand, build func() *Node) func() *Node {
	r, c := build().Dims()
	w := Constant(randDense(rng, r, c))
	return func() *Node { return Sum(Mul(build(), w)) }
}

func TestOpGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	cases := []struct {
		name  string
		build func(a, b *Node) *Node
		ar    int
		ac    int
		br    int
		bc    int
	}{
		{"MatMul", MatMul, 3, 4, 4, 2},
		{"Add", Add, 3, 2, 3, 2},
		{"Sub", Sub, 3, 2, 3, 2},
		{"Mul", Mul, 2, 3, 2, 3},
		{"Min", Min, 2, 3, 2, 3},
		{"AddRow", AddRow, 3, 4, 1, 4},
		{"MulCol", MulCol, 3, 4, 3, 1},
		{"ConcatCols", func(a, b *Node) *Node { return ConcatCols(a, b) }, 2, 3, 2, 1},
		{"ConcatRows", func(a, b *Node) *Node { return ConcatRows(a, b) }, 2, 3, 1, 3},
		{"LayerNormGain", func(a, b *Node) *Node {
			return LayerNorm(a, b, Constant(mat.NewDense(1, 4, nil)), 1e-5)
		}, 3, 4, 1, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewParam("a", randDense(rng, tc.ar, tc.ac))
			b := NewParam("b", randDense(rng, tc.br, tc.bc))
			loss := project(rng, func() *Node { return tc.build(a, b) })
			finiteDiffCheck(t, tc.name+".a", a, loss)
			finiteDiffCheck(t, tc.name+".b", b, loss)
		})
	}
}

func TestUnaryGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	mask := mat.NewDense(3, 4, nil)
	mask.Set(0, 3, -1e30)
	gain := Constant(randDense(rng, 1, 4))
	bias := Constant(randDense(rng, 1, 4))

	cases := map[string]func(a *Node) *Node{
		"GELU":       GELU,
		"Tanh":       Tanh,
		"Sigmoid":    Sigmoid,
		"OneMinus":   OneMinus,
		"Transpose":  Transpose,
		"SumRows":    SumRows,
		"SumCols":    SumCols,
		"Softmax":    func(a *Node) *Node { return Softmax(a, mask) },
		"Scale":      func(a *Node) *Node { return Scale(a, -1.7) },
		"SliceCols":  func(a *Node) *Node { return SliceCols(a, 1, 3) },
		"SliceRows":  func(a *Node) *Node { return SliceRows(a, 1, 2) },
		"Scatter":    func(a *Node) *Node { return ScatterCols(a, []int{4, 0, 4, 2}, 6) },
		"Pick":       func(a *Node) *Node { return Pick(a, []int{0, 3, 1}) },
		"Log":        func(a *Node) *Node { return Log(Sigmoid(a), 1e-12) },
		"LayerNormX": func(a *Node) *Node { return LayerNorm(a, gain, bias, 1e-5) },
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewParam("a", randDense(rng, 3, 4))
			finiteDiffCheck(t, name, a, project(rng, func() *Node { return op(a) }))
		})
	}
}

func TestRowsGradientScattersIntoTable(t *testing.T) {
	table := NewParam("emb", mat.NewDense(4, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8}))
	out := Rows(table, []int{2, 0, 2})
	assert.Equal(t, []float64{5, 6, 1, 2, 5, 6}, out.Value.RawMatrix().Data)

	require.NoError(t, Backward(Sum(out)))
	assert.Equal(t, []float64{1, 1, 0, 0, 2, 2, 0, 0}, table.Grad.RawMatrix().Data)
}

func TestFrozenLeafGetsNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := NewParam("a", randDense(rng, 2, 2))
	b := NewParam("b", randDense(rng, 2, 2))
	b.SetRequiresGrad(false)

	require.NoError(t, Backward(Sum(MatMul(a, b))))
	assert.NotZero(t, a.GradNorm())
	assert.Nil(t, b.Grad)

	a.SetRequiresGrad(false)
	a.ZeroGrad()
	err := Backward(Sum(MatMul(a, b)))
	assert.True(t, errors.Is(err, ErrNoGradient))
	assert.Zero(t, a.GradNorm())
}

func TestBackwardAccumulatesUntilZeroGrad(t *testing.T) {
	a := NewParam("a", mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, Backward(Sum(a)))
	require.NoError(t, Backward(Sum(a)))
	assert.Equal(t, []float64{2, 2}, a.Grad.RawMatrix().Data)
	a.ZeroGrad()
	assert.Zero(t, a.GradNorm())
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	a := NewParam("a", mat.NewDense(1, 2, nil))
	assert.Error(t, Backward(a))
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := NewParam("a", onesDense(50, 20))
	assert.Same(t, a, Dropout(a, 0, rng))

	d := Dropout(a, 0.5, rng)
	zeros := 0
	for _, v := range d.Value.RawMatrix().Data {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 2.0, v, 1e-12)
		}
	}
	assert.Greater(t, zeros, 300)
	assert.Less(t, zeros, 700)
}

func onesDense(r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	m.Apply(func(_, _ int, _ float64) float64 { return 1 }, m)
	return m
}
