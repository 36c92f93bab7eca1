package autograd

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/utils"
)

// MatMul returns a·b.
func MatMul(a, b *Node) *Node {
	var v mat.Dense
	v.Mul(a.Value, b.Value)
	return newOp(&v, func(g *mat.Dense) {
		if a.requiresGrad {
			var da mat.Dense
			da.Mul(g, b.Value.T())
			a.accumulate(&da)
		}
		if b.requiresGrad {
			var db mat.Dense
			db.Mul(a.Value.T(), g)
			b.accumulate(&db)
		}
	}, a, b)
}

func Add(a, b *Node) *Node {
	var v mat.Dense
	v.Add(a.Value, b.Value)
	return newOp(&v, func(g *mat.Dense) {
		a.accumulate(g)
		b.accumulate(g)
	}, a, b)
}

func Sub(a, b *Node) *Node {
	var v mat.Dense
	v.Sub(a.Value, b.Value)
	return newOp(&v, func(g *mat.Dense) {
		a.accumulate(g)
		if b.requiresGrad {
			var db mat.Dense
			db.Scale(-1, g)
			b.accumulate(&db)
		}
	}, a, b)
}

// AddRow adds the (1 x c) row to every row of a.
func AddRow(a, row *Node) *Node {
	r, c := a.Dims()
	if rr, rc := row.Dims(); rr != 1 || rc != c {
		panic(fmt.Sprintf("autograd: AddRow wants (1 x %d), got (%d x %d)", c, rr, rc))
	}
	v := mat.NewDense(r, c, nil)
	bias := row.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.AddTo(v.RawRowView(i), a.Value.RawRowView(i), bias)
	}
	return newOp(v, func(g *mat.Dense) {
		a.accumulate(g)
		if row.requiresGrad {
			row.accumulate(sumRows(g))
		}
	}, a, row)
}

func Scale(a *Node, s float64) *Node {
	var v mat.Dense
	v.Scale(s, a.Value)
	return newOp(&v, func(g *mat.Dense) {
		var da mat.Dense
		da.Scale(s, g)
		a.accumulate(&da)
	}, a)
}

// Mul is the elementwise product.
func Mul(a, b *Node) *Node {
	var v mat.Dense
	v.MulElem(a.Value, b.Value)
	return newOp(&v, func(g *mat.Dense) {
		if a.requiresGrad {
			var da mat.Dense
			da.MulElem(g, b.Value)
			a.accumulate(&da)
		}
		if b.requiresGrad {
			var db mat.Dense
			db.MulElem(g, a.Value)
			b.accumulate(&db)
		}
	}, a, b)
}

// MulCol scales row i of a by col[i]; col is (r x 1).
func MulCol(a, col *Node) *Node {
	r, c := a.Dims()
	if cr, cc := col.Dims(); cr != r || cc != 1 {
		panic(fmt.Sprintf("autograd: MulCol wants (%d x 1), got (%d x %d)", r, cr, cc))
	}
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		floats.ScaleTo(v.RawRowView(i), col.Value.At(i, 0), a.Value.RawRowView(i))
	}
	return newOp(v, func(g *mat.Dense) {
		if a.requiresGrad {
			da := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				floats.ScaleTo(da.RawRowView(i), col.Value.At(i, 0), g.RawRowView(i))
			}
			a.accumulate(da)
		}
		if col.requiresGrad {
			dc := mat.NewDense(r, 1, nil)
			for i := 0; i < r; i++ {
				dc.Set(i, 0, floats.Dot(g.RawRowView(i), a.Value.RawRowView(i)))
			}
			col.accumulate(dc)
		}
	}, a, col)
}

// OneMinus returns 1 - a.
func OneMinus(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return 1 - x }, a.Value)
	return newOp(v, func(g *mat.Dense) {
		var da mat.Dense
		da.Scale(-1, g)
		a.accumulate(&da)
	}, a)
}

// unary applies f elementwise; df receives the input and output value.
func unary(a *Node, f func(x float64) float64, df func(x, y float64) float64) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return f(x) }, a.Value)
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		da.Apply(func(i, j int, gij float64) float64 {
			return gij * df(a.Value.At(i, j), v.At(i, j))
		}, g)
		a.accumulate(da)
	}, a)
}

func GELU(a *Node) *Node {
	return unary(a, utils.Gelu, func(x, _ float64) float64 { return utils.GeluPrime(x) })
}

func Tanh(a *Node) *Node {
	return unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

func Sigmoid(a *Node) *Node {
	return unary(a,
		func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		func(_, y float64) float64 { return y * (1 - y) })
}

// Log returns log(a + eps).
func Log(a *Node, eps float64) *Node {
	return unary(a,
		func(x float64) float64 { return math.Log(x + eps) },
		func(x, _ float64) float64 { return 1 / (x + eps) })
}

// Softmax normalises each row of a+mask. mask is additive and may be nil.
func Softmax(a *Node, mask *mat.Dense) *Node {
	v := utils.RowSoftmaxMasked(a.Value, mask)
	return newOp(v, func(g *mat.Dense) {
		a.accumulate(utils.SoftmaxBackward(g, v))
	}, a)
}

// Min is the elementwise minimum; ties send the gradient to a.
func Min(a, b *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(i, j int, x float64) float64 { return math.Min(x, b.Value.At(i, j)) }, a.Value)
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		db := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if a.Value.At(i, j) <= b.Value.At(i, j) {
					da.Set(i, j, g.At(i, j))
				} else {
					db.Set(i, j, g.At(i, j))
				}
			}
		}
		a.accumulate(da)
		b.accumulate(db)
	}, a, b)
}

func Transpose(a *Node) *Node {
	v := mat.DenseCopyOf(a.Value.T())
	return newOp(v, func(g *mat.Dense) {
		a.accumulate(g.T())
	}, a)
}

// Sum reduces a to (1 x 1).
func Sum(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(1, 1, []float64{mat.Sum(a.Value)})
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		s := g.At(0, 0)
		da.Apply(func(_, _ int, _ float64) float64 { return s }, da)
		a.accumulate(da)
	}, a)
}

// SumRows reduces a (r x c) to the (1 x c) sum of its rows.
func SumRows(a *Node) *Node {
	r, c := a.Dims()
	return newOp(sumRows(a.Value), func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			copy(da.RawRowView(i), g.RawRowView(0))
		}
		a.accumulate(da)
	}, a)
}

// SumCols reduces a (r x c) to the (r x 1) sum of its columns.
func SumCols(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, 1, utils.RowSums(a.Value))
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			row := da.RawRowView(i)
			for j := range row {
				row[j] = g.At(i, 0)
			}
		}
		a.accumulate(da)
	}, a)
}

func sumRows(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	acc := out.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(acc, m.RawRowView(i))
	}
	return out
}

// Rows gathers rows of table by index (embedding lookup).
func Rows(table *Node, ids []int) *Node {
	_, c := table.Dims()
	v := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		copy(v.RawRowView(i), table.Value.RawRowView(id))
	}
	return newOp(v, func(g *mat.Dense) {
		r, _ := table.Dims()
		dt := mat.NewDense(r, c, nil)
		for i, id := range ids {
			floats.Add(dt.RawRowView(id), g.RawRowView(i))
		}
		table.accumulate(dt)
	}, table)
}

// ConcatCols places its inputs side by side. All must share a row count.
func ConcatCols(ns ...*Node) *Node {
	r, _ := ns[0].Dims()
	total := 0
	for _, n := range ns {
		nr, nc := n.Dims()
		if nr != r {
			panic(fmt.Sprintf("autograd: ConcatCols row mismatch %d vs %d", nr, r))
		}
		total += nc
	}
	v := mat.NewDense(r, total, nil)
	off := 0
	for _, n := range ns {
		_, nc := n.Dims()
		v.Slice(0, r, off, off+nc).(*mat.Dense).Copy(n.Value)
		off += nc
	}
	return newOp(v, func(g *mat.Dense) {
		off := 0
		for _, n := range ns {
			_, nc := n.Dims()
			if n.requiresGrad {
				n.accumulate(g.Slice(0, r, off, off+nc))
			}
			off += nc
		}
	}, ns...)
}

// ConcatRows stacks its inputs vertically. All must share a column count.
func ConcatRows(ns ...*Node) *Node {
	_, c := ns[0].Dims()
	total := 0
	for _, n := range ns {
		nr, nc := n.Dims()
		if nc != c {
			panic(fmt.Sprintf("autograd: ConcatRows column mismatch %d vs %d", nc, c))
		}
		total += nr
	}
	v := mat.NewDense(total, c, nil)
	off := 0
	for _, n := range ns {
		nr, _ := n.Dims()
		v.Slice(off, off+nr, 0, c).(*mat.Dense).Copy(n.Value)
		off += nr
	}
	return newOp(v, func(g *mat.Dense) {
		off := 0
		for _, n := range ns {
			nr, _ := n.Dims()
			if n.requiresGrad {
				n.accumulate(g.Slice(off, off+nr, 0, c))
			}
			off += nr
		}
	}, ns...)
}

// SliceCols returns columns [from, to).
func SliceCols(a *Node, from, to int) *Node {
	r, c := a.Dims()
	v := mat.DenseCopyOf(a.Value.Slice(0, r, from, to))
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		da.Slice(0, r, from, to).(*mat.Dense).Copy(g)
		a.accumulate(da)
	}, a)
}

// SliceRows returns rows [from, to).
func SliceRows(a *Node, from, to int) *Node {
	r, c := a.Dims()
	v := mat.DenseCopyOf(a.Value.Slice(from, to, 0, c))
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		da.Slice(from, to, 0, c).(*mat.Dense).Copy(g)
		a.accumulate(da)
	}, a)
}

// ScatterCols adds column j of a into column index[j] of a (r x width)
// result. Repeated indices sum.
func ScatterCols(a *Node, index []int, width int) *Node {
	r, c := a.Dims()
	if len(index) != c {
		panic(fmt.Sprintf("autograd: ScatterCols has %d indices for %d columns", len(index), c))
	}
	v := mat.NewDense(r, width, nil)
	for i := 0; i < r; i++ {
		src, dst := a.Value.RawRowView(i), v.RawRowView(i)
		for j, k := range index {
			dst[k] += src[j]
		}
	}
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			src, dst := g.RawRowView(i), da.RawRowView(i)
			for j, k := range index {
				dst[j] = src[k]
			}
		}
		a.accumulate(da)
	}, a)
}

// Pick returns the (r x 1) column of a[i][idx[i]].
func Pick(a *Node, idx []int) *Node {
	r, c := a.Dims()
	if len(idx) != r {
		panic(fmt.Sprintf("autograd: Pick has %d indices for %d rows", len(idx), r))
	}
	v := mat.NewDense(r, 1, nil)
	for i, k := range idx {
		v.Set(i, 0, a.Value.At(i, k))
	}
	return newOp(v, func(g *mat.Dense) {
		da := mat.NewDense(r, c, nil)
		for i, k := range idx {
			da.Set(i, k, g.At(i, 0))
		}
		a.accumulate(da)
	}, a)
}

// LayerNorm normalises each row of x and applies the (1 x d) gain and bias.
func LayerNorm(x, gamma, beta *Node, eps float64) *Node {
	T, d := x.Dims()
	out := mat.NewDense(T, d, nil)
	xhat := mat.NewDense(T, d, nil)
	inv := make([]float64, T)
	gm, bt := gamma.Value.RawRowView(0), beta.Value.RawRowView(0)
	for t := 0; t < T; t++ {
		row := x.Value.RawRowView(t)
		mu := floats.Sum(row) / float64(d)
		var v float64
		for _, xi := range row {
			diff := xi - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+eps)
		inv[t] = istd
		xh, o := xhat.RawRowView(t), out.RawRowView(t)
		for i, xi := range row {
			xh[i] = (xi - mu) * istd
			o[i] = gm[i]*xh[i] + bt[i]
		}
	}
	return newOp(out, func(g *mat.Dense) {
		if gamma.requiresGrad || beta.requiresGrad {
			dGamma := mat.NewDense(1, d, nil)
			dg := dGamma.RawRowView(0)
			for t := 0; t < T; t++ {
				gr, xh := g.RawRowView(t), xhat.RawRowView(t)
				for i := range dg {
					dg[i] += gr[i] * xh[i]
				}
			}
			gamma.accumulate(dGamma)
			beta.accumulate(sumRows(g))
		}
		if !x.requiresGrad {
			return
		}
		dX := mat.NewDense(T, d, nil)
		for t := 0; t < T; t++ {
			gr, xh, dx := g.RawRowView(t), xhat.RawRowView(t), dX.RawRowView(t)
			sum1, sum2 := 0.0, 0.0
			for i := range gr {
				gy := gr[i] * gm[i]
				sum1 += gy
				sum2 += gy * xh[i]
			}
			for i := range gr {
				gy := gr[i] * gm[i]
				dx[i] = (float64(d)*gy - sum1 - xh[i]*sum2) * (inv[t] / float64(d))
			}
		}
		x.accumulate(dX)
	}, x, gamma, beta)
}

// Dropout zeroes each element with probability p and rescales the rest by
// 1/(1-p). p == 0 returns a unchanged.
func Dropout(a *Node, p float64, rng *rand.Rand) *Node {
	if p <= 0 {
		return a
	}
	r, c := a.Dims()
	keep := mat.NewDense(r, c, nil)
	scale := 1 / (1 - p)
	keep.Apply(func(_, _ int, _ float64) float64 {
		if rng.Float64() < p {
			return 0
		}
		return scale
	}, keep)
	var v mat.Dense
	v.MulElem(a.Value, keep)
	return newOp(&v, func(g *mat.Dense) {
		var da mat.Dense
		da.MulElem(g, keep)
		a.accumulate(&da)
	}, a)
}
