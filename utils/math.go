package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NegInf is the additive mask value for positions that must get no
// attention weight. exp(NegInf - max) underflows to exactly zero.
const NegInf = -1e30

// Matrix functions used by the model. Activations are row-major:
// one row per position, one column per feature.

func RandomArray(size int, v float64, rng *rand.Rand) []float64 {
	min := -1.0 / math.Sqrt(v+1e-12)
	max := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := 0; i < size; i++ {
		out[i] = min + (max-min)*rng.Float64()
	}
	return out
}

// XavierArray draws rows*cols values from U(-a, a), a = sqrt(6/(rows+cols)).
func XavierArray(rows, cols int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6.0 / float64(rows+cols))
	out := make([]float64, rows*cols)
	for i := range out {
		out[i] = (rng.Float64()*2 - 1) * limit
	}
	return out
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// RowSums returns per-row sums for a mat.Dense.
func RowSums(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = floats.Sum(m.RawRowView(i))
	}
	return out
}

// HasNaN reports whether any element is NaN or ±Inf.
func HasNaN(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// Argmax returns the column index of the largest value in row i.
func Argmax(m *mat.Dense, i int) int {
	return floats.MaxIdx(m.RawRowView(i))
}

// -------- GELU activation (GPT-style) --------
// gelu(x) = 0.5 * x * (1 + tanh( sqrt(2/pi) * (x + 0.044715*x^3) ))

func Gelu(x float64) float64 {
	const k = 0.7978845608028654 // sqrt(2/pi)
	t := k * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

func GeluPrime(x float64) float64 {
	const k = 0.7978845608028654 // sqrt(2/pi)
	t := k * (x + 0.044715*x*x*x)
	th := math.Tanh(t)
	// sech^2(t) = 1 / cosh^2(t)
	cosh := math.Cosh(t)
	sech2 := 1.0 / (cosh * cosh)
	dt := k * (1.0 + 3.0*0.044715*x*x)
	return 0.5*(1.0+th) + 0.5*x*sech2*dt
}

// Masking stuff

// CausalMask returns (T x T) with 0 on and below diagonal, NegInf above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, NegInf)
		}
	}
	return out
}

// PaddingMask returns (rows x len(keep)) with NegInf in every column
// whose key is padding.
func PaddingMask(rows int, keep []bool) *mat.Dense {
	out := mat.NewDense(rows, len(keep), nil)
	for j, k := range keep {
		if k {
			continue
		}
		for i := 0; i < rows; i++ {
			out.Set(i, j, NegInf)
		}
	}
	return out
}

// CombineMasks adds additive masks, clamping at NegInf.
func CombineMasks(a, b *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Add(a, b)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			if row[j] < NegInf {
				row[j] = NegInf
			}
		}
	}
	return out
}

// StrictLowerOnes returns (T x T) with ones strictly below the diagonal.
// L·A gives, for each row t, the sum of rows 0..t-1 of A.
func StrictLowerOnes(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 1; i < T; i++ {
		for j := 0; j < i; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMasked returns softmax(m+mask) taken independently per row.
// mask may be nil.
func RowSoftmaxMasked(m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if mask != nil {
		if mr, mc := mask.Dims(); mr != r || mc != c {
			panic("RowSoftmaxMasked: mask shape mismatch")
		}
	}
	dst := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		src := m.RawRowView(i)
		row := dst.RawRowView(i)
		copy(row, src)
		if mask != nil {
			floats.Add(row, mask.RawRowView(i))
		}
		mx := floats.Max(row)
		sum := 0.0
		for j := range row {
			row[j] = math.Exp(row[j] - mx)
			sum += row[j]
		}
		floats.Scale(1.0/sum, row)
	}
	return dst
}

// Softmax backward for row-wise softmax used in attention.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}
