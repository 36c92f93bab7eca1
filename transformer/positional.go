package transformer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
)

// PositionalEncoding is the fixed sinusoidal table
// PE[p, 2i] = sin(p / 10000^(2i/d)), PE[p, 2i+1] = cos(...).
type PositionalEncoding struct {
	Table   *mat.Dense // (maxLen x d)
	Dropout float64
}

func NewPositionalEncoding(maxLen, d int, dropout float64) *PositionalEncoding {
	pe := mat.NewDense(maxLen, d, nil)
	for p := 0; p < maxLen; p++ {
		row := pe.RawRowView(p)
		for i := 0; i < d; i += 2 {
			div := math.Exp(-float64(i) * math.Log(10000.0) / float64(d))
			row[i] = math.Sin(float64(p) * div)
			if i+1 < d {
				row[i+1] = math.Cos(float64(p) * div)
			}
		}
	}
	return &PositionalEncoding{Table: pe, Dropout: dropout}
}

func (pe *PositionalEncoding) MaxLen() int {
	r, _ := pe.Table.Dims()
	return r
}

func (pe *PositionalEncoding) rows(offset, T int) (*autograd.Node, error) {
	if offset < 0 || offset+T > pe.MaxLen() {
		return nil, fmt.Errorf("%w: positions [%d, %d) exceed %d", ErrSequenceTooLong, offset, offset+T, pe.MaxLen())
	}
	_, d := pe.Table.Dims()
	return autograd.Constant(mat.DenseCopyOf(pe.Table.Slice(offset, offset+T, 0, d))), nil
}

// Forward scales x by sqrt(d), adds the encodings for positions
// offset..offset+T-1 and applies dropout.
func (pe *PositionalEncoding) Forward(ctx Context, x *autograd.Node, offset int) (*autograd.Node, error) {
	T, d := x.Dims()
	enc, err := pe.rows(offset, T)
	if err != nil {
		return nil, err
	}
	y := autograd.Add(autograd.Scale(x, math.Sqrt(float64(d))), enc)
	return ctx.Dropout(y, pe.Dropout), nil
}

// Add adds the encodings without scaling or dropout.
func (pe *PositionalEncoding) Add(x *autograd.Node, offset int) (*autograd.Node, error) {
	T, _ := x.Dims()
	enc, err := pe.rows(offset, T)
	if err != nil {
		return nil, err
	}
	return autograd.Add(x, enc), nil
}
