package summarization

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/params"
)

// Losses are (1 x 1) nodes. Total is what training backpropagates.
type Losses struct {
	Total    *autograd.Node
	NLL      *autograd.Node
	Coverage *autograd.Node // nil unless coverage is enabled
}

// Loss is the mean negative log-likelihood of labels over real target
// positions, plus cov_loss_wt times the mean coverage loss when coverage
// is on. labels may use extended ids when the output is extended.
func Loss(out *DecoderOutput, labels [][]int, mask [][]bool, cfg params.Config) (*Losses, error) {
	B, T, W := out.Shape()
	if len(labels) != B || len(mask) != B {
		return nil, fmt.Errorf("%w: %d label rows and %d mask rows for %d examples", ErrShapeMismatch, len(labels), len(mask), B)
	}

	var nll, cov *autograd.Node
	n := 0
	for e := 0; e < B; e++ {
		if len(labels[e]) != T || len(mask[e]) != T {
			return nil, fmt.Errorf("%w: example %d has %d labels and %d mask entries, want %d", ErrShapeMismatch, e, len(labels[e]), len(mask[e]), T)
		}
		keep := mat.NewDense(T, 1, nil)
		for t, id := range labels[e] {
			if id < 0 || id >= W {
				return nil, fmt.Errorf("%w: label %d at example %d position %d outside [0, %d)", ErrShapeMismatch, id, e, t, W)
			}
			if mask[e][t] {
				keep.Set(t, 0, 1)
				n++
			}
		}
		k := autograd.Constant(keep)
		logp := autograd.Log(autograd.Pick(out.Dist[e], labels[e]), cfg.Eps)
		nll = sum(nll, autograd.Sum(autograd.Mul(logp, k)))
		if cfg.IsCoverage && out.CoverageLoss != nil {
			cov = sum(cov, autograd.Sum(autograd.Mul(out.CoverageLoss[e], k)))
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no real target positions", ErrShapeMismatch)
	}

	l := &Losses{NLL: autograd.Scale(nll, -1/float64(n))}
	l.Total = l.NLL
	if cov != nil {
		l.Coverage = autograd.Scale(cov, 1/float64(n))
		l.Total = autograd.Add(l.NLL, autograd.Scale(l.Coverage, cfg.CovLossWt))
	}
	return l, nil
}

func sum(acc, x *autograd.Node) *autograd.Node {
	if acc == nil {
		return x
	}
	return autograd.Add(acc, x)
}
