package optimizations

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// AdamUpdateInPlace applies one AdamW step to p.
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("AdamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("AdamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("AdamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			update := (mij*c1)/(math.Sqrt(vij*c2)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// LRSchedule ramps linearly to peak over warmup steps and then holds.
func LRSchedule(step, warmup int, peak float64) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	return peak
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

type moments struct {
	m, v *mat.Dense
}

// Adam keeps first and second moments per named parameter. Gradients are
// summed over GradientAccumulationSteps calls to Step before one update
// is applied. Frozen parameters and parameters without a gradient are
// left alone.
type Adam struct {
	params transformer.ParamSet
	state  map[string]*moments

	LearningRate float64
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	MaxGradNorm  float64
	Warmup       int
	Accumulate   int

	calls  int
	t      int
	logger *zap.Logger
}

func NewAdam(ps transformer.ParamSet, cfg params.Config, logger *zap.Logger) (*Adam, error) {
	for _, b := range cfg.Betas {
		if b < 0 || b >= 1 {
			return nil, fmt.Errorf("%w: betas must be in [0, 1), got %v", params.ErrInvalidConfig, cfg.Betas)
		}
	}
	return &Adam{
		params:       ps,
		state:        make(map[string]*moments),
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.Betas[0],
		Beta2:        cfg.Betas[1],
		Eps:          cfg.AdamEpsilon,
		WeightDecay:  cfg.WeightDecay,
		MaxGradNorm:  cfg.MaxGradNorm,
		Warmup:       cfg.WarmupSteps,
		Accumulate:   max(1, cfg.GradientAccumulationSteps),
		logger:       utils.OrNop(logger),
	}, nil
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// LR is the learning rate the next update will use.
func (a *Adam) LR() float64 { return LRSchedule(a.t+1, a.Warmup, a.LearningRate) }

// Step is called once per backward pass. It reports whether an update was
// applied; gradients are cleared only when one was.
func (a *Adam) Step() bool {
	a.calls++
	if a.calls%a.Accumulate != 0 {
		return false
	}

	names := a.params.Names()
	var grads []*mat.Dense
	for _, name := range names {
		p := a.params[name]
		if p.RequiresGrad() && p.Grad != nil {
			if a.Accumulate > 1 {
				p.Grad.Scale(1/float64(a.Accumulate), p.Grad)
			}
			grads = append(grads, p.Grad)
		}
	}
	if len(grads) == 0 {
		return false
	}
	scale := utils.ClipGrads(a.MaxGradNorm, grads...)

	a.t++
	lr := LRSchedule(a.t, a.Warmup, a.LearningRate)
	for _, name := range names {
		p := a.params[name]
		if !p.RequiresGrad() || p.Grad == nil {
			continue
		}
		st, ok := a.state[name]
		if !ok {
			st = &moments{m: zerosLike(p.Value), v: zerosLike(p.Value)}
			a.state[name] = st
		}
		AdamUpdateInPlace(p.Value, p.Grad, st.m, st.v, a.t, lr, a.Beta1, a.Beta2, a.Eps, a.WeightDecay)
	}
	a.params.ZeroGrad()
	a.logger.Debug("Applied update",
		zap.Int("step", a.t),
		zap.Float64("lr", lr),
		zap.Float64("clip_scale", scale),
		zap.Int("tensors", len(grads)))
	return true
}
