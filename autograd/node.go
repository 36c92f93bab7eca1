// Package autograd records operations on gonum matrices and replays them
// in reverse to accumulate gradients on trainable leaves.
//
// A leaf created with NewParam is trainable until SetRequiresGrad(false).
// Every op result requires grad iff any of its inputs does, so freezing a
// leaf cuts it (and everything only it feeds) out of the backward pass.
package autograd

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNoGradient is returned by Backward when nothing upstream is trainable.
var ErrNoGradient = errors.New("autograd: output does not require grad")

type Node struct {
	Value *mat.Dense
	// Grad is nil until something accumulates into it; nil reads as zero.
	Grad *mat.Dense
	Name string

	requiresGrad bool
	leaf         bool
	parents      []*Node
	backward     func(g *mat.Dense)
}

// NewParam returns a trainable leaf.
func NewParam(name string, v *mat.Dense) *Node {
	return &Node{Value: v, Name: name, requiresGrad: true, leaf: true}
}

// Constant returns a leaf that never receives a gradient.
func Constant(v *mat.Dense) *Node {
	return &Node{Value: v, leaf: true}
}

// Zeros is a constant (r x c) zero matrix.
func Zeros(r, c int) *Node {
	return Constant(mat.NewDense(r, c, nil))
}

// Detach returns a constant sharing n's value.
func Detach(n *Node) *Node {
	return Constant(n.Value)
}

func (n *Node) Dims() (int, int)    { return n.Value.Dims() }
func (n *Node) At(i, j int) float64 { return n.Value.At(i, j) }
func (n *Node) RequiresGrad() bool  { return n.requiresGrad }
func (n *Node) ZeroGrad()           { n.Grad = nil }

func (n *Node) String() string {
	r, c := n.Dims()
	return fmt.Sprintf("%s(%dx%d)", n.Name, r, c)
}

// SetRequiresGrad toggles whether a leaf is trainable.
func (n *Node) SetRequiresGrad(on bool) {
	if !n.leaf {
		panic("autograd: SetRequiresGrad on non-leaf " + n.Name)
	}
	n.requiresGrad = on
}

// GradNorm is the Frobenius norm of the accumulated gradient.
func (n *Node) GradNorm() float64 {
	if n.Grad == nil {
		return 0
	}
	return mat.Norm(n.Grad, 2)
}

func newOp(v *mat.Dense, back func(g *mat.Dense), parents ...*Node) *Node {
	n := &Node{Value: v, parents: parents}
	for _, p := range parents {
		if p.requiresGrad {
			n.requiresGrad = true
			break
		}
	}
	if n.requiresGrad {
		n.backward = back
	}
	return n
}

func (n *Node) accumulate(g mat.Matrix) {
	if !n.requiresGrad {
		return
	}
	if n.Grad == nil {
		r, c := n.Value.Dims()
		n.Grad = mat.NewDense(r, c, nil)
	}
	n.Grad.Add(n.Grad, g)
}

// Backward seeds d(out)/d(out) = 1 on a (1 x 1) output and propagates it
// to every trainable leaf. Leaf gradients accumulate across calls until
// ZeroGrad.
func Backward(out *Node) error {
	if r, c := out.Dims(); r != 1 || c != 1 {
		return fmt.Errorf("autograd: backward needs a scalar output, got %dx%d", r, c)
	}
	if !out.requiresGrad {
		return ErrNoGradient
	}

	order := topoSort(out)
	out.accumulate(mat.NewDense(1, 1, []float64{1}))
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backward == nil || n.Grad == nil {
			continue
		}
		n.backward(n.Grad)
	}
	return nil
}

// topoSort returns the trainable part of the graph, inputs first.
func topoSort(root *Node) []*Node {
	visited := make(map[*Node]bool)
	var order []*Node
	type frame struct {
		n    *Node
		next int
	}
	stack := []frame{{n: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.n.parents) {
			p := top.n.parents[top.next]
			top.next++
			if p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{n: p})
			}
			continue
		}
		order = append(order, top.n)
		stack = stack[:len(stack)-1]
	}
	return order
}
