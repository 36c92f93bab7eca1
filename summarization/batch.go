package summarization

import (
	"errors"
	"fmt"

	"github.com/zqkzzz/dialogue-summarization/transformer"
)

var (
	// ErrShapeMismatch covers ragged batches and dimension disagreements.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrUnsupportedUtteranceType is returned for a type id outside
	// [0, utter_type).
	ErrUnsupportedUtteranceType = errors.New("unsupported utterance type")
	ErrSequenceTooLong          = transformer.ErrSequenceTooLong
)

// Utterance type ids (speaker roles).
const (
	TypeOther = iota
	TypeTechnician
	TypeCarOwner
)

// Batch is one padded mini-batch of dialogues. Source is indexed
// [utterance][example][token]; every example has the same number of
// utterances and every utterance the same token width.
type Batch struct {
	Source     [][][]int
	SourceMask [][][]bool
	// SourceExtended holds ids in the extended vocabulary for copying;
	// ids >= vocab size name source-only words. Optional.
	SourceExtended [][][]int

	Target     [][]int // [example][position], decoder inputs
	TargetMask [][]bool

	UtteranceType [][]int // [example][utterance]
}

// Dims returns utterances, examples and tokens per utterance.
func (b *Batch) Dims() (utterances, examples, tokens int) {
	utterances = len(b.Source)
	if utterances == 0 {
		return 0, 0, 0
	}
	examples = len(b.Source[0])
	if examples == 0 {
		return utterances, 0, 0
	}
	return utterances, examples, len(b.Source[0][0])
}

// Validate checks the batch is rectangular and the parallel tensors agree.
func (b *Batch) Validate() error {
	U, B, T := b.Dims()
	if U == 0 || B == 0 || T == 0 {
		return fmt.Errorf("%w: empty source (%d utterances, %d examples, %d tokens)", ErrShapeMismatch, U, B, T)
	}
	if len(b.SourceMask) != U {
		return fmt.Errorf("%w: mask has %d utterances, source %d", ErrShapeMismatch, len(b.SourceMask), U)
	}
	if b.SourceExtended != nil && len(b.SourceExtended) != U {
		return fmt.Errorf("%w: extended source has %d utterances, source %d", ErrShapeMismatch, len(b.SourceExtended), U)
	}
	for u := 0; u < U; u++ {
		if len(b.Source[u]) != B || len(b.SourceMask[u]) != B {
			return fmt.Errorf("%w: utterance %d has %d examples, want %d", ErrShapeMismatch, u, len(b.Source[u]), B)
		}
		if b.SourceExtended != nil && len(b.SourceExtended[u]) != B {
			return fmt.Errorf("%w: extended utterance %d has %d examples, want %d", ErrShapeMismatch, u, len(b.SourceExtended[u]), B)
		}
		for e := 0; e < B; e++ {
			if len(b.Source[u][e]) != T || len(b.SourceMask[u][e]) != T {
				return fmt.Errorf("%w: utterance %d example %d has %d tokens, want %d", ErrShapeMismatch, u, e, len(b.Source[u][e]), T)
			}
			if b.SourceExtended != nil && len(b.SourceExtended[u][e]) != T {
				return fmt.Errorf("%w: extended utterance %d example %d has %d tokens, want %d", ErrShapeMismatch, u, e, len(b.SourceExtended[u][e]), T)
			}
		}
	}
	if len(b.UtteranceType) != B {
		return fmt.Errorf("%w: %d utterance type rows for %d examples", ErrShapeMismatch, len(b.UtteranceType), B)
	}
	for e, types := range b.UtteranceType {
		if len(types) != U {
			return fmt.Errorf("%w: example %d has %d utterance types, want %d", ErrShapeMismatch, e, len(types), U)
		}
	}
	if b.Target != nil {
		if err := validateTarget(b.Target, b.TargetMask, B); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(target [][]int, mask [][]bool, examples int) error {
	if len(target) != examples || len(mask) != examples {
		return fmt.Errorf("%w: target has %d rows and %d mask rows for %d examples", ErrShapeMismatch, len(target), len(mask), examples)
	}
	T := len(target[0])
	if T == 0 {
		return fmt.Errorf("%w: empty target", ErrShapeMismatch)
	}
	for e := range target {
		if len(target[e]) != T || len(mask[e]) != T {
			return fmt.Errorf("%w: target row %d has %d positions, want %d", ErrShapeMismatch, e, len(target[e]), T)
		}
	}
	return nil
}

// UtteranceMask marks, per example, which of the first limit utterances
// hold at least one real token. mask is [utterance][example][token]; the
// result is [example][utterance] with at most limit columns.
func UtteranceMask(mask [][][]bool, limit int) [][]bool {
	U := min(len(mask), limit)
	if len(mask) == 0 {
		return nil
	}
	out := make([][]bool, len(mask[0]))
	for e := range out {
		out[e] = make([]bool, U)
		for u := 0; u < U; u++ {
			out[e][u] = anyTrue(mask[u][e])
		}
	}
	return out
}

func anyTrue(m []bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

// ShiftTarget splits gold summaries into decoder inputs (bos + y[:-1])
// and labels (y), padding every row to the longest with pad.
func ShiftTarget(gold [][]int, bos, pad int) (inputs, labels [][]int, mask [][]bool) {
	T := 0
	for _, g := range gold {
		T = max(T, len(g))
	}
	inputs = make([][]int, len(gold))
	labels = make([][]int, len(gold))
	mask = make([][]bool, len(gold))
	for e, g := range gold {
		inputs[e] = make([]int, T)
		labels[e] = make([]int, T)
		mask[e] = make([]bool, T)
		for t := 0; t < T; t++ {
			inputs[e][t], labels[e][t] = pad, pad
			if t == 0 {
				inputs[e][t] = bos
			} else if t-1 < len(g) {
				inputs[e][t] = g[t-1]
			}
			if t < len(g) {
				labels[e][t] = g[t]
				mask[e][t] = true
			}
		}
	}
	return inputs, labels, mask
}
