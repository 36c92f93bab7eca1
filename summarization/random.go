package summarization

import (
	"math/rand"

	"github.com/zqkzzz/dialogue-summarization/params"
)

// RandomBatch samples a well-formed batch for smoke runs: every utterance
// has 1..tokens real tokens, every gold summary has exactly targetLen ids,
// and with pointer-gen roughly one source token in ten is marked as a
// source-only word. It returns the batch and the gold labels.
func RandomBatch(rng *rand.Rand, cfg params.Config, examples, utterances, tokens, targetLen int) (*Batch, [][]int) {
	V := cfg.VocabSize
	word := func() int { return 1 + rng.Intn(V-1) }

	b := &Batch{
		Source:        make([][][]int, utterances),
		SourceMask:    make([][][]bool, utterances),
		UtteranceType: make([][]int, examples),
	}
	if cfg.PointerGen {
		b.SourceExtended = make([][][]int, utterances)
	}
	for u := 0; u < utterances; u++ {
		b.Source[u] = make([][]int, examples)
		b.SourceMask[u] = make([][]bool, examples)
		if cfg.PointerGen {
			b.SourceExtended[u] = make([][]int, examples)
		}
		for e := 0; e < examples; e++ {
			n := 1 + rng.Intn(tokens)
			ids := make([]int, tokens)
			mask := make([]bool, tokens)
			ext := make([]int, tokens)
			for t := 0; t < n; t++ {
				ids[t], mask[t] = word(), true
				ext[t] = ids[t]
				if rng.Intn(10) == 0 {
					ext[t] = V + u*tokens + t
				}
			}
			b.Source[u][e], b.SourceMask[u][e] = ids, mask
			if cfg.PointerGen {
				b.SourceExtended[u][e] = ext
			}
		}
	}
	for e := 0; e < examples; e++ {
		b.UtteranceType[e] = make([]int, utterances)
		for u := range b.UtteranceType[e] {
			b.UtteranceType[e][u] = rng.Intn(cfg.UtterType)
		}
	}

	gold := make([][]int, examples)
	for e := range gold {
		gold[e] = make([]int, targetLen)
		for t := range gold[e] {
			gold[e][t] = word()
		}
	}
	var labels [][]int
	b.Target, labels, b.TargetMask = ShiftTarget(gold, 1, 0)
	return b, labels
}
