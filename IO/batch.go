package IO

import (
	"fmt"

	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/summarization"
)

// Builder tokenises examples into padded model batches.
type Builder struct {
	tok Tokenizer
	cfg params.Config

	Pad, Unk, Bos, Eos int
}

func NewBuilder(tok Tokenizer, cfg params.Config) (*Builder, error) {
	b := &Builder{tok: tok, cfg: cfg}
	for _, s := range []struct {
		token string
		id    *int
	}{
		{PadToken, &b.Pad},
		{UnkToken, &b.Unk},
		{BosToken, &b.Bos},
		{EosToken, &b.Eos},
	} {
		id, ok := tok.TokenID(s.token)
		if !ok {
			return nil, fmt.Errorf("tokenizer has no %s token", s.token)
		}
		*s.id = id
	}
	return b, nil
}

// Build keeps the first max_utter_num_length utterances of each example
// and the first max_src_num_length tokens of each utterance, then pads
// everything to the widest example. Examples with fewer utterances get
// empty, fully masked ones typed as other.
//
// With pointer-gen, unknown source tokens get extended id
// vocab_size + their flat source position. Targets are built only when
// every example has a summary; the summary is cut so that it plus eos
// fits max_decode_output_length.
func (b *Builder) Build(examples []Example) (*summarization.Batch, [][]int, error) {
	if len(examples) == 0 {
		return nil, nil, fmt.Errorf("%w: no examples", summarization.ErrShapeMismatch)
	}
	tokens := make([][][]int, len(examples))
	U, T := 1, 1
	for e, ex := range examples {
		n := min(len(ex.Utterances), b.cfg.MaxUtterNumLength)
		tokens[e] = make([][]int, n)
		for u := 0; u < n; u++ {
			ids, err := b.tok.Encode(ex.Utterances[u].Text)
			if err != nil {
				return nil, nil, fmt.Errorf("example %s utterance %d: %w", ex.ID, u, err)
			}
			if len(ids) > b.cfg.MaxSrcNumLength {
				ids = ids[:b.cfg.MaxSrcNumLength]
			}
			tokens[e][u] = ids
			T = max(T, len(ids))
		}
		U = max(U, n)
	}

	batch := &summarization.Batch{
		Source:        make([][][]int, U),
		SourceMask:    make([][][]bool, U),
		UtteranceType: make([][]int, len(examples)),
	}
	if b.cfg.PointerGen {
		batch.SourceExtended = make([][][]int, U)
	}
	for u := 0; u < U; u++ {
		batch.Source[u] = make([][]int, len(examples))
		batch.SourceMask[u] = make([][]bool, len(examples))
		if b.cfg.PointerGen {
			batch.SourceExtended[u] = make([][]int, len(examples))
		}
		for e := range examples {
			ids := make([]int, T)
			mask := make([]bool, T)
			ext := make([]int, T)
			for t := range ids {
				ids[t], ext[t] = b.Pad, b.Pad
			}
			if u < len(tokens[e]) {
				for t, id := range tokens[e][u] {
					ids[t], mask[t], ext[t] = id, true, id
					if id == b.Unk {
						ext[t] = b.cfg.VocabSize + u*T + t
					}
				}
			}
			batch.Source[u][e], batch.SourceMask[u][e] = ids, mask
			if b.cfg.PointerGen {
				batch.SourceExtended[u][e] = ext
			}
		}
	}
	for e, ex := range examples {
		types := make([]int, U)
		for u := range types {
			types[u] = summarization.TypeOther
			if u < len(tokens[e]) {
				types[u] = ex.Utterances[u].Type
			}
		}
		batch.UtteranceType[e] = types
	}

	gold := make([][]int, 0, len(examples))
	for _, ex := range examples {
		if ex.Summary == "" {
			return batch, nil, nil
		}
		ids, err := b.tok.Encode(ex.Summary)
		if err != nil {
			return nil, nil, fmt.Errorf("example %s summary: %w", ex.ID, err)
		}
		if len(ids) >= b.cfg.MaxDecodeOutputLength {
			ids = ids[:b.cfg.MaxDecodeOutputLength-1]
		}
		gold = append(gold, append(ids, b.Eos))
	}
	var labels [][]int
	batch.Target, labels, batch.TargetMask = summarization.ShiftTarget(gold, b.Bos, b.Pad)
	return batch, labels, nil
}
