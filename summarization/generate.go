package summarization

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zqkzzz/dialogue-summarization/utils"
)

// Generate greedily decodes a summary per example. It encodes once and
// then calls DecodeStep until every example has produced eos or maxLen
// ids (capped by max_decode_output_length). Copied source-only ids are
// mapped back to the in-vocabulary id of the source token they point at,
// so the result is always decodable by the tokenizer. eos is not included.
func (m *DialogueSummarization) Generate(batch *Batch, bos, eos, maxLen int) ([][]int, error) {
	enc, err := m.Encode(batch)
	if err != nil {
		return nil, err
	}
	maxLen = min(maxLen, m.cfg.MaxDecodeOutputLength)
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: maxLen must be positive", ErrShapeMismatch)
	}

	B := enc.Examples()
	vocab := m.cfg.VocabSize
	st := m.NewStepState(enc)
	ids := make([]int, B)
	for e := range ids {
		ids[e] = bos
	}
	out := make([][]int, B)
	done := make([]bool, B)
	remaining := B

	for step := 0; step < maxLen && remaining > 0; step++ {
		res, err := m.DecodeStep(ids, enc, st)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", step, err)
		}
		for e := 0; e < B; e++ {
			next := utils.Argmax(res.Dist[e].Value, 0)
			if next >= vocab {
				next = enc.sourceToken(e, next)
			}
			ids[e] = next
			if done[e] {
				continue
			}
			if next == eos {
				done[e] = true
				remaining--
				continue
			}
			out[e] = append(out[e], next)
		}
	}
	m.logger.Debug("Generated summaries", zap.Int("examples", B), zap.Int("steps", st.Pos))
	return out, nil
}

// sourceToken maps an extended id to the in-vocabulary id of the first
// source position carrying it.
func (enc *Encoded) sourceToken(e, extended int) int {
	for j, id := range enc.CopyIDs[e] {
		if id == extended {
			return enc.SourceIDs[e][j]
		}
	}
	return extended
}
