package summarization

import (
	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/transformer"
)

// TargetEmbedding maps summary ids to decoder inputs in two steps: a word
// lookup in the table shared with the token encoder, then the sinusoidal
// positional transform. It owns no parameters of its own.
type TargetEmbedding struct {
	Words     *transformer.Embedding
	Positions *transformer.PositionalEncoding
}

func NewTargetEmbedding(words *transformer.Embedding, maxLen int, dropout float64) *TargetEmbedding {
	return &TargetEmbedding{
		Words:     words,
		Positions: transformer.NewPositionalEncoding(maxLen, words.Dim(), dropout),
	}
}

// Embed returns (len(ids) x d); row i carries position offset+i.
func (te *TargetEmbedding) Embed(ctx transformer.Context, ids []int, offset int) (*autograd.Node, error) {
	x, err := te.Words.Lookup(ids)
	if err != nil {
		return nil, err
	}
	return te.Positions.Forward(ctx, x, offset)
}
