// Package encoder provides the pretrained token encoder: given token ids
// and a mask for one utterance, per-token hidden rows and a pooled row.
package encoder

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// TokenEncoder is the capability the summarization model consumes.
type TokenEncoder interface {
	transformer.Module
	// Encode returns hidden (tokens x dim) and pooled (1 x dim). Padded
	// rows of hidden are not guaranteed to be zero.
	Encode(ctx transformer.Context, ids []int, mask []bool) (hidden, pooled *autograd.Node, err error)
	// WordEmbeddings is the token table, shared with the target side.
	WordEmbeddings() *transformer.Embedding
	Dim() int
	MaxPositions() int
}

// BertConfig describes the shape of a BERT-style encoder.
type BertConfig struct {
	VocabSize    int     `yaml:"vocab_size"`
	Hidden       int     `yaml:"hidden_size"`
	Layers       int     `yaml:"num_hidden_layers"`
	Heads        int     `yaml:"num_attention_heads"`
	Intermediate int     `yaml:"intermediate_size"`
	MaxPositions int     `yaml:"max_position_embeddings"`
	Dropout      float64 `yaml:"hidden_dropout_prob"`
	LayerNormEps float64 `yaml:"layer_norm_eps"`
}

func (c BertConfig) validate() error {
	if c.VocabSize <= 0 || c.Hidden <= 0 || c.Layers <= 0 || c.Heads <= 0 || c.Intermediate <= 0 || c.MaxPositions <= 0 {
		return fmt.Errorf("bert: non-positive dimension in %+v", c)
	}
	if c.Hidden%c.Heads != 0 {
		return fmt.Errorf("bert: hidden %d not divisible by heads %d", c.Hidden, c.Heads)
	}
	return nil
}

// Bert is word + learned position embeddings, LayerNorm, a pre-norm
// encoder stack and a tanh pooler over the first row.
type Bert struct {
	Config    BertConfig
	Words     *transformer.Embedding
	Positions *transformer.Embedding
	EmbNorm   *transformer.LayerNorm
	Encoder   *transformer.Encoder
	Pooler    *transformer.Linear
}

func NewBert(cfg BertConfig, rng *rand.Rand) (*Bert, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.LayerNormEps == 0 {
		cfg.LayerNormEps = 1e-12
	}
	enc, err := transformer.NewEncoder(cfg.Layers, cfg.Hidden, cfg.Heads, cfg.Intermediate, cfg.Dropout, cfg.LayerNormEps, rng)
	if err != nil {
		return nil, err
	}
	return &Bert{
		Config:    cfg,
		Words:     transformer.NewEmbedding(cfg.VocabSize, cfg.Hidden, rng),
		Positions: transformer.NewEmbedding(cfg.MaxPositions, cfg.Hidden, rng),
		EmbNorm:   transformer.NewLayerNorm(cfg.Hidden, cfg.LayerNormEps),
		Encoder:   enc,
		Pooler:    transformer.NewLinear(cfg.Hidden, cfg.Hidden, true, rng),
	}, nil
}

func (b *Bert) Encode(ctx transformer.Context, ids []int, mask []bool) (*autograd.Node, *autograd.Node, error) {
	T := len(ids)
	if T == 0 || len(mask) != T {
		return nil, nil, fmt.Errorf("bert: %d ids with %d mask entries", T, len(mask))
	}
	if T > b.Config.MaxPositions {
		return nil, nil, fmt.Errorf("%w: %d tokens, %d positions", transformer.ErrSequenceTooLong, T, b.Config.MaxPositions)
	}
	words, err := b.Words.Lookup(ids)
	if err != nil {
		return nil, nil, err
	}
	pos := make([]int, T)
	for i := range pos {
		pos[i] = i
	}
	positions, err := b.Positions.Lookup(pos)
	if err != nil {
		return nil, nil, err
	}

	x := ctx.Dropout(b.EmbNorm.Forward(autograd.Add(words, positions)), b.Config.Dropout)
	hidden := b.Encoder.Forward(ctx, x, utils.PaddingMask(T, mask))
	pooled := autograd.Tanh(b.Pooler.Forward(autograd.SliceRows(hidden, 0, 1)))
	return hidden, pooled, nil
}

func (b *Bert) WordEmbeddings() *transformer.Embedding { return b.Words }
func (b *Bert) Dim() int                               { return b.Config.Hidden }
func (b *Bert) MaxPositions() int                      { return b.Config.MaxPositions }

func (b *Bert) Collect(prefix string, ps transformer.ParamSet) {
	b.Words.Collect(prefix+".embeddings.word", ps)
	b.Positions.Collect(prefix+".embeddings.position", ps)
	b.EmbNorm.Collect(prefix+".embeddings.norm", ps)
	b.Encoder.Collect(prefix+".encoder", ps)
	b.Pooler.Collect(prefix+".pooler", ps)
}

// ZeroPadding returns hidden with every row whose mask entry is false
// replaced by zeros.
func ZeroPadding(hidden *autograd.Node, mask []bool) *autograd.Node {
	T, _ := hidden.Dims()
	keep := mat.NewDense(T, 1, nil)
	for i, m := range mask {
		if m {
			keep.Set(i, 0, 1)
		}
	}
	return autograd.MulCol(hidden, autograd.Constant(keep))
}
