package summarization

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

// UtteranceEncoder contextualises pooled utterance vectors across the
// dialogue. Each utterance gets its speaker-type embedding and an
// utterance-position encoding before the encoder stack.
type UtteranceEncoder struct {
	Types     *transformer.Embedding
	Positions *transformer.PositionalEncoding
	Encoder   *transformer.Encoder
	Dropout   float64
}

func NewUtteranceEncoder(cfg params.Config, rng *rand.Rand) (*UtteranceEncoder, error) {
	enc, err := transformer.NewEncoder(cfg.NumLayers, cfg.DimModel, cfg.NumHeads, cfg.DimFF, cfg.Dropout, 1e-6, rng)
	if err != nil {
		return nil, err
	}
	types := &transformer.Embedding{Table: autograd.NewParam("utterance_type",
		mat.NewDense(cfg.UtterType, cfg.DimModel, utils.XavierArray(cfg.UtterType, cfg.DimModel, rng)))}
	return &UtteranceEncoder{
		Types:     types,
		Positions: transformer.NewPositionalEncoding(cfg.MaxUtterNumLength, cfg.DimModel, 0),
		Encoder:   enc,
		Dropout:   cfg.Dropout,
	}, nil
}

// NumTypes is the number of accepted type ids.
func (ue *UtteranceEncoder) NumTypes() int { return ue.Types.Vocab() }

// Encode takes features (U x d), one mask entry and one type id per
// utterance, and returns dialogue features (U x d) together with the last
// layer's attention (U x U). Padded utterances receive no attention.
func (ue *UtteranceEncoder) Encode(ctx transformer.Context, features *autograd.Node, mask []bool, types []int) (*autograd.Node, *autograd.Node, error) {
	U, _ := features.Dims()
	if len(mask) != U || len(types) != U {
		return nil, nil, fmt.Errorf("%w: %d utterances, %d mask entries, %d types", ErrShapeMismatch, U, len(mask), len(types))
	}
	for u, t := range types {
		if t < 0 || t >= ue.NumTypes() {
			return nil, nil, fmt.Errorf("%w: utterance %d has type %d, want [0, %d)", ErrUnsupportedUtteranceType, u, t, ue.NumTypes())
		}
	}
	typeRows, err := ue.Types.Lookup(types)
	if err != nil {
		return nil, nil, err
	}
	x, err := ue.Positions.Add(autograd.Add(features, typeRows), 0)
	if err != nil {
		return nil, nil, err
	}
	out, attn := ue.Encoder.ForwardAttention(ctx, ctx.Dropout(x, ue.Dropout), utils.PaddingMask(U, mask))
	return out, attn, nil
}

func (ue *UtteranceEncoder) Collect(prefix string, ps transformer.ParamSet) {
	ue.Types.Collect(prefix+".types", ps)
	ue.Encoder.Collect(prefix+".encoder", ps)
}
