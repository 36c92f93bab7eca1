// Package summarization assembles the hierarchical dialogue summarizer:
// token encoder per utterance, utterance encoder across the dialogue, and
// a decoder attending to both levels with pointer-generation and coverage.
package summarization

import (
	"fmt"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/zqkzzz/dialogue-summarization/autograd"
	"github.com/zqkzzz/dialogue-summarization/encoder"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

const (
	bertPrefix      = "bert"
	utterancePrefix = "utterance_encoder"
	decoderPrefix   = "decoder"
)

// Encoded is the reusable encoder output for a batch. Decoding calls it
// repeatedly without re-running the encoders.
type Encoded struct {
	Dialogue           []*autograd.Node // (U x d) per example
	DialogueMask       [][]bool         // [example][utterance]
	UtteranceAttention []*autograd.Node // (U x U) per example
	Tokens             []*autograd.Node // (U*T x d) per example, padded rows zero
	TokenMask          [][]bool         // [example][U*T]
	CopyIDs            [][]int          // extended id of each source position
	SourceIDs          [][]int          // in-vocabulary id of each source position

	Utterances         int
	TokensPerUtterance int
}

func (enc *Encoded) Examples() int  { return len(enc.Dialogue) }
func (enc *Encoded) SourceLen() int { return enc.Utterances * enc.TokensPerUtterance }

func (enc *Encoded) memory(e int) memory {
	return memory{
		dialogue:     enc.Dialogue[e],
		dialogueKeep: enc.DialogueMask[e],
		tokens:       enc.Tokens[e],
		tokenKeep:    enc.TokenMask[e],
	}
}

// DialogueSummarization owns every parameter of the model. It is not safe
// for concurrent use.
type DialogueSummarization struct {
	cfg       params.Config
	bert      encoder.TokenEncoder
	embedding *TargetEmbedding
	utterance *UtteranceEncoder
	decoder   *Decoder

	train  bool
	rng    *rand.Rand
	logger *zap.Logger
}

// BuildModel resolves the pretrained encoder through registry (nil means
// encoder.DefaultRegistry) and builds the rest from cfg.
func BuildModel(cfg params.Config, registry *encoder.Registry, logger *zap.Logger) (*DialogueSummarization, error) {
	logger = utils.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = encoder.DefaultRegistry(logger)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	bert, err := registry.Load(cfg.PretrainedModelNameOrPath, rng)
	if err != nil {
		return nil, err
	}
	return NewModel(cfg, bert, rng, logger)
}

// NewModel builds the model around an already constructed token encoder.
func NewModel(cfg params.Config, bert encoder.TokenEncoder, rng *rand.Rand, logger *zap.Logger) (*DialogueSummarization, error) {
	logger = utils.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bert.Dim() != cfg.DimModel {
		return nil, fmt.Errorf("%w: encoder width %d, dim_model %d", ErrShapeMismatch, bert.Dim(), cfg.DimModel)
	}
	if v := bert.WordEmbeddings().Vocab(); v != cfg.VocabSize {
		return nil, fmt.Errorf("%w: encoder vocabulary %d, vocab_size %d", ErrShapeMismatch, v, cfg.VocabSize)
	}
	if bert.MaxPositions() < cfg.MaxSrcNumLength {
		return nil, fmt.Errorf("%w: encoder has %d positions, max_src_num_length %d", ErrShapeMismatch, bert.MaxPositions(), cfg.MaxSrcNumLength)
	}

	utter, err := NewUtteranceEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	m := &DialogueSummarization{
		cfg:       cfg,
		bert:      bert,
		embedding: NewTargetEmbedding(bert.WordEmbeddings(), cfg.MaxDecodeOutputLength, cfg.Dropout),
		utterance: utter,
		decoder:   dec,
		rng:       rng,
		logger:    logger,
	}
	ps := m.Parameters()
	logger.Info("Built dialogue summarization model",
		zap.String("encoder", cfg.PretrainedModelNameOrPath),
		zap.Int("dim_model", cfg.DimModel),
		zap.Int("layers", cfg.NumLayers),
		zap.Int("tensors", len(ps)),
		zap.Int("weights", ps.Count()),
		zap.Bool("pointer_gen", cfg.PointerGen),
		zap.Bool("coverage", cfg.IsCoverage))
	return m, nil
}

func (m *DialogueSummarization) Config() params.Config                  { return m.cfg }
func (m *DialogueSummarization) TokenEncodeModel() encoder.TokenEncoder { return m.bert }
func (m *DialogueSummarization) DecoderModel() *Decoder                 { return m.decoder }
func (m *DialogueSummarization) UtteranceEncoder() *UtteranceEncoder    { return m.utterance }

// Train enables dropout; Eval disables it.
func (m *DialogueSummarization) Train() { m.train = true }
func (m *DialogueSummarization) Eval()  { m.train = false }

func (m *DialogueSummarization) context() transformer.Context {
	return transformer.Context{Train: m.train, Rng: m.rng}
}

// Parameters returns every trainable tensor by dotted name. The word table
// appears once, under the encoder.
func (m *DialogueSummarization) Parameters() transformer.ParamSet {
	ps := transformer.ParamSet{}
	m.bert.Collect(bertPrefix, ps)
	m.utterance.Collect(utterancePrefix, ps)
	m.decoder.Collect(decoderPrefix, ps)
	return ps
}

// FreezeBert stops gradient flow into the token encoder, including the
// word table it shares with the target embedding.
func (m *DialogueSummarization) FreezeBert() {
	transformer.Parameters(bertPrefix, m.bert).SetRequiresGrad(false)
}

func (m *DialogueSummarization) Freeze()   { m.Parameters().SetRequiresGrad(false) }
func (m *DialogueSummarization) Unfreeze() { m.Parameters().SetRequiresGrad(true) }

// PoolUtterance is the masked mean of hidden's real rows, (1 x d). Padded
// rows are zeroed first, so the result does not depend on how much
// padding follows the real tokens. An all-padding utterance pools to zero.
func PoolUtterance(hidden *autograd.Node, mask []bool) *autograd.Node {
	n := 0
	for _, k := range mask {
		if k {
			n++
		}
	}
	_, d := hidden.Dims()
	if n == 0 {
		return autograd.Zeros(1, d)
	}
	return autograd.Scale(autograd.SumRows(encoder.ZeroPadding(hidden, mask)), 1/float64(n))
}

// Encode runs the token encoder per utterance and the utterance encoder
// per example. Only the first max_utter_num_length utterances are used.
func (m *DialogueSummarization) Encode(batch *Batch) (*Encoded, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	Uin, B, T := batch.Dims()
	if T > m.cfg.MaxSrcNumLength {
		return nil, fmt.Errorf("%w: %d tokens per utterance, max_src_num_length %d", ErrSequenceTooLong, T, m.cfg.MaxSrcNumLength)
	}
	U := min(Uin, m.cfg.MaxUtterNumLength)
	if U < Uin {
		m.logger.Debug("Truncating utterances", zap.Int("utterances", Uin), zap.Int("kept", U))
	}
	width := m.decoder.Width(U * T)
	ctx := m.context()

	enc := &Encoded{
		Dialogue:           make([]*autograd.Node, B),
		DialogueMask:       UtteranceMask(batch.SourceMask, m.cfg.MaxUtterNumLength),
		UtteranceAttention: make([]*autograd.Node, B),
		Tokens:             make([]*autograd.Node, B),
		TokenMask:          make([][]bool, B),
		CopyIDs:            make([][]int, B),
		SourceIDs:          make([][]int, B),
		Utterances:         U,
		TokensPerUtterance: T,
	}
	d := m.cfg.DimModel
	for e := 0; e < B; e++ {
		pooled := make([]*autograd.Node, U)
		tokens := make([]*autograd.Node, U)
		for u := 0; u < U; u++ {
			ids, mask := batch.Source[u][e], batch.SourceMask[u][e]
			enc.TokenMask[e] = append(enc.TokenMask[e], mask...)
			enc.SourceIDs[e] = append(enc.SourceIDs[e], ids...)
			copyIDs := ids
			if batch.SourceExtended != nil {
				copyIDs = batch.SourceExtended[u][e]
			}
			for t, id := range copyIDs {
				if m.cfg.PointerGen && (id < 0 || id >= width) {
					return nil, fmt.Errorf("%w: copy id %d at utterance %d example %d token %d outside [0, %d)", ErrShapeMismatch, id, u, e, t, width)
				}
			}
			enc.CopyIDs[e] = append(enc.CopyIDs[e], copyIDs...)

			if !anyTrue(mask) {
				tokens[u] = autograd.Zeros(T, d)
				pooled[u] = autograd.Zeros(1, d)
				continue
			}
			hidden, _, err := m.bert.Encode(ctx, ids, mask)
			if err != nil {
				return nil, fmt.Errorf("encode utterance %d of example %d: %w", u, e, err)
			}
			tokens[u] = encoder.ZeroPadding(hidden, mask)
			pooled[u] = PoolUtterance(hidden, mask)
		}
		dialogue, attn, err := m.utterance.Encode(ctx, autograd.ConcatRows(pooled...), enc.DialogueMask[e], batch.UtteranceType[e][:U])
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", e, err)
		}
		enc.Dialogue[e], enc.UtteranceAttention[e] = dialogue, attn
		enc.Tokens[e] = autograd.ConcatRows(tokens...)
	}
	m.logger.Debug("Encoded batch",
		zap.Int("examples", B),
		zap.Int("utterances", U),
		zap.Int("tokens", T))
	return enc, nil
}

func (m *DialogueSummarization) embed(target [][]int, offset int) ([]*autograd.Node, error) {
	ctx := m.context()
	out := make([]*autograd.Node, len(target))
	for e, ids := range target {
		x, err := m.embedding.Embed(ctx, ids, offset)
		if err != nil {
			return nil, fmt.Errorf("embed target %d: %w", e, err)
		}
		out[e] = x
	}
	return out, nil
}

// DecodeSequence is the teacher-forced decode of whole targets against a
// cached encoding. coverage0 may be nil.
func (m *DialogueSummarization) DecodeSequence(target [][]int, targetMask [][]bool, enc *Encoded, coverage0 []*mat.Dense) (*DecoderOutput, error) {
	if err := validateTarget(target, targetMask, enc.Examples()); err != nil {
		return nil, err
	}
	emb, err := m.embed(target, 0)
	if err != nil {
		return nil, err
	}
	return m.decoder.DecodeSequence(m.context(), emb, targetMask, enc, coverage0)
}

func (m *DialogueSummarization) NewStepState(enc *Encoded) *StepState {
	return m.decoder.NewStepState(enc)
}

// DecodeStep feeds one id per example at position st.Pos and advances st.
func (m *DialogueSummarization) DecodeStep(ids []int, enc *Encoded, st *StepState) (*DecoderOutput, error) {
	if len(ids) != enc.Examples() {
		return nil, fmt.Errorf("%w: %d step ids for %d examples", ErrShapeMismatch, len(ids), enc.Examples())
	}
	target := make([][]int, len(ids))
	for e, id := range ids {
		target[e] = []int{id}
	}
	emb, err := m.embed(target, st.Pos)
	if err != nil {
		return nil, err
	}
	return m.decoder.DecodeStep(m.context(), emb, enc, st)
}

// Forward is the training path: encode, then decode the whole target.
func (m *DialogueSummarization) Forward(batch *Batch) (*DecoderOutput, error) {
	if batch.Target == nil {
		return nil, fmt.Errorf("%w: batch has no target", ErrShapeMismatch)
	}
	enc, err := m.Encode(batch)
	if err != nil {
		return nil, err
	}
	return m.DecodeSequence(batch.Target, batch.TargetMask, enc, nil)
}
