package IO

import (
	"fmt"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Special tokens of the BERT Chinese vocabulary.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	BosToken = "[CLS]"
	EosToken = "[SEP]"
)

// Tokenizer turns text into vocabulary ids and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	TokenID(token string) (int, bool)
}

// Pretrained adapts a tokenizer.json loaded with sugarme/tokenizer.
type Pretrained struct {
	tok   *tk.Tokenizer
	vocab map[string]int
}

func LoadTokenizer(path string) (*Pretrained, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &Pretrained{tok: t, vocab: t.GetVocab(true)}, nil
}

// Encode returns ids without special tokens; the batch builder adds them.
func (p *Pretrained) Encode(text string) ([]int, error) {
	enc, err := p.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

func (p *Pretrained) Decode(ids []int) string { return p.tok.Decode(ids, true) }

func (p *Pretrained) TokenID(token string) (int, bool) {
	id, ok := p.vocab[token]
	return id, ok
}

func (p *Pretrained) VocabSize() int { return len(p.vocab) }
