// Package toy provides a tiny deterministic language model used to produce
// realistic logits for benchmarks and end-to-end tests of the loss.
package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/xent/internal/tensor"
)

// ToyLM embeds each token and projects it back to vocabulary logits:
// logits = Emb[tok] * W + Bias. There is no attention, so every position
// is computed independently.
type ToyLM struct {
	Vocab  int
	Hidden int

	Emb  tensor.Matrix // [Vocab x Hidden]
	W    tensor.Matrix // [Hidden x Vocab]
	Bias []float32     // [Vocab]
}

// NewToyLM builds a model whose weights are derived from seed.
func NewToyLM(vocab, hidden int, seed int64) *ToyLM {
	m := &ToyLM{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    tensor.NewMatrix(vocab, hidden),
		W:      tensor.NewMatrix(hidden, vocab),
		Bias:   make([]float32, vocab),
	}
	tensor.FillRand(&m.Emb, seed+11, 1)
	tensor.FillRand(&m.W, seed+23, 1)
	return m
}

func (m *ToyLM) VocabSize() int { return m.Vocab }

// Forward writes the logits of a single token into dst, which must hold
// Vocab elements. Token ids are reduced modulo Vocab.
func (m *ToyLM) Forward(dst []float32, tok int32) {
	t := int(tok) % m.Vocab
	if t < 0 {
		t += m.Vocab
	}
	copy(dst, m.Bias)
	h := m.Emb.Row(t)
	for i, hi := range h {
		tensor.Axpy(dst, hi, m.W.Row(i))
	}
}

// Logits computes [batch, seq, vocab] logits for equal-length sequences.
func (m *ToyLM) Logits(ctx context.Context, tokens [][]int32) (tensor.Tensor3, error) {
	b := len(tokens)
	s := 0
	if b > 0 {
		s = len(tokens[0])
	}
	for i, seq := range tokens {
		if len(seq) != s {
			return tensor.Tensor3{}, fmt.Errorf("sequence %d has length %d, want %d", i, len(seq), s)
		}
	}
	out := tensor.NewMatrix(b*s, m.Vocab)
	for i, seq := range tokens {
		if err := ctx.Err(); err != nil {
			return tensor.Tensor3{}, err
		}
		for p, tok := range seq {
			m.Forward(out.Row(i*s+p), tok)
		}
	}
	return tensor.Tensor3{B: b, S: s, V: m.Vocab, Rows: out}, nil
}
