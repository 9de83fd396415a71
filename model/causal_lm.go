// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/google/uuid"
)

// attnProjections are the attention sub-modules every layer carries. They
// are also the fixed target set for adapter injection.
var attnProjections = []string{"q_proj", "k_proj", "v_proj", "o_proj"}

// CausalLM is a causal language model with named parameter tensors.
//
// Parameters follow the transformers naming scheme
// (transformer.h.<layer>.attn.<proj>.weight, transformer.wte.weight,
// lm_head.weight) so checkpoints and adapter weights address sub-modules the
// way the surrounding tooling expects.
type CausalLM struct {
	id        string
	name      string
	arch      Architecture
	dtype     Dtype
	deviceMap string

	params map[string]Tensor

	root     *Module
	dropouts []float64

	training bool
}

var _ Model = (*CausalLM)(nil)

// newCausalLM materializes a model of the given architecture with
// deterministic weights derived from the identifier, so two loads of the
// same identifier are bit-identical.
func newCausalLM(nameOrPath string, arch Architecture, dtype Dtype, deviceMap string) *CausalLM {
	m := &CausalLM{
		id:        uuid.NewString(),
		name:      nameOrPath,
		arch:      arch,
		dtype:     dtype,
		deviceMap: deviceMap,
		params:    make(map[string]Tensor),
		training:  true,
	}

	m.initParam("transformer.wte.weight", arch.VocabSize, arch.Hidden)
	for layer := 0; layer < arch.Layers; layer++ {
		for _, proj := range attnProjections {
			m.initParam(fmt.Sprintf("transformer.h.%d.attn.%s.weight", layer, proj), arch.Hidden, arch.Hidden)
		}
	}
	m.initParam("lm_head.weight", arch.VocabSize, arch.Hidden)

	m.buildModuleTree()
	return m
}

func (m *CausalLM) initParam(name string, rows, cols int) {
	t := NewTensor(true, rows, cols)
	h := fnv.New64a()
	h.Write([]byte(m.name))
	h.Write([]byte{':'})
	h.Write([]byte(name))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	scale := float32(1 / math.Sqrt(float64(cols)))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	m.params[name] = t
}

// buildModuleTree assembles the module tree whose dropout probabilities
// DisableDropout zeroes. One embedding dropout plus one attention dropout
// per layer, all starting at the family default of 0.1.
func (m *CausalLM) buildModuleTree() {
	m.dropouts = make([]float64, m.arch.Layers+1)
	for i := range m.dropouts {
		m.dropouts[i] = 0.1
	}

	root := &Module{Name: "transformer"}
	root.Children = append(root.Children, &Module{Name: "wte", Dropout: &m.dropouts[0]})
	for layer := 0; layer < m.arch.Layers; layer++ {
		attn := &Module{Name: "attn", Dropout: &m.dropouts[layer+1]}
		for _, proj := range attnProjections {
			attn.Children = append(attn.Children, &Module{Name: proj})
		}
		root.Children = append(root.Children, &Module{
			Name:     fmt.Sprintf("h.%d", layer),
			Children: []*Module{attn},
		})
	}
	m.root = root
}

// ID returns the instance identifier, unique per constructed model.
func (m *CausalLM) ID() string { return m.id }

// Name returns the model identifier the instance was loaded from.
func (m *CausalLM) Name() string { return m.name }

// Arch returns the resolved architecture.
func (m *CausalLM) Arch() Architecture { return m.arch }

// Dtype returns the numeric precision tag.
func (m *CausalLM) Dtype() Dtype { return m.dtype }

// Root returns the module tree for dropout traversal.
func (m *CausalLM) Root() *Module { return m.root }

// SetTraining implements [Model].
func (m *CausalLM) SetTraining(training bool) { m.training = training }

// Training implements [Model].
func (m *CausalLM) Training() bool { return m.training }

// Forward implements [Model]. The hidden state is the mean token embedding
// passed through each layer's attention projections with a residual
// connection; logits come from the tied head.
func (m *CausalLM) Forward(ctx context.Context, input []int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("forward: empty input")
	}

	h, err := m.embed(input)
	if err != nil {
		return nil, err
	}
	for layer := 0; layer < m.arch.Layers; layer++ {
		h, err = m.attention(layer, h, nil)
		if err != nil {
			return nil, err
		}
	}
	return m.params["lm_head.weight"].MatVec(h)
}

// embed returns the mean embedding of the input tokens.
func (m *CausalLM) embed(input []int) ([]float32, error) {
	wte := m.params["transformer.wte.weight"]
	h := make([]float32, m.arch.Hidden)
	for _, tok := range input {
		if tok < 0 || tok >= m.arch.VocabSize {
			return nil, fmt.Errorf("forward: token %d outside vocabulary of size %d", tok, m.arch.VocabSize)
		}
		row := wte.Data[tok*m.arch.Hidden : (tok+1)*m.arch.Hidden]
		for i, x := range row {
			h[i] += x
		}
	}
	inv := 1 / float32(len(input))
	for i := range h {
		h[i] *= inv
	}
	return h, nil
}

// attention applies one layer's projections with a residual connection.
// delta, when non-nil, adds a per-projection contribution on top of the
// frozen weights; the adapter wrapper uses it.
func (m *CausalLM) attention(layer int, h []float32, delta func(proj string, h []float32) ([]float32, error)) ([]float32, error) {
	mix := make([]float32, m.arch.Hidden)
	for _, proj := range attnProjections[:3] {
		out, err := m.project(layer, proj, h, delta)
		if err != nil {
			return nil, err
		}
		for i, x := range out {
			mix[i] += x / 3
		}
	}
	out, err := m.project(layer, "o_proj", mix, delta)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i] += h[i]
	}
	return out, nil
}

func (m *CausalLM) project(layer int, proj string, h []float32, delta func(proj string, h []float32) ([]float32, error)) ([]float32, error) {
	name := fmt.Sprintf("transformer.h.%d.attn.%s.weight", layer, proj)
	out, err := m.params[name].MatVec(h)
	if err != nil {
		return nil, err
	}
	if delta != nil {
		extra, err := delta(name, h)
		if err != nil {
			return nil, err
		}
		if extra != nil {
			for i, x := range extra {
				out[i] += x
			}
		}
	}
	return out, nil
}

// forwardWithDelta runs the forward pass with a per-projection additive
// contribution. It exists for the adapter wrapper.
func (m *CausalLM) forwardWithDelta(ctx context.Context, input []int, delta func(proj string, h []float32) ([]float32, error)) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("forward: empty input")
	}
	h, err := m.embed(input)
	if err != nil {
		return nil, err
	}
	for layer := 0; layer < m.arch.Layers; layer++ {
		h, err = m.attention(layer, h, delta)
		if err != nil {
			return nil, err
		}
	}
	return m.params["lm_head.weight"].MatVec(h)
}

// Generate implements [Model] with greedy decoding.
func (m *CausalLM) Generate(ctx context.Context, prompt []int, maxNewTokens int) ([]int, error) {
	return generate(ctx, m, prompt, maxNewTokens)
}

// StateDict implements [Model]. The returned tensors are independent copies.
func (m *CausalLM) StateDict() map[string]Tensor {
	out := make(map[string]Tensor, len(m.params))
	for name, t := range m.params {
		out[name] = t.Clone()
	}
	return out
}

// LoadStateDict implements [Model]. Keys must match the model's parameter
// names exactly in both directions; shapes must agree. The target's
// trainability flags are preserved.
func (m *CausalLM) LoadStateDict(state map[string]Tensor) error {
	if err := checkKeys(m.params, state); err != nil {
		return err
	}
	for name, incoming := range state {
		current := m.params[name]
		if !shapeEqual(current.Shape, incoming.Shape) {
			return NewModelLoadError("parameter %s: shape %v does not match expected %v", name, incoming.Shape, current.Shape)
		}
		clone := incoming.Clone()
		clone.Trainable = current.Trainable
		m.params[name] = clone
	}
	return nil
}

// setTrainable flips the trainability flag on every parameter. Adapter
// attachment freezes the base this way.
func (m *CausalLM) setTrainable(trainable bool) {
	for name, t := range m.params {
		t.Trainable = trainable
		m.params[name] = t
	}
}

// generate is greedy decoding over any [Model] forward pass.
func generate(ctx context.Context, m Model, prompt []int, maxNewTokens int) ([]int, error) {
	seq := append([]int(nil), prompt...)
	for i := 0; i < maxNewTokens; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := m.Forward(ctx, seq)
		if err != nil {
			return nil, err
		}
		seq = append(seq, argmax(logits))
	}
	return seq, nil
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func checkKeys(expected map[string]Tensor, got map[string]Tensor) error {
	for name := range got {
		if _, ok := expected[name]; !ok {
			return NewModelLoadError("unexpected parameter %s in state dict", name)
		}
	}
	for name := range expected {
		if _, ok := got[name]; !ok {
			return NewModelLoadError("state dict is missing parameter %s", name)
		}
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
