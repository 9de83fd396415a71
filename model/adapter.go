// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// LoraSettings are the adapter hyperparameters: rank, scaling alpha and the
// adapter's own dropout probability.
type LoraSettings struct {
	R       int
	Alpha   float64
	Dropout float64
}

// loraPair is one target module's low-rank update: the contribution is
// (alpha/r) * B·A·h on top of the frozen projection.
type loraPair struct {
	A Tensor // [r, hidden]
	B Tensor // [hidden, r]
}

// AdapterModel wraps a base [CausalLM] with low-rank adapters on the
// attention projections (q_proj, v_proj, k_proj, o_proj). It satisfies the
// full [Model] contract; only the adapter parameters are trainable, the base
// weights are frozen.
//
// The adapter contribution is additive, so the unmodified base model stays
// latent inside the wrapper and can be recovered per call via
// [AdapterModel.WithAdapterDisabled].
type AdapterModel struct {
	base     *CausalLM
	settings LoraSettings
	adapters map[string]*loraPair

	root       *Module
	dropout    float64
	suppressed bool
}

var _ Model = (*AdapterModel)(nil)
var _ AdapterToggler = (*AdapterModel)(nil)

// AdapterToggler is a [Model] whose adapter contribution can be suppressed
// for the duration of a call. The reference proxy requires this capability.
type AdapterToggler interface {
	Model

	// WithAdapterDisabled runs fn with the adapter contribution suppressed,
	// restoring the prior suppression state on every exit path.
	WithAdapterDisabled(fn func() error) error
}

// AttachLoRA wraps base with adapters of the given settings. The base
// model's parameters are frozen as a side effect.
func AttachLoRA(ctx context.Context, base *CausalLM, settings LoraSettings) (*AdapterModel, error) {
	if settings.R <= 0 {
		return nil, NewModelLoadError("lora rank must be positive, got %d", settings.R)
	}

	m := &AdapterModel{
		base:     base,
		settings: settings,
		adapters: make(map[string]*loraPair),
		dropout:  settings.Dropout,
	}

	hidden := base.Arch().Hidden
	for layer := 0; layer < base.Arch().Layers; layer++ {
		for _, proj := range attnProjections {
			name := fmt.Sprintf("transformer.h.%d.attn.%s.weight", layer, proj)
			m.adapters[name] = newLoraPair(base.Name(), name, settings.R, hidden)
		}
	}

	base.setTrainable(false)
	m.buildModuleTree()

	trainable, total := m.parameterCounts()
	logging.FromContext(ctx).Info("attached LoRA adapters",
		"rank", settings.R, "alpha", settings.Alpha,
		"trainable_params", trainable, "total_params", total)
	return m, nil
}

// newLoraPair initializes one adapter pair: A gets small deterministic
// values, B starts at zero so a freshly attached adapter is a no-op.
func newLoraPair(modelName, paramName string, r, hidden int) *loraPair {
	pair := &loraPair{
		A: NewTensor(true, r, hidden),
		B: NewTensor(true, hidden, r),
	}
	h := fnv.New64a()
	h.Write([]byte(modelName))
	h.Write([]byte(":lora_A:"))
	h.Write([]byte(paramName))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	scale := float32(1 / math.Sqrt(float64(hidden)))
	for i := range pair.A.Data {
		pair.A.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	return pair
}

func (m *AdapterModel) buildModuleTree() {
	m.root = &Module{
		Name: "peft",
		Children: []*Module{
			m.base.Root(),
			{Name: "lora", Dropout: &m.dropout},
		},
	}
}

// Base returns the wrapped base model.
func (m *AdapterModel) Base() *CausalLM { return m.base }

// Root returns the module tree including the adapter's dropout module.
func (m *AdapterModel) Root() *Module { return m.root }

// Settings returns the adapter hyperparameters.
func (m *AdapterModel) Settings() LoraSettings { return m.settings }

// SetTraining implements [Model]; mode lives on the wrapped base.
func (m *AdapterModel) SetTraining(training bool) { m.base.SetTraining(training) }

// Training implements [Model].
func (m *AdapterModel) Training() bool { return m.base.Training() }

// WithAdapterDisabled implements [AdapterToggler].
func (m *AdapterModel) WithAdapterDisabled(fn func() error) error {
	prev := m.suppressed
	m.suppressed = true
	defer func() { m.suppressed = prev }()
	return fn()
}

// Forward implements [Model]. With the adapter suppressed the pass is
// exactly the base model's.
func (m *AdapterModel) Forward(ctx context.Context, input []int) ([]float32, error) {
	if m.suppressed {
		return m.base.Forward(ctx, input)
	}
	return m.base.forwardWithDelta(ctx, input, m.delta)
}

// delta is the adapter's additive contribution for one projection.
func (m *AdapterModel) delta(paramName string, h []float32) ([]float32, error) {
	pair, ok := m.adapters[paramName]
	if !ok {
		return nil, nil
	}
	down, err := pair.A.MatVec(h)
	if err != nil {
		return nil, err
	}
	up, err := pair.B.MatVec(down)
	if err != nil {
		return nil, err
	}
	scale := float32(m.settings.Alpha / float64(m.settings.R))
	for i := range up {
		up[i] *= scale
	}
	return up, nil
}

// Generate implements [Model].
func (m *AdapterModel) Generate(ctx context.Context, prompt []int, maxNewTokens int) ([]int, error) {
	return generate(ctx, m, prompt, maxNewTokens)
}

// StateDict implements [Model]: the frozen base parameters plus the adapter
// parameters under lora_A/lora_B names.
func (m *AdapterModel) StateDict() map[string]Tensor {
	out := m.base.StateDict()
	for name, t := range m.AdapterStateDict() {
		out[name] = t
	}
	return out
}

// AdapterStateDict returns only the adapter parameters, the portion an
// adapter-mode checkpoint stores separately from the base weights.
func (m *AdapterModel) AdapterStateDict() map[string]Tensor {
	out := make(map[string]Tensor, 2*len(m.adapters))
	for name, pair := range m.adapters {
		out[loraParamName(name, "lora_A")] = pair.A.Clone()
		out[loraParamName(name, "lora_B")] = pair.B.Clone()
	}
	return out
}

// LoadStateDict implements [Model] over the combined base+adapter key set.
func (m *AdapterModel) LoadStateDict(state map[string]Tensor) error {
	baseState := make(map[string]Tensor)
	adapterState := make(map[string]Tensor)
	for name, t := range state {
		if strings.Contains(name, ".lora_") {
			adapterState[name] = t
		} else {
			baseState[name] = t
		}
	}
	if err := m.base.LoadStateDict(baseState); err != nil {
		return err
	}
	return m.LoadAdapterStateDict(adapterState)
}

// LoadAdapterStateDict merges adapter weights on top of the wrapper, the
// adapter-mode resume path. Keys must match the adapter's parameter names
// exactly.
func (m *AdapterModel) LoadAdapterStateDict(state map[string]Tensor) error {
	expected := m.AdapterStateDict()
	if err := checkKeys(expected, state); err != nil {
		return err
	}
	for name, incoming := range state {
		if !shapeEqual(expected[name].Shape, incoming.Shape) {
			return NewModelLoadError("adapter parameter %s: shape %v does not match expected %v",
				name, incoming.Shape, expected[name].Shape)
		}
		target, side := splitLoraParamName(name)
		pair := m.adapters[target]
		clone := incoming.Clone()
		clone.Trainable = true
		if side == "lora_A" {
			pair.A = clone
		} else {
			pair.B = clone
		}
	}
	return nil
}

func (m *AdapterModel) parameterCounts() (trainable, total int) {
	for _, t := range m.StateDict() {
		n := len(t.Data)
		total += n
		if t.Trainable {
			trainable += n
		}
	}
	return trainable, total
}

// loraParamName derives the adapter parameter name for a target module,
// e.g. transformer.h.0.attn.q_proj.lora_A.weight.
func loraParamName(target, side string) string {
	return strings.TrimSuffix(target, ".weight") + "." + side + ".weight"
}

func splitLoraParamName(name string) (target, side string) {
	switch {
	case strings.Contains(name, ".lora_A."):
		return strings.Replace(name, ".lora_A.", ".", 1), "lora_A"
	default:
		return strings.Replace(name, ".lora_B.", ".", 1), "lora_B"
	}
}
