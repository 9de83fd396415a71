// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"strings"
)

// AdapterDisabledProxy presents an adapter-augmented policy model as if the
// adapter were never attached, without materializing a second model. Every
// call forces evaluation mode, suppresses the adapter contribution for the
// duration of the call, and restores both afterwards; restoration runs on
// error paths too.
//
// The proxy mutates shared mode state on the wrapped model for the duration
// of each call. Calls from multiple goroutines into the same proxy must be
// serialized by the caller.
type AdapterDisabledProxy struct {
	wrapped AdapterToggler
}

var _ Model = (*AdapterDisabledProxy)(nil)

// NewAdapterDisabledProxy wraps an adapter-augmented model.
func NewAdapterDisabledProxy(wrapped AdapterToggler) *AdapterDisabledProxy {
	return &AdapterDisabledProxy{wrapped: wrapped}
}

// Wrapped returns the underlying adapter-augmented model.
func (p *AdapterDisabledProxy) Wrapped() AdapterToggler { return p.wrapped }

// asBase runs fn against base-model-only behavior: eval mode, adapter
// suppressed, both restored when fn returns or fails.
func (p *AdapterDisabledProxy) asBase(fn func() error) error {
	wasTraining := p.wrapped.Training()
	p.wrapped.SetTraining(false)
	defer func() {
		if wasTraining {
			p.wrapped.SetTraining(true)
		}
	}()
	return p.wrapped.WithAdapterDisabled(fn)
}

// Forward implements [Model] with base-model-only behavior.
func (p *AdapterDisabledProxy) Forward(ctx context.Context, input []int) ([]float32, error) {
	var out []float32
	err := p.asBase(func() error {
		var ferr error
		out, ferr = p.wrapped.Forward(ctx, input)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Generate implements [Model] with base-model-only behavior.
func (p *AdapterDisabledProxy) Generate(ctx context.Context, prompt []int, maxNewTokens int) ([]int, error) {
	var out []int
	err := p.asBase(func() error {
		var gerr error
		out, gerr = p.wrapped.Generate(ctx, prompt, maxNewTokens)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetTraining implements [Model]. The proxy is a frozen reference and owns
// no mode of its own; toggling it is a no-op so the wrapped policy's mode
// stays untouched.
func (p *AdapterDisabledProxy) SetTraining(training bool) {}

// Training implements [Model]; the reference never trains.
func (p *AdapterDisabledProxy) Training() bool { return false }

// StateDict implements [Model], returning only the base parameters the
// proxy's behavior is defined by.
func (p *AdapterDisabledProxy) StateDict() map[string]Tensor {
	var out map[string]Tensor
	// StateDict cannot fail; asBase only propagates fn's error.
	_ = p.asBase(func() error {
		all := p.wrapped.StateDict()
		out = make(map[string]Tensor, len(all))
		for name, t := range all {
			if !isLoraParam(name) {
				out[name] = t
			}
		}
		return nil
	})
	return out
}

// LoadStateDict implements [Model]. The proxy owns no weights; loading into
// it is an error.
func (p *AdapterDisabledProxy) LoadStateDict(state map[string]Tensor) error {
	return NewModelLoadError("adapter-disabled proxy owns no weights; load into the policy model instead")
}

func isLoraParam(name string) bool {
	return strings.Contains(name, ".lora_A.") || strings.Contains(name, ".lora_B.")
}
