// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"
	"fmt"
)

// Dtype is a numeric precision tag carried by a model instance. Storage is
// always float32 in-process; the tag records the precision the weights are
// persisted and trained at.
type Dtype string

const (
	Float32  Dtype = "float32"
	Float16  Dtype = "float16"
	BFloat16 Dtype = "bfloat16"
)

// ParseDtype maps a config dtype string to a [Dtype].
func ParseDtype(s string) (Dtype, error) {
	switch Dtype(s) {
	case Float32, Float16, BFloat16:
		return Dtype(s), nil
	default:
		return "", NewModelLoadError("unknown dtype %q", s)
	}
}

// Tensor is a named parameter's value: a dense float32 buffer with a shape.
// Trainable marks whether the optimizer may update it.
type Tensor struct {
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	Trainable bool      `json:"trainable"`
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(trainable bool, shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: shape, Data: make([]float32, n), Trainable: trainable}
}

// Clone returns an independent copy of the tensor.
func (t Tensor) Clone() Tensor {
	out := Tensor{Shape: append([]int(nil), t.Shape...), Trainable: t.Trainable}
	out.Data = append([]float32(nil), t.Data...)
	return out
}

// MatVec multiplies a [rows, cols] tensor by a cols-length vector.
func (t Tensor) MatVec(v []float32) ([]float32, error) {
	if len(t.Shape) != 2 || t.Shape[1] != len(v) {
		return nil, fmt.Errorf("matvec: shape %v incompatible with vector of length %d", t.Shape, len(v))
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, rows)
	for r := 0; r < rows; r++ {
		var sum float32
		row := t.Data[r*cols : (r+1)*cols]
		for c, x := range v {
			sum += row[c] * x
		}
		out[r] = sum
	}
	return out, nil
}

// Module is one node of a model's module tree. A non-nil Dropout means the
// module exposes a dropout probability that [DisableDropout] may zero.
type Module struct {
	Name     string
	Dropout  *float64
	Children []*Module
}

// Model is the full capability contract consumed by trainers, checkpoints
// and the reference-model machinery: forward pass, generation, train/eval
// mode toggling and query, and state-dict export/import.
type Model interface {
	// Forward computes next-token logits for a token sequence.
	Forward(ctx context.Context, input []int) ([]float32, error)

	// Generate greedily extends prompt by up to maxNewTokens tokens.
	Generate(ctx context.Context, prompt []int, maxNewTokens int) ([]int, error)

	// SetTraining switches the model between training and evaluation mode.
	SetTraining(training bool)

	// Training reports whether the model is in training mode.
	Training() bool

	// StateDict returns an independent copy of every named parameter.
	StateDict() map[string]Tensor

	// LoadStateDict replaces parameter values. The keys must match the
	// model's expected parameter names exactly.
	LoadStateDict(state map[string]Tensor) error
}

// DisableDropout recursively zeroes the dropout probability of every module
// in the tree that exposes one. It is a pure side effect on the model's
// configuration, applied once right after loading.
func DisableDropout(root *Module) {
	if root == nil {
		return
	}
	if root.Dropout != nil {
		*root.Dropout = 0
	}
	for _, child := range root.Children {
		DisableDropout(child)
	}
}
