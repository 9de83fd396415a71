// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists and restores training state: a step index, a
// metrics record and a weights mapping.
//
// A checkpoint directory holds the policy record in policy.json. Adapter-mode
// checkpoints additionally store the adapter weights separately in
// adapter.json so they can be merged onto a freshly constructed base model on
// resume. Checkpoints are never mutated in place, only replaced.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/Pasewark/DPO-arithmetic/model"
)

const (
	// PolicyFile is the policy record inside a checkpoint directory.
	PolicyFile = "policy.json"
	// AdapterFile holds adapter weights separately in adapter-mode checkpoints.
	AdapterFile = "adapter.json"
	// ReferenceFile is the frozen reference record in a staging directory.
	ReferenceFile = "reference.json"
)

// CheckpointError is the error type for an absent, unreadable or
// key-mismatched checkpoint. It is fatal and aborts before training starts.
type CheckpointError string

// NewCheckpointError formats a new [CheckpointError].
func NewCheckpointError(format string, a ...any) error {
	return CheckpointError(fmt.Sprintf(format, a...))
}

// Error returns a string representation of the [CheckpointError].
func (e CheckpointError) Error() string {
	return string(e)
}

// Checkpoint is one persisted training snapshot.
type Checkpoint struct {
	StepIdx int                     `json:"step_idx"`
	Metrics map[string]any          `json:"metrics"`
	State   map[string]model.Tensor `json:"state"`
}

// Save writes the checkpoint record to the named file inside dir, replacing
// any previous record.
func Save(dir, file string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewCheckpointError("creating checkpoint dir %s: %v", dir, err)
	}
	data, err := sonic.Marshal(ckpt)
	if err != nil {
		return NewCheckpointError("encoding checkpoint: %v", err)
	}
	path := filepath.Join(dir, file)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return NewCheckpointError("writing checkpoint %s: %v", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewCheckpointError("writing checkpoint %s: %v", path, err)
	}
	return nil
}

// Load reads the named checkpoint record from dir. An absent or unreadable
// record fails with a [CheckpointError].
func Load(dir, file string) (*Checkpoint, error) {
	path := filepath.Join(dir, file)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewCheckpointError("reading checkpoint %s: %v", path, err)
	}
	var ckpt Checkpoint
	if err := sonic.Unmarshal(data, &ckpt); err != nil {
		return nil, NewCheckpointError("decoding checkpoint %s: %v", path, err)
	}
	return &ckpt, nil
}

// ApplyTo loads the checkpoint's weights into m. Weight keys must match the
// model's expected parameter names exactly; a mismatch fails with a
// [CheckpointError].
func (c *Checkpoint) ApplyTo(m model.Model) error {
	if err := m.LoadStateDict(c.State); err != nil {
		return NewCheckpointError("loading weights: %v", err)
	}
	return nil
}

// FromModel captures m's current weights with the given step and metrics.
func FromModel(m model.Model, stepIdx int, metrics map[string]any) *Checkpoint {
	return &Checkpoint{StepIdx: stepIdx, Metrics: metrics, State: m.StateDict()}
}
