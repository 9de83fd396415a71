// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package checkpoint_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/model"
)

func TestRoundTrip(t *testing.T) {
	m, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}

	dir := t.TempDir()
	metrics := map[string]any{"loss": 0.42, "examples": float64(96)}
	saved := checkpoint.FromModel(m, 96, metrics)
	if err := checkpoint.Save(dir, checkpoint.PolicyFile, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := checkpoint.Load(dir, checkpoint.PolicyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.StepIdx != 96 {
		t.Errorf("StepIdx = %d, want 96", loaded.StepIdx)
	}
	if diff := cmp.Diff(metrics, loaded.Metrics); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	fresh, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	if err := loaded.ApplyTo(fresh); err != nil {
		t.Fatalf("ApplyTo: %v", err)
	}
	if diff := cmp.Diff(m.StateDict(), fresh.StateDict()); diff != "" {
		t.Errorf("restored weights differ (-want +got):\n%s", diff)
	}
}

func TestLoad_Absent(t *testing.T) {
	_, err := checkpoint.Load(t.TempDir(), checkpoint.PolicyFile)
	if err == nil {
		t.Fatal("Load should fail for an absent checkpoint")
	}
	var cerr checkpoint.CheckpointError
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a CheckpointError", err)
	}
}

func TestApplyTo_KeyMismatch(t *testing.T) {
	// Checkpoints from one architecture must not load into another.
	pythia, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	llama, err := model.LoadPretrained(t.Context(), "llama-7b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}

	ckpt := checkpoint.FromModel(pythia, 0, nil)
	err = ckpt.ApplyTo(llama)
	if err == nil {
		t.Fatal("ApplyTo should fail on mismatched parameter names")
	}
	var cerr checkpoint.CheckpointError
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a CheckpointError", err)
	}
}

func TestSave_Replaces(t *testing.T) {
	m, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	dir := t.TempDir()

	if err := checkpoint.Save(dir, checkpoint.PolicyFile, checkpoint.FromModel(m, 10, nil)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := checkpoint.Save(dir, checkpoint.PolicyFile, checkpoint.FromModel(m, 20, nil)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := checkpoint.Load(dir, checkpoint.PolicyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.StepIdx != 20 {
		t.Errorf("StepIdx = %d, want the replacing record's 20", loaded.StepIdx)
	}
}
