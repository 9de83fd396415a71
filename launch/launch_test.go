// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package launch_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/internal/ptr"
	"github.com/Pasewark/DPO-arithmetic/launch"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/trainer"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testConfig(t *testing.T, trainerTag string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		ExpName:     "launch_test",
		Trainer:     trainerTag,
		Seed:        0,
		BatchSize:   4,
		EvalEvery:   8,
		Debug:       true,
		NExamples:   ptr.To(16),
		LocalDirs:   []string{t.TempDir()},
		LocalRunDir: t.TempDir(),
		FSDPPort:    freePort(t),
		Model: config.ModelConfig{
			NameOrPath:     "pythia-2.8b",
			PolicyDtype:    "float32",
			ReferenceDtype: "float32",
		},
		Loss: config.LossConfig{Name: "dpo"},
	}
	if err := cfg.Validate(t.Context()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestWorldSize(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1,2")
	if got := launch.WorldSize(trainer.Basic); got != 1 {
		t.Errorf("WorldSize(Basic) = %d, want 1", got)
	}
	if got := launch.WorldSize(trainer.TensorParallel); got != 1 {
		t.Errorf("WorldSize(TensorParallel) = %d, want 1", got)
	}
	if got := launch.WorldSize(trainer.FSDP); got != 3 {
		t.Errorf("WorldSize(FSDP) = %d, want 3", got)
	}
}

func TestBuildModels_WithAdapters(t *testing.T) {
	cfg := testConfig(t, "BasicTrainer")
	cfg.Lora.Enabled = true
	cfg.Lora.R = ptr.To(2)

	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}
	if _, ok := m.Policy.(*model.AdapterModel); !ok {
		t.Errorf("policy = %T, want *model.AdapterModel", m.Policy)
	}
	if _, ok := m.Reference.(*model.AdapterDisabledProxy); !ok {
		t.Errorf("reference = %T, want *model.AdapterDisabledProxy", m.Reference)
	}
}

func TestBuildModels_RestoresArchive(t *testing.T) {
	// Produce an archive with perturbed weights at step 42.
	origin, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	state := origin.StateDict()
	head := state["lm_head.weight"]
	head.Data[0] = 12345
	state["lm_head.weight"] = head
	if err := origin.LoadStateDict(state); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	archive := t.TempDir()
	metrics := map[string]any{"loss": 1.5}
	if err := checkpoint.Save(archive, checkpoint.PolicyFile, checkpoint.FromModel(origin, 42, metrics)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg := testConfig(t, "BasicTrainer")
	cfg.Model.Archive = ptr.To(archive)

	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}
	if m.StartStep != 42 {
		t.Errorf("StartStep = %d, want 42", m.StartStep)
	}
	if got := m.Policy.StateDict()["lm_head.weight"].Data[0]; got != 12345 {
		t.Errorf("policy weight not restored, got %v", got)
	}
	// Full-weights mode restores the frozen reference to the same state.
	if got := m.Reference.StateDict()["lm_head.weight"].Data[0]; got != 12345 {
		t.Errorf("reference weight not restored, got %v", got)
	}
}

func TestRun_SingleWorkerInProcess(t *testing.T) {
	cfg := testConfig(t, "BasicTrainer")
	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}

	l := launch.New()
	l.Spawn = func(ctx context.Context, rank, worldSize int, cfg *config.Config) error {
		t.Error("single-worker topology must not spawn processes")
		return nil
	}

	if err := l.Run(t.Context(), cfg, m); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := checkpoint.Load(filepath.Join(cfg.LocalRunDir, "LATEST"), checkpoint.PolicyFile); err != nil {
		t.Errorf("final checkpoint missing: %v", err)
	}
}

func TestRun_MultiWorkerTopology(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	cfg := testConfig(t, "FSDPTrainer")
	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}

	var mu sync.Mutex
	var ranks []int
	l := launch.New()
	l.Spawn = func(ctx context.Context, rank, worldSize int, cfg *config.Config) error {
		mu.Lock()
		ranks = append(ranks, rank)
		mu.Unlock()
		if worldSize != 2 {
			t.Errorf("worldSize = %d, want 2", worldSize)
		}
		return nil
	}

	if err := l.Run(t.Context(), cfg, m); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sort.Ints(ranks)
	if diff := cmp.Diff([]int{0, 1}, ranks); diff != "" {
		t.Errorf("spawned ranks mismatch (-want +got):\n%s", diff)
	}

	// The transfer contract: weights staged under the run dir for workers.
	if _, err := os.Stat(filepath.Join(cfg.LocalRunDir, "stage", checkpoint.PolicyFile)); err != nil {
		t.Errorf("staged policy weights missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.LocalRunDir, "stage", checkpoint.ReferenceFile)); err != nil {
		t.Errorf("staged reference weights missing: %v", err)
	}
}

func TestRun_FailureSurfacesAfterAllWorkersJoin(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1,2")
	cfg := testConfig(t, "FSDPTrainer")
	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}

	var mu sync.Mutex
	spawned := 0
	l := launch.New()
	l.Spawn = func(ctx context.Context, rank, worldSize int, cfg *config.Config) error {
		mu.Lock()
		spawned++
		mu.Unlock()
		if rank == 1 {
			return errors.New("rendezvous failed")
		}
		return nil
	}

	err = l.Run(t.Context(), cfg, m)
	if err == nil {
		t.Fatal("Run should report the failed worker")
	}
	if spawned != 3 {
		t.Errorf("spawned = %d workers, want all 3 despite the failure", spawned)
	}
}

func TestRunWorkerProcess_EndToEnd(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	cfg := testConfig(t, "FSDPTrainer")
	m, err := launch.BuildModels(t.Context(), cfg)
	if err != nil {
		t.Fatalf("BuildModels: %v", err)
	}

	snapshot := filepath.Join(cfg.LocalRunDir, config.SnapshotName)
	if err := cfg.Save(snapshot); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Run the worker bodies in-process; the rendezvous still goes over TCP.
	l := launch.New()
	l.Spawn = func(ctx context.Context, rank, worldSize int, cfg *config.Config) error {
		return launch.RunWorkerProcess(ctx, snapshot, rank, worldSize)
	}

	if err := l.Run(t.Context(), cfg, m); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ckpt, err := checkpoint.Load(filepath.Join(cfg.LocalRunDir, "LATEST"), checkpoint.PolicyFile)
	if err != nil {
		t.Fatalf("final checkpoint missing: %v", err)
	}
	if ckpt.StepIdx == 0 {
		t.Error("final checkpoint has zero step index")
	}
}
