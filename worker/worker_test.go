// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/internal/ptr"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/worker"
)

func workerOptions(t *testing.T) worker.Options {
	t.Helper()

	cfg := &config.Config{
		ExpName:     "worker_test",
		Trainer:     "BasicTrainer",
		BatchSize:   4,
		EvalEvery:   8,
		NExamples:   ptr.To(16),
		LocalDirs:   []string{t.TempDir()},
		LocalRunDir: t.TempDir(),
		Model:       config.ModelConfig{NameOrPath: "pythia-2.8b", PolicyDtype: "float32", ReferenceDtype: "float32"},
		Loss:        config.LossConfig{Name: "sft"},
	}

	policy, err := model.LoadPretrained(t.Context(), cfg.Model.NameOrPath)
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	return worker.Options{Rank: 0, WorldSize: 1, Config: cfg, Policy: policy}
}

func TestRun_TrainsAndSaves(t *testing.T) {
	opts := workerOptions(t)
	if err := worker.Run(t.Context(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ckpt, err := checkpoint.Load(filepath.Join(opts.Config.LocalRunDir, "LATEST"), checkpoint.PolicyFile)
	if err != nil {
		t.Fatalf("final checkpoint missing: %v", err)
	}
	if ckpt.StepIdx != 16 {
		t.Errorf("final StepIdx = %d, want 16", ckpt.StepIdx)
	}
}

func TestRun_UnknownVariant(t *testing.T) {
	opts := workerOptions(t)
	opts.Config.Trainer = "PPOTrainer"

	err := worker.Run(t.Context(), opts)
	if err == nil {
		t.Fatal("Run should reject an unknown trainer variant")
	}
	var cerr config.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error %v is not a ConfigError", err)
	}
}

func TestRun_TracksOnRankZero(t *testing.T) {
	opts := workerOptions(t)
	opts.Config.Wandb = config.WandbConfig{Enabled: true, Entity: "team", Project: "dpo"}

	if err := worker.Run(t.Context(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := filepath.Join(opts.Config.LocalRunDir, "events.jsonl")
	if _, err := os.Stat(events); err != nil {
		t.Errorf("event log missing: %v", err)
	}
}

func TestRun_DebugDisablesTracking(t *testing.T) {
	opts := workerOptions(t)
	opts.Config.Debug = true
	opts.Config.Wandb = config.WandbConfig{Enabled: true, Entity: "team", Project: "dpo"}

	if err := worker.Run(t.Context(), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := filepath.Join(opts.Config.LocalRunDir, "events.jsonl")
	if _, err := os.Stat(events); err == nil {
		t.Error("debug mode wrote an event log")
	}
}
