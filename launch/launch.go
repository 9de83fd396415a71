// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch decides the process topology of a run and starts its
// workers.
//
// Distributed trainer variants get one worker process per available device;
// everything else runs the worker body directly in the calling process as
// rank 0, with no process-group machinery. Worker processes are real OS
// processes (the binary re-execs itself); models cross the process boundary
// through an explicit transfer contract: the parent stages weights under
// <run_dir>/stage/ and every worker reloads from there. The parent blocks
// until all workers have exited and reports the combined outcome; there is
// no early-cancellation path.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/internal/device"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
	"github.com/Pasewark/DPO-arithmetic/trainer"
	"github.com/Pasewark/DPO-arithmetic/worker"
)

// stageDirName is the weight-staging directory under the run dir.
const stageDirName = "stage"

// SpawnFunc starts the worker process for one rank and blocks until it
// exits. It is injectable for tests; the default re-execs the binary.
type SpawnFunc func(ctx context.Context, rank, worldSize int, cfg *config.Config) error

// Launcher starts the workers of one run.
type Launcher struct {
	Spawn SpawnFunc
}

// New returns a launcher spawning real worker processes.
func New() *Launcher {
	return &Launcher{Spawn: execSpawn}
}

// WorldSize returns the worker count for the configured trainer variant:
// the device count for distributed variants, 1 otherwise.
func WorldSize(variant trainer.Variant) int {
	if variant.Distributed() {
		return device.Count()
	}
	return 1
}

// Run launches the run's workers and blocks until every one of them has
// finished. The returned error aggregates every worker failure; success
// requires all workers to complete cleanly.
func (l *Launcher) Run(ctx context.Context, cfg *config.Config, m *Models) error {
	logger := logging.FromContext(ctx)

	variant, err := trainer.ParseVariant(cfg.Trainer)
	if err != nil {
		return err
	}
	worldSize := WorldSize(variant)

	if worldSize == 1 {
		logger.Info("starting single-process worker")
		workerCfg, err := cfg.Copy()
		if err != nil {
			return err
		}
		return worker.Run(ctx, worker.Options{
			Rank:         0,
			WorldSize:    1,
			Config:       workerCfg,
			Policy:       m.Policy,
			Reference:    m.Reference,
			StartStep:    m.StartStep,
			StartMetrics: m.StartMetrics,
		})
	}

	logger.Info("starting worker processes", "world_size", worldSize, "variant", cfg.Trainer)
	if err := stage(cfg, m); err != nil {
		return err
	}

	// Join semantics: every worker is waited on; failures surface only
	// after all workers have exited.
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := l.Spawn(ctx, rank, worldSize, cfg); err != nil {
				errs[rank] = fmt.Errorf("worker rank %d: %w", rank, err)
			}
		}(rank)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// execSpawn re-execs this binary as the worker for one rank and waits for it.
func execSpawn(ctx context.Context, rank, worldSize int, cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	snapshot := filepath.Join(cfg.LocalRunDir, config.SnapshotName)

	cmd := exec.Command(exe,
		"--config", snapshot,
		"--worker-rank", strconv.Itoa(rank),
		"--world-size", strconv.Itoa(worldSize),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd.Run()
}

// stage writes the constructed models under <run_dir>/stage/ for workers to
// reload: the policy record always, the adapter weights when present, and
// the reference record when the reference is a frozen copy rather than a
// proxy.
func stage(cfg *config.Config, m *Models) error {
	dir := filepath.Join(cfg.LocalRunDir, stageDirName)

	if err := checkpoint.Save(dir, checkpoint.PolicyFile,
		checkpoint.FromModel(m.Policy, m.StartStep, m.StartMetrics)); err != nil {
		return err
	}
	if am, ok := m.Policy.(*model.AdapterModel); ok {
		adapter := &checkpoint.Checkpoint{StepIdx: m.StartStep, Metrics: m.StartMetrics, State: am.AdapterStateDict()}
		if err := checkpoint.Save(dir, checkpoint.AdapterFile, adapter); err != nil {
			return err
		}
	}
	if _, isProxy := m.Reference.(*model.AdapterDisabledProxy); m.Reference != nil && !isProxy {
		if err := checkpoint.Save(dir, checkpoint.ReferenceFile,
			checkpoint.FromModel(m.Reference, m.StartStep, m.StartMetrics)); err != nil {
			return err
		}
	}
	return nil
}

// RunWorkerProcess is the body of a spawned worker: it reloads the resolved
// config snapshot and the staged weights, reconstructs its own model copies,
// and runs the worker to completion.
func RunWorkerProcess(ctx context.Context, cfgPath string, rank, worldSize int) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	// The snapshot is already resolved and adjusted; re-validation is a no-op.
	if err := cfg.Validate(ctx); err != nil {
		return err
	}

	dir := filepath.Join(cfg.LocalRunDir, stageDirName)
	ckpt, err := checkpoint.Load(dir, checkpoint.PolicyFile)
	if err != nil {
		return err
	}

	dtype, err := model.ParseDtype(cfg.Model.PolicyDtype)
	if err != nil {
		return err
	}
	base, err := model.LoadPretrained(ctx, cfg.Model.NameOrPath,
		model.WithDtype(dtype), model.WithLowMemory(true))
	if err != nil {
		return err
	}

	var policy model.Model = base
	if cfg.Lora.Enabled {
		am, err := model.AttachLoRA(ctx, base, loraSettings(cfg))
		if err != nil {
			return err
		}
		policy = am
	}
	if err := ckpt.ApplyTo(policy); err != nil {
		return err
	}

	reference, err := model.BuildReference(ctx, cfg, policy)
	if err != nil {
		return err
	}
	if _, isProxy := reference.(*model.AdapterDisabledProxy); reference != nil && !isProxy {
		refCkpt, err := checkpoint.Load(dir, checkpoint.ReferenceFile)
		if err != nil {
			return err
		}
		if err := refCkpt.ApplyTo(reference); err != nil {
			return err
		}
	}

	return worker.Run(ctx, worker.Options{
		Rank:         rank,
		WorldSize:    worldSize,
		Config:       cfg,
		Policy:       policy,
		Reference:    reference,
		StartStep:    ckpt.StepIdx,
		StartMetrics: ckpt.Metrics,
	})
}
