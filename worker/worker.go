// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker runs the per-rank body of a training run.
//
// Each rank, in order: process-group rendezvous when the trainer variant is
// distributed (fatal on failure, no retry), tracker selection (rank 0 with
// tracking enabled gets the real tracker, debug mode and other ranks get the
// no-op), trainer construction by variant, the training loop, and final
// persistence.
package worker

import (
	"context"
	"os"

	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/distributed"
	"github.com/Pasewark/DPO-arithmetic/internal/localdir"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
	"github.com/Pasewark/DPO-arithmetic/tracker"
	"github.com/Pasewark/DPO-arithmetic/trainer"
)

// Options is the per-rank initialization state.
type Options struct {
	Rank      int
	WorldSize int
	Config    *config.Config
	Policy    model.Model
	Reference model.Model // nil when the loss needs no reference

	// StartStep and StartMetrics come from a restored checkpoint.
	StartStep    int
	StartMetrics map[string]any
}

// Run executes one worker to completion.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	logger := logging.FromContext(ctx).With("rank", opts.Rank)
	ctx = logging.NewContext(ctx, logger)

	variant, err := trainer.ParseVariant(cfg.Trainer)
	if err != nil {
		return err
	}

	if variant.Distributed() {
		if _, err := distributed.Rendezvous(ctx, opts.Rank, opts.WorldSize, cfg.FSDPPort); err != nil {
			return err
		}
	}

	tk, err := selectTracker(ctx, opts)
	if err != nil {
		return err
	}
	defer tk.Finish(ctx)

	logger.Info("creating trainer", "variant", cfg.Trainer, "world_size", opts.WorldSize)
	tr, err := trainer.New(variant, trainer.Params{
		Policy:       opts.Policy,
		Reference:    opts.Reference,
		Config:       cfg,
		Seed:         cfg.Seed,
		RunDir:       cfg.LocalRunDir,
		Rank:         opts.Rank,
		WorldSize:    opts.WorldSize,
		Tracker:      tk,
		StartStep:    opts.StartStep,
		StartMetrics: opts.StartMetrics,
	})
	if err != nil {
		return err
	}

	if err := tr.Train(ctx); err != nil {
		return err
	}
	return tr.Save(ctx)
}

// selectTracker picks the tracker once for this worker's lifetime: debug
// mode and non-zero ranks always get the no-op.
func selectTracker(ctx context.Context, opts Options) (tracker.Tracker, error) {
	cfg := opts.Config
	if cfg.Debug || opts.Rank != 0 || !cfg.Wandb.Enabled {
		return tracker.Noop{}, nil
	}

	cacheDir, err := localdir.First(cfg.LocalDirs)
	if err != nil {
		return nil, err
	}
	if err := os.Setenv("WANDB_CACHE_DIR", cacheDir); err != nil {
		return nil, err
	}

	flat, err := cfg.Flatten()
	if err != nil {
		return nil, err
	}
	tk := tracker.NewRunLog(cfg.LocalRunDir)
	run := tracker.Run{Name: cfg.ExpName, Entity: cfg.Wandb.Entity, Project: cfg.Wandb.Project}
	if err := tk.Init(ctx, run, flat); err != nil {
		return nil, err
	}
	return tk, nil
}
