// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Command dpo-train orchestrates one preference fine-tuning run: it resolves
// and validates the run config, builds the policy and reference models,
// restores a prior checkpoint when configured, and launches the worker
// process(es). Invoked with --worker-rank it runs as a spawned worker
// instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/internal/localdir"
	"github.com/Pasewark/DPO-arithmetic/launch"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the run config YAML")
		workerRank = flag.Int("worker-rank", -1, "internal: run as the worker for this rank")
		worldSize  = flag.Int("world-size", 1, "internal: world size for a spawned worker")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := logging.NewContext(context.Background(), logger)

	if err := run(ctx, *configPath, *workerRank, *worldSize); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, workerRank, worldSize int) error {
	if configPath == "" {
		return config.NewConfigError("--config is required")
	}

	// Spawned worker path: the snapshot is already resolved, the weights
	// are staged; just run the rank body.
	if workerRank >= 0 {
		return launch.RunWorkerProcess(ctx, configPath, workerRank, worldSize)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.LocalRunDir == "" || cfg.LocalRunDir == config.Unresolved {
		runDir, err := localdir.RunDir(cfg.ExpName, cfg.LocalDirs, time.Now())
		if err != nil {
			return err
		}
		cfg.LocalRunDir = runDir
	}

	if err := cfg.Validate(ctx); err != nil {
		return err
	}

	if err := cfg.Save(filepath.Join(cfg.LocalRunDir, config.SnapshotName)); err != nil {
		return err
	}

	host, _ := os.Hostname()
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Writing to %s:%s\n", host, cfg.LocalRunDir)
	fmt.Println(strings.Repeat("=", 80))

	// Cache env must be in place before any model loading.
	if err := localdir.SetCacheEnv(cfg.LocalDirs); err != nil {
		return err
	}

	models, err := launch.BuildModels(ctx, cfg)
	if err != nil {
		return err
	}

	return launch.New().Run(ctx, cfg, models)
}
