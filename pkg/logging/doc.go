// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging provides context-based structured logging using Go's standard slog package.
//
// Loggers are stored in and retrieved from [context.Context] values so that a
// single logger configured at process start (or per worker rank) propagates
// through the whole run without plumbing an extra parameter everywhere:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("rank", rank)
//	ctx = logging.NewContext(ctx, logger)
//
//	// anywhere below:
//	logging.FromContext(ctx).Info("building policy", "model", cfg.Model.NameOrPath)
//
// When no logger is present in the context, FromContext returns a default
// JSON logger writing to stdout at INFO level, so logging always works.
package logging
