// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker records experiment runs: metadata, the flattened config,
// and step metrics.
//
// The [Tracker] interface has two implementations selected once at worker
// start and passed explicitly: [RunLog] appends JSONL events under the run
// directory, and [Noop] discards everything (debug mode, and every rank
// other than 0). No global state is mutated either way.
package tracker

import "context"

// Run is the metadata a tracked run is registered with.
type Run struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Entity  string `json:"entity,omitempty"`
	Project string `json:"project,omitempty"`
}

// Tracker records one experiment run.
type Tracker interface {
	// Init registers the run with its metadata and the full resolved config
	// as a flat record. Called once, before training, on rank 0 only.
	Init(ctx context.Context, run Run, flatConfig map[string]any) error

	// Log records step metrics.
	Log(ctx context.Context, stepIdx int, metrics map[string]any) error

	// Finish flushes and closes the run.
	Finish(ctx context.Context) error
}

// Noop is a [Tracker] that discards everything.
type Noop struct{}

var _ Tracker = Noop{}

// Init implements [Tracker].
func (Noop) Init(ctx context.Context, run Run, flatConfig map[string]any) error { return nil }

// Log implements [Tracker].
func (Noop) Log(ctx context.Context, stepIdx int, metrics map[string]any) error { return nil }

// Finish implements [Tracker].
func (Noop) Finish(ctx context.Context) error { return nil }
