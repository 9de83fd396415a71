// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package trainer owns the training loop contract and the closed set of
// trainer variants.
//
// The variant tag in the run config is resolved through [New]; an unknown
// tag is a fatal [config.ConfigError]. BasicTrainer and TensorParallelTrainer
// run single-process; FSDPTrainer is the distributed variant and requires a
// formed process group.
package trainer

import (
	"context"

	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/tracker"
)

// Variant is a trainer variant tag.
type Variant string

const (
	// Basic runs the whole model on one process.
	Basic Variant = "BasicTrainer"
	// FSDP shards the model across one worker process per device.
	FSDP Variant = "FSDPTrainer"
	// TensorParallel splits layers across devices inside one process.
	TensorParallel Variant = "TensorParallelTrainer"
)

// variants is the closed set; the factory is exhaustive over it.
var variants = map[Variant]bool{Basic: true, FSDP: true, TensorParallel: true}

// ParseVariant resolves a config tag to a [Variant]. Unknown tags fail with
// a [config.ConfigError].
func ParseVariant(tag string) (Variant, error) {
	v := Variant(tag)
	if !variants[v] {
		return "", config.NewConfigError("unknown trainer variant %q", tag)
	}
	return v, nil
}

// Distributed reports whether the variant requires distributed
// data-/model-parallel execution across worker processes.
func (v Variant) Distributed() bool {
	return v == FSDP
}

// Trainer owns the optimization loop. Train blocks until the loop completes
// or fails; Save persists the final checkpoint.
type Trainer interface {
	Train(ctx context.Context) error
	Save(ctx context.Context) error
}

// Params is everything a trainer is constructed with.
type Params struct {
	Policy    model.Model
	Reference model.Model // nil when the loss needs no reference
	Config    *config.Config
	Seed      int
	RunDir    string
	Rank      int
	WorldSize int
	Tracker   tracker.Tracker

	// StartStep and StartMetrics seed the loop when resuming from a
	// restored checkpoint; zero values mean a fresh run.
	StartStep    int
	StartMetrics map[string]any
}

// New constructs the concrete trainer for the variant.
func New(variant Variant, p Params) (Trainer, error) {
	if p.Tracker == nil {
		p.Tracker = tracker.Noop{}
	}
	switch variant {
	case Basic:
		return newBasic(p), nil
	case FSDP:
		return newFSDP(p), nil
	case TensorParallel:
		return newTensorParallel(p), nil
	default:
		return nil, config.NewConfigError("unknown trainer variant %q", variant)
	}
}
