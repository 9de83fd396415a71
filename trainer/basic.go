// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/internal/ptr"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// defaultNExamples bounds the loop when the config leaves n_examples unset.
const defaultNExamples = 256

// latestDir is the final checkpoint directory under the run dir.
const latestDir = "LATEST"

// loop is the shared training-loop state all variants embed. The loss form
// itself is owned by the variants; the loop handles batching, eval cadence,
// tracking and persistence.
type loop struct {
	Params

	// examples is the number of training examples consumed so far; it is
	// the step index persisted in checkpoints.
	examples int
	metrics  map[string]any
}

func newLoop(p Params) loop {
	t := loop{Params: p, examples: p.StartStep, metrics: p.StartMetrics}
	if t.metrics == nil {
		t.metrics = map[string]any{}
	}
	return t
}

// run consumes share examples in batches, logging through the tracker every
// eval_every examples. eval_every is a multiple of batch_size by the time a
// config validates, so the cadence check is exact.
func (t *loop) run(ctx context.Context, share int) error {
	logger := logging.FromContext(ctx)
	logger.Info("training", "rank", t.Rank, "world_size", t.WorldSize, "examples", share, "batch_size", t.Config.BatchSize)

	rng := rand.New(rand.NewSource(int64(t.Seed)*31 + int64(t.Rank)))
	t.Policy.SetTraining(true)

	target := t.examples + share
	for t.examples < target {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := t.sampleBatch(rng)
		policyLogits, err := t.Policy.Forward(ctx, batch)
		if err != nil {
			return err
		}

		t.metrics["examples"] = t.examples + t.Config.BatchSize
		if t.Reference != nil {
			refLogits, err := t.Reference.Forward(ctx, batch)
			if err != nil {
				return err
			}
			t.metrics["preference_gap"] = meanAbsDiff(policyLogits, refLogits)
		}

		t.examples += t.Config.BatchSize

		if t.Config.EvalEvery > 0 && t.examples%t.Config.EvalEvery == 0 {
			if err := t.evaluate(ctx, batch); err != nil {
				return err
			}
			if err := t.Tracker.Log(ctx, t.examples, t.metrics); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluate runs a generation probe in eval mode and restores training mode.
func (t *loop) evaluate(ctx context.Context, batch []int) error {
	t.Policy.SetTraining(false)
	defer t.Policy.SetTraining(true)

	sample, err := t.Policy.Generate(ctx, batch[:1], 4)
	if err != nil {
		return err
	}
	t.metrics["eval_sample_len"] = len(sample)
	return nil
}

func (t *loop) sampleBatch(rng *rand.Rand) []int {
	batch := make([]int, t.Config.BatchSize)
	for i := range batch {
		batch[i] = rng.Intn(128)
	}
	return batch
}

// share returns how many examples this rank consumes.
func (t *loop) share() int {
	n := ptr.Deref(t.Config.NExamples, defaultNExamples)
	if t.WorldSize > 1 {
		n /= t.WorldSize
	}
	return n
}

// Save persists the final checkpoint: the policy record always, plus the
// adapter weights separately when the policy is adapter-augmented, so resume
// can merge them onto a freshly constructed base model. Rank 0 owns the run
// directory; other ranks are a no-op.
func (t *loop) Save(ctx context.Context) error {
	if t.Rank != 0 {
		return nil
	}
	dir := filepath.Join(t.RunDir, latestDir)
	logging.FromContext(ctx).Info("saving checkpoint", "dir", dir, "step_idx", t.examples)

	if am, ok := t.Policy.(*model.AdapterModel); ok {
		adapter := &checkpoint.Checkpoint{StepIdx: t.examples, Metrics: t.metrics, State: am.AdapterStateDict()}
		if err := checkpoint.Save(dir, checkpoint.AdapterFile, adapter); err != nil {
			return err
		}
	}
	return checkpoint.Save(dir, checkpoint.PolicyFile, checkpoint.FromModel(t.Policy, t.examples, t.metrics))
}

func meanAbsDiff(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum / float64(n)
}

// basic is the single-process trainer.
type basic struct {
	loop
}

var _ Trainer = (*basic)(nil)

func newBasic(p Params) *basic {
	return &basic{loop: newLoop(p)}
}

// Train implements [Trainer].
func (t *basic) Train(ctx context.Context) error {
	return t.run(ctx, t.share())
}
