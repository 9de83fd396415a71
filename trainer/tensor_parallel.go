// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
)

// tensorParallel runs single-process with layers split across local devices.
// From the orchestrator's point of view it is a single-worker topology; the
// split is internal to the forward pass.
type tensorParallel struct {
	loop
}

var _ Trainer = (*tensorParallel)(nil)

func newTensorParallel(p Params) *tensorParallel {
	return &tensorParallel{loop: newLoop(p)}
}

// Train implements [Trainer].
func (t *tensorParallel) Train(ctx context.Context) error {
	return t.run(ctx, t.share())
}
