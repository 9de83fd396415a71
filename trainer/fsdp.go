// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"fmt"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// fsdp is the distributed variant: one worker process per device, each
// consuming its shard of the examples. Cross-rank weight synchronization is
// collective communication inside the process group formed before
// construction; the trainer assumes the group exists.
type fsdp struct {
	loop
}

var _ Trainer = (*fsdp)(nil)

func newFSDP(p Params) *fsdp {
	return &fsdp{loop: newLoop(p)}
}

// Train implements [Trainer].
func (t *fsdp) Train(ctx context.Context) error {
	if t.WorldSize < 1 {
		return fmt.Errorf("fsdp: invalid world size %d", t.WorldSize)
	}
	logging.FromContext(ctx).Info("fsdp shard", "rank", t.Rank, "world_size", t.WorldSize)
	return t.run(ctx, t.share())
}
