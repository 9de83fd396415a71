// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"strings"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// Validate checks the resolved config for completeness and internal
// consistency. It fails with a [ConfigError] naming every missing or
// unresolved required key, before any model exists.
//
// The only non-fatal condition is eval_every not dividing evenly by
// batch_size: it is floored to the nearest multiple with a warning. The
// adjustment is idempotent.
func (c *Config) Validate(ctx context.Context) error {
	var missing []string

	requireString(&missing, "exp_name", c.ExpName)
	requireString(&missing, "trainer", c.Trainer)
	requireString(&missing, "model.name_or_path", c.Model.NameOrPath)
	requireString(&missing, "model.policy_dtype", c.Model.PolicyDtype)
	requireString(&missing, "loss.name", c.Loss.Name)
	requireString(&missing, "local_run_dir", c.LocalRunDir)
	if len(c.LocalDirs) == 0 {
		missing = append(missing, "local_dirs")
	}
	if c.BatchSize <= 0 {
		missing = append(missing, "batch_size")
	}
	if c.EvalEvery < 0 {
		missing = append(missing, "eval_every")
	}
	if c.Loss.RequiresReference() && !c.Lora.Enabled {
		requireString(&missing, "model.reference_dtype", c.Model.ReferenceDtype)
	}
	if c.Model.Archive != nil && *c.Model.Archive == Unresolved {
		missing = append(missing, "model.archive")
	}

	if len(missing) > 0 {
		return NewConfigError("missing keys in config: %s", strings.Join(missing, ", "))
	}

	if rem := c.EvalEvery % c.BatchSize; rem != 0 {
		adjusted := c.EvalEvery - rem
		logging.FromContext(ctx).Warn("eval_every must be divisible by batch_size",
			"eval_every", c.EvalEvery, "batch_size", c.BatchSize, "adjusted", adjusted)
		c.EvalEvery = adjusted
	}

	return nil
}

func requireString(missing *[]string, key, value string) {
	if value == "" || value == Unresolved {
		*missing = append(*missing, key)
	}
}
