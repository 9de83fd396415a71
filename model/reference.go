// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"

	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// BuildReference decides, once per run, how to obtain the frozen comparison
// model:
//
//   - the loss needs no reference: nil
//   - adapters enabled: an [AdapterDisabledProxy] over the policy (the
//     unmodified base model is already latent inside it, so a second full
//     copy would only cost memory)
//   - adapters disabled: an independently loaded instance with its own
//     dtype, dropout disabled, in evaluation mode
//
// opts are passed through to [LoadPretrained] for the frozen-copy case.
func BuildReference(ctx context.Context, cfg *config.Config, policy Model, opts ...Option) (Model, error) {
	if !cfg.Loss.RequiresReference() {
		return nil, nil
	}

	logger := logging.FromContext(ctx)

	if cfg.Lora.Enabled {
		toggler, ok := policy.(AdapterToggler)
		if !ok {
			return nil, NewModelLoadError("adapters enabled but policy model %T has no adapter to disable", policy)
		}
		logger.Info("building reference model", "variant", "adapter_disabled_proxy")
		return NewAdapterDisabledProxy(toggler), nil
	}

	dtype, err := ParseDtype(cfg.Model.ReferenceDtype)
	if err != nil {
		return nil, err
	}
	logger.Info("building reference model", "variant", "frozen_copy", "dtype", dtype)

	ref, err := LoadPretrained(ctx, cfg.Model.NameOrPath, append(opts, WithDtype(dtype), WithLowMemory(true))...)
	if err != nil {
		return nil, err
	}
	ref.SetTraining(false)
	return ref, nil
}
