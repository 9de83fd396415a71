// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"

	"github.com/Pasewark/DPO-arithmetic/checkpoint"
	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/internal/ptr"
	"github.com/Pasewark/DPO-arithmetic/model"
	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
	"github.com/Pasewark/DPO-arithmetic/trainer"
)

// Models is the pair of constructed models plus the resume state restored
// from a checkpoint archive, if any.
type Models struct {
	Policy    model.Model
	Reference model.Model // nil when the loss needs no reference

	StartStep    int
	StartMetrics map[string]any
}

// BuildModels constructs the policy and reference models for a validated
// config and, when the config points at a checkpoint archive, restores prior
// training state into them.
func BuildModels(ctx context.Context, cfg *config.Config) (*Models, error) {
	logger := logging.FromContext(ctx)

	variant, err := trainer.ParseVariant(cfg.Trainer)
	if err != nil {
		return nil, err
	}

	dtype, err := model.ParseDtype(cfg.Model.PolicyDtype)
	if err != nil {
		return nil, err
	}

	// Device-map placement only makes sense when the whole model lives in
	// one process.
	var loadOpts []model.Option
	if variant == trainer.Basic {
		loadOpts = append(loadOpts, model.WithDeviceMap("balanced"))
	}

	logger.Info("building policy")
	base, err := model.LoadPretrained(ctx, cfg.Model.NameOrPath,
		append(loadOpts, model.WithDtype(dtype), model.WithLowMemory(true))...)
	if err != nil {
		return nil, err
	}

	var policy model.Model = base
	if cfg.Lora.Enabled {
		am, err := model.AttachLoRA(ctx, base, loraSettings(cfg))
		if err != nil {
			return nil, err
		}
		policy = am
	}

	reference, err := model.BuildReference(ctx, cfg, policy, loadOpts...)
	if err != nil {
		return nil, err
	}

	m := &Models{Policy: policy, Reference: reference}
	if cfg.Model.Archive != nil {
		if err := restoreArchive(ctx, cfg, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// restoreArchive restores prior training state from a checkpoint archive.
//
// Full-weights mode loads the archive's weights into the policy and, when a
// frozen-copy reference exists, into the reference too, since both must
// start from identical state. Adapter mode merges the separately stored
// adapter weights onto the freshly constructed policy and rebuilds the
// reference as a fresh proxy over it.
func restoreArchive(ctx context.Context, cfg *config.Config, m *Models) error {
	archive := *cfg.Model.Archive
	ckpt, err := checkpoint.Load(archive, checkpoint.PolicyFile)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("loading pre-trained weights",
		"archive", archive, "step_idx", ckpt.StepIdx, "metrics", ckpt.Metrics)

	if cfg.Lora.Enabled {
		am, ok := m.Policy.(*model.AdapterModel)
		if !ok {
			return checkpoint.NewCheckpointError("adapter-mode archive but policy is %T", m.Policy)
		}
		adapter, err := checkpoint.Load(archive, checkpoint.AdapterFile)
		if err != nil {
			return err
		}
		if err := am.LoadAdapterStateDict(adapter.State); err != nil {
			return checkpoint.NewCheckpointError("merging adapter weights: %v", err)
		}
		if cfg.Loss.RequiresReference() {
			m.Reference = model.NewAdapterDisabledProxy(am)
		}
	} else {
		if err := ckpt.ApplyTo(m.Policy); err != nil {
			return err
		}
		if m.Reference != nil {
			if err := ckpt.ApplyTo(m.Reference); err != nil {
				return err
			}
		}
	}

	m.StartStep = ckpt.StepIdx
	m.StartMetrics = ckpt.Metrics
	return nil
}

func loraSettings(cfg *config.Config) model.LoraSettings {
	return model.LoraSettings{
		R:       ptr.Deref(cfg.Lora.R, 8),
		Alpha:   ptr.Deref(cfg.Lora.Alpha, 16),
		Dropout: ptr.Deref(cfg.Lora.Dropout, 0.05),
	}
}
