// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package model provides the trainable policy model, the frozen reference
// model variants, and the machinery for constructing both.
//
// # Capability contract
//
// [Model] is the full capability set the rest of the system needs: a forward
// pass, greedy generation, train/eval mode toggling with a mode query, and
// state-dict export/import. Everything that consumes a model (trainers,
// checkpoints, the reference proxy) programs against this interface.
//
// # Construction
//
// [LoadPretrained] resolves a model identifier through the architecture
// registry and materializes weights deterministically, so two loads of the
// same identifier start from identical state. [DisableDropout] then walks the
// module tree and zeroes every dropout probability, a pure side effect on the
// loaded model's configuration.
//
// # Adapters and the reference model
//
// [AttachLoRA] wraps a base model with low-rank adapters on the attention
// projections; the result still satisfies [Model] but only the adapter
// parameters are trainable. When a preference loss needs a frozen reference
// and adapters are active, [NewAdapterDisabledProxy] reuses the policy's
// weights instead of holding a second full copy: each call forces eval mode,
// suppresses the adapter contribution for the duration of the call, and
// restores both on every exit path. See [BuildReference] for the decision
// table.
package model
