// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the resolved run configuration for a fine-tuning run.
//
// A [Config] is loaded from a YAML document, overlaid with environment
// overrides, and then validated once before any model is constructed. String
// fields left as the "???" placeholder count as unresolved and fail
// validation, mirroring the resolution step of the configuration system the
// documents are authored in.
//
// Validation performs exactly one non-fatal correction: when eval_every is
// not a multiple of batch_size it is floored to the nearest multiple, with a
// warning. The correction is idempotent; re-validating an adjusted config is
// a no-op.
package config
