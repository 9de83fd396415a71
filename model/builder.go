// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"context"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// Option configures [LoadPretrained].
type Option func(*loadOptions)

type loadOptions struct {
	dtype     Dtype
	lowMemory bool
	deviceMap string
	cacheDir  string
}

// WithDtype sets the numeric precision the model is loaded at.
func WithDtype(dtype Dtype) Option {
	return func(o *loadOptions) { o.dtype = dtype }
}

// WithLowMemory requests low-memory loading: weights are materialized
// parameter by parameter instead of all at once.
func WithLowMemory(low bool) Option {
	return func(o *loadOptions) { o.lowMemory = low }
}

// WithDeviceMap sets a device-placement policy. Only meaningful for
// single-process topologies; distributed trainers shard placement
// themselves.
func WithDeviceMap(policy string) Option {
	return func(o *loadOptions) { o.deviceMap = policy }
}

// WithCacheDir overrides the download cache directory.
func WithCacheDir(dir string) Option {
	return func(o *loadOptions) { o.cacheDir = dir }
}

// LoadPretrained constructs a model from a pretrained identifier or path.
//
// The identifier is resolved through the architecture registry; an
// unresolvable identifier fails with a [ModelLoadError]. The returned model
// has dropout disabled network-wide and starts in training mode.
func LoadPretrained(ctx context.Context, nameOrPath string, opts ...Option) (*CausalLM, error) {
	o := loadOptions{dtype: Float32}
	for _, opt := range opts {
		opt(&o)
	}

	arch, err := GetRegistry().Resolve(nameOrPath)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("loading pretrained model",
		"model", nameOrPath, "family", arch.Family, "dtype", o.dtype,
		"low_memory", o.lowMemory, "device_map", o.deviceMap)

	m := newCausalLM(nameOrPath, arch, o.dtype, o.deviceMap)
	DisableDropout(m.Root())
	return m, nil
}
