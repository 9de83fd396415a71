// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "fmt"

// ModelLoadError is the error type for an unresolvable model identifier or
// weights incompatible with the declared architecture. It is fatal and
// aborts the run before any worker is spawned.
type ModelLoadError string

// NewModelLoadError formats a new [ModelLoadError].
func NewModelLoadError(format string, a ...any) error {
	return ModelLoadError(fmt.Sprintf(format, a...))
}

// Error returns a string representation of the [ModelLoadError].
func (e ModelLoadError) Error() string {
	return string(e)
}
