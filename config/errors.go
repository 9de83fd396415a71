// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package config

import "fmt"

// ConfigError is the error type for missing or invalid configuration,
// including unknown trainer variants. It is always fatal and is raised
// before any model is constructed or worker launched.
type ConfigError string

// NewConfigError formats a new [ConfigError].
func NewConfigError(format string, a ...any) error {
	return ConfigError(fmt.Sprintf(format, a...))
}

// Error returns a string representation of the [ConfigError].
func (e ConfigError) Error() string {
	return string(e)
}
