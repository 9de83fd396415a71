// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package device reports how many accelerator devices are available to a run.
//
// The count drives the world size of distributed trainer variants: one worker
// process is spawned per device. Detection order is CUDA_VISIBLE_DEVICES,
// then the DPO_VISIBLE_DEVICES override, then the number of physical CPU
// cores as a development fallback.
package device

import (
	"os"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Count returns the number of devices available to this process.
//
// The result is always at least 1.
func Count() int {
	for _, key := range []string{"CUDA_VISIBLE_DEVICES", "DPO_VISIBLE_DEVICES"} {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n := 0
		for _, id := range strings.Split(v, ",") {
			if strings.TrimSpace(id) != "" {
				n++
			}
		}
		if n > 0 {
			return n
		}
	}

	if cores := cpuid.CPU.PhysicalCores; cores > 0 {
		return cores
	}
	return 1
}
