// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package localdir resolves local cache and run directories for a training run.
package localdir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// First returns the first candidate directory that exists, creating none.
// If none of the candidates exist, the first candidate is created and returned.
func First(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("localdir: no candidate directories configured")
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	dir := candidates[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("localdir: creating %s: %w", dir, err)
	}
	return dir, nil
}

// RunDir returns the run directory for the named experiment under the local
// cache, creating it if needed. The timestamp suffix keeps repeated runs of
// the same experiment from colliding.
func RunDir(expName string, localDirs []string, now time.Time) (string, error) {
	base, err := First(localDirs)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, expName, now.Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("localdir: creating run dir %s: %w", dir, err)
	}
	return dir, nil
}

// SetCacheEnv points XDG_CACHE_HOME at the local cache directory so that the
// model loader and tracker collaborators place their caches on fast local
// disk. It mutates process-wide state and must run before any model loading.
func SetCacheEnv(localDirs []string) error {
	dir, err := First(localDirs)
	if err != nil {
		return err
	}
	return os.Setenv("XDG_CACHE_HOME", dir)
}
