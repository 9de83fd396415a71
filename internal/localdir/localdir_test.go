// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package localdir_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Pasewark/DPO-arithmetic/internal/localdir"
)

func TestFirst_PicksExisting(t *testing.T) {
	existing := t.TempDir()
	got, err := localdir.First([]string{"/nonexistent/scratch", existing})
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if got != existing {
		t.Errorf("First = %q, want %q", got, existing)
	}
}

func TestFirst_CreatesFallback(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "scratch")
	got, err := localdir.First([]string{fallback})
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if got != fallback {
		t.Errorf("First = %q, want %q", got, fallback)
	}
	if info, err := os.Stat(fallback); err != nil || !info.IsDir() {
		t.Errorf("fallback dir not created: %v", err)
	}
}

func TestFirst_NoCandidates(t *testing.T) {
	if _, err := localdir.First(nil); err == nil {
		t.Fatal("First should fail with no candidates")
	}
}

func TestRunDir(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	dir, err := localdir.RunDir("my_exp", []string{base}, now)
	if err != nil {
		t.Fatalf("RunDir: %v", err)
	}
	if !strings.HasPrefix(dir, filepath.Join(base, "my_exp")) {
		t.Errorf("run dir %q not under %s/my_exp", dir, base)
	}
	if !strings.Contains(dir, "2025-06-01_12-30-00") {
		t.Errorf("run dir %q missing timestamp", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("run dir not created: %v", err)
	}
}

func TestSetCacheEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", "")

	if err := localdir.SetCacheEnv([]string{dir}); err != nil {
		t.Fatalf("SetCacheEnv: %v", err)
	}
	if got := os.Getenv("XDG_CACHE_HOME"); got != dir {
		t.Errorf("XDG_CACHE_HOME = %q, want %q", got, dir)
	}
}
