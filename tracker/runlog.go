// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// RunLog is a [Tracker] that appends JSONL event records under the run
// directory, one file per run.
type RunLog struct {
	dir  string
	file *os.File
	run  Run
}

var _ Tracker = (*RunLog)(nil)

// event is one JSONL record.
type event struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	Run     *Run           `json:"run,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	StepIdx int            `json:"step_idx,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// NewRunLog returns a tracker writing under dir.
func NewRunLog(dir string) *RunLog {
	return &RunLog{dir: dir}
}

// Init implements [Tracker].
func (t *RunLog) Init(ctx context.Context, run Run, flatConfig map[string]any) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	t.run = run

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("tracker: creating %s: %w", t.dir, err)
	}
	f, err := os.OpenFile(filepath.Join(t.dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("tracker: opening event log: %w", err)
	}
	t.file = f

	logging.FromContext(ctx).Info("tracker initialized", "run_id", run.ID, "run_name", run.Name)
	return t.append(event{Time: time.Now().UTC(), Kind: "init", Run: &run, Config: flatConfig})
}

// Log implements [Tracker].
func (t *RunLog) Log(ctx context.Context, stepIdx int, metrics map[string]any) error {
	if t.file == nil {
		return fmt.Errorf("tracker: Log before Init")
	}
	return t.append(event{Time: time.Now().UTC(), Kind: "log", StepIdx: stepIdx, Metrics: metrics})
}

// Finish implements [Tracker].
func (t *RunLog) Finish(ctx context.Context) error {
	if t.file == nil {
		return nil
	}
	if err := t.append(event{Time: time.Now().UTC(), Kind: "finish"}); err != nil {
		return err
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func (t *RunLog) append(e event) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("tracker: encoding event: %w", err)
	}
	if _, err := t.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tracker: writing event: %w", err)
	}
	return nil
}
