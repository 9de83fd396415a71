// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/tiendc/go-deepcopy"
)

// Unresolved is the placeholder value an authoring tool leaves in a config
// document for keys the user must supply. Any required string field still
// holding it after load fails validation.
const Unresolved = "???"

// SnapshotName is the resolved-config snapshot written to the run directory
// at run start.
const SnapshotName = "config.yaml"

// Config is the fully resolved configuration tree for one training run.
//
// It is created once, validated once, and never mutated afterwards except by
// the single eval_every correction in [Config.Validate]. Workers receive a
// deep copy.
type Config struct {
	// ExpName names the experiment; it prefixes the run directory and the
	// tracker run.
	ExpName string `yaml:"exp_name" json:"exp_name"`

	// Trainer selects the trainer variant by tag, e.g. "BasicTrainer" or
	// "FSDPTrainer". Unknown tags are a fatal ConfigError at worker start.
	Trainer string `yaml:"trainer" json:"trainer"`

	Seed      int  `yaml:"seed" json:"seed"`
	BatchSize int  `yaml:"batch_size" json:"batch_size"`
	EvalEvery int  `yaml:"eval_every" json:"eval_every"`
	Debug     bool `yaml:"debug" json:"debug"`

	// NExamples bounds the training loop; optional, trainers apply a default.
	NExamples *int `yaml:"n_examples,omitempty" json:"n_examples,omitempty"`

	// LocalDirs are candidate cache roots; the first existing one wins.
	LocalDirs []string `yaml:"local_dirs" json:"local_dirs"`

	// LocalRunDir is the per-run output directory, resolved before
	// validation. The config snapshot, staged weights and final checkpoint
	// all live under it.
	LocalRunDir string `yaml:"local_run_dir" json:"local_run_dir"`

	// FSDPPort is the rendezvous port for distributed trainer variants.
	FSDPPort int `yaml:"fsdp_port" json:"fsdp_port"`

	Model ModelConfig `yaml:"model" json:"model"`
	Loss  LossConfig  `yaml:"loss" json:"loss"`
	Lora  LoraConfig  `yaml:"lora" json:"lora"`
	Wandb WandbConfig `yaml:"wandb" json:"wandb"`
}

// ModelConfig identifies the pretrained model and its numeric precision.
type ModelConfig struct {
	NameOrPath  string `yaml:"name_or_path" json:"name_or_path"`
	PolicyDtype string `yaml:"policy_dtype" json:"policy_dtype"`

	// ReferenceDtype is required only when a full frozen reference copy is
	// built (preference loss without adapters).
	ReferenceDtype string `yaml:"reference_dtype,omitempty" json:"reference_dtype,omitempty"`

	// Archive points at a prior checkpoint directory to resume from.
	Archive *string `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// LossConfig selects the training objective.
type LossConfig struct {
	Name string   `yaml:"name" json:"name"`
	Beta *float64 `yaml:"beta,omitempty" json:"beta,omitempty"`
}

// RequiresReference reports whether the objective compares the policy
// against a frozen reference model.
func (l LossConfig) RequiresReference() bool {
	return l.Name == "dpo"
}

// LoraConfig carries the parameter-efficient adapter settings.
type LoraConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	R       *int     `yaml:"lora_r,omitempty" json:"lora_r,omitempty"`
	Alpha   *float64 `yaml:"lora_alpha,omitempty" json:"lora_alpha,omitempty"`
	Dropout *float64 `yaml:"lora_dropout,omitempty" json:"lora_dropout,omitempty"`
}

// WandbConfig carries experiment-tracking settings.
type WandbConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Entity  string `yaml:"entity,omitempty" json:"entity,omitempty"`
	Project string `yaml:"project,omitempty" json:"project,omitempty"`
}

// envOverrides are process-environment overrides applied after the YAML
// document is parsed. They exist so cluster launchers can retarget a run
// without editing the document.
type envOverrides struct {
	LocalDir string `env:"DPO_LOCAL_DIR"`
	Debug    *bool  `env:"DPO_DEBUG"`
	FSDPPort int    `env:"DPO_FSDP_PORT"`
}

// Load reads a YAML config document from path and applies environment
// overrides. The result is unvalidated; call [Config.Validate] before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("reading config %s: %v", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigError("parsing config: %v", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, NewConfigError("parsing environment overrides: %v", err)
	}
	if ov.LocalDir != "" {
		cfg.LocalDirs = []string{ov.LocalDir}
	}
	if ov.Debug != nil {
		cfg.Debug = *ov.Debug
	}
	if ov.FSDPPort != 0 {
		cfg.FSDPPort = ov.FSDPPort
	}

	return &cfg, nil
}

// Copy returns an independent deep copy of the config, for handing to
// worker processes.
func (c *Config) Copy() (*Config, error) {
	out := new(Config)
	if err := deepcopy.Copy(out, c); err != nil {
		return nil, fmt.Errorf("copying config: %w", err)
	}
	return out, nil
}

// Save writes the resolved config as YAML to path. It is written once at run
// start so the run directory is self-describing.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}
