// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package model_test

import (
	"testing"

	"github.com/Pasewark/DPO-arithmetic/config"
	"github.com/Pasewark/DPO-arithmetic/model"
)

func referenceConfig(lossName string, loraEnabled bool) *config.Config {
	return &config.Config{
		Model: config.ModelConfig{
			NameOrPath:     "pythia-2.8b",
			PolicyDtype:    "float32",
			ReferenceDtype: "float32",
		},
		Loss: config.LossConfig{Name: lossName},
		Lora: config.LoraConfig{Enabled: loraEnabled},
	}
}

func TestBuildReference_NoneWhenLossNeedsNoReference(t *testing.T) {
	policy, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	ref, err := model.BuildReference(t.Context(), referenceConfig("sft", false), policy)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	if ref != nil {
		t.Fatalf("reference = %T, want none", ref)
	}
}

func TestBuildReference_ProxyWhenAdaptersEnabled(t *testing.T) {
	am := newAdapterModel(t)
	ref, err := model.BuildReference(t.Context(), referenceConfig("dpo", true), am)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	proxy, ok := ref.(*model.AdapterDisabledProxy)
	if !ok {
		t.Fatalf("reference = %T, want *AdapterDisabledProxy", ref)
	}
	if proxy.Wrapped() != model.AdapterToggler(am) {
		t.Error("proxy does not reuse the policy model's weights")
	}
}

func TestBuildReference_FrozenCopyWhenAdaptersDisabled(t *testing.T) {
	policy, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	ref, err := model.BuildReference(t.Context(), referenceConfig("dpo", false), policy)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	frozen, ok := ref.(*model.CausalLM)
	if !ok {
		t.Fatalf("reference = %T, want *CausalLM", ref)
	}
	if frozen == policy {
		t.Error("frozen copy shares the policy instance")
	}
	if frozen.Training() {
		t.Error("frozen copy should start in evaluation mode")
	}
}

func TestBuildReference_AdapterRequiredButMissing(t *testing.T) {
	policy, err := model.LoadPretrained(t.Context(), "pythia-2.8b")
	if err != nil {
		t.Fatalf("LoadPretrained: %v", err)
	}
	if _, err := model.BuildReference(t.Context(), referenceConfig("dpo", true), policy); err == nil {
		t.Fatal("BuildReference should fail when adapters are enabled but the policy has none")
	}
}
