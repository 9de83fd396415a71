// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Flatten renders the config as a flat dot-keyed record, the shape the
// experiment tracker stores alongside a run.
func (c *Config) Flatten() (map[string]any, error) {
	data, err := sonic.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("flattening config: %w", err)
	}
	var tree map[string]any
	if err := sonic.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("flattening config: %w", err)
	}

	flat := make(map[string]any, len(tree))
	flattenInto(flat, "", tree)
	return flat, nil
}

func flattenInto(flat map[string]any, prefix string, node map[string]any) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(flat, key, child)
			continue
		}
		flat[key] = v
	}
}
