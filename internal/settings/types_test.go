// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVariableKey(t *testing.T) {
	assert.Equal(t, "application_timeout", VariableKey(ApplicationScope, "timeout"))
	assert.Equal(t, "web_replicas", Ref{Scope: "web", Name: "replicas"}.Key())
	assert.Equal(t, "web.replicas", Ref{Scope: "web", Name: "replicas"}.String())
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, sampleCatalog().Validate())
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name    string
		tree    SettingsTree
		wantErr string
	}{
		{
			name: "reserved component name",
			tree: SettingsTree{Components: map[string]*ComponentSettings{
				"application": {Settings: map[string]*Setting{"x": {Value: 1.0}}},
			}},
			wantErr: "reserved",
		},
		{
			name: "derived key collision",
			tree: SettingsTree{Components: map[string]*ComponentSettings{
				"db":      {Settings: map[string]*Setting{"pool_size": {Value: 1.0}}},
				"db_pool": {Settings: map[string]*Setting{"size": {Value: 1.0}}},
			}},
			wantErr: `both map to variable "db_pool_size"`,
		},
		{
			name: "min above max",
			tree: SettingsTree{Settings: map[string]*Setting{
				"workers": {Type: "range", Min: ptr(5), Max: ptr(1)},
			}},
			wantErr: "greater than max",
		},
		{
			name: "enum without values",
			tree: SettingsTree{Settings: map[string]*Setting{
				"mode": {Type: "enum", Value: "a"},
			}},
			wantErr: "no values",
		},
		{
			name: "enum default not listed",
			tree: SettingsTree{Settings: map[string]*Setting{
				"mode": {Type: "enum", Values: []string{"a", "b"}, Value: "c"},
			}},
			wantErr: `default "c"`,
		},
		{
			name: "non scalar default",
			tree: SettingsTree{Settings: map[string]*Setting{
				"list": {Value: []any{1, 2}},
			}},
			wantErr: "not a scalar",
		},
		{
			name:    "nil definition",
			tree:    SettingsTree{Settings: map[string]*Setting{"ghost": nil}},
			wantErr: "empty definition",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalize_YAMLAndJSONAgree(t *testing.T) {
	var fromYAML SettingsTree
	require.NoError(t, yaml.Unmarshal([]byte(`
components:
  web:
    settings:
      replicas: {type: range, min: 1, max: 8, default: 3}
      tls: {type: flag, default: true}
`), &fromYAML))
	require.NoError(t, fromYAML.Normalize())

	var fromJSON SettingsTree
	require.NoError(t, json.Unmarshal([]byte(`{"components":{"web":{"settings":{"replicas":{"value":3},"tls":{"value":true}}}}}`), &fromJSON))
	require.NoError(t, fromJSON.Normalize())

	assert.Equal(t, 3.0, fromYAML.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, fromYAML.Components["web"].Settings["replicas"].Value, fromJSON.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, true, fromJSON.Components["web"].Settings["tls"].Value)
}

func TestNormalize_RejectsMaps(t *testing.T) {
	tree := SettingsTree{Settings: map[string]*Setting{"bad": {Value: map[string]any{"a": 1}}}}
	assert.Error(t, tree.Normalize())
}

func TestClone_IsDeep(t *testing.T) {
	orig := sampleCatalog()
	c := orig.Clone()

	c.Components["web"].Settings["replicas"].Value = 9.0
	*c.Components["web"].Settings["replicas"].Min = 100
	c.Settings["log_level"].Values[0] = "trace"

	assert.Equal(t, 2.0, orig.Components["web"].Settings["replicas"].Value)
	assert.Equal(t, 1.0, *orig.Components["web"].Settings["replicas"].Min)
	assert.Equal(t, "info", orig.Settings["log_level"].Values[0])
}

func TestRefs_StableOrder(t *testing.T) {
	refs := sampleCatalog().Refs()

	want := []Ref{
		{ApplicationScope, "log_level"},
		{"db", "cache"},
		{"web", "cpu"},
		{"web", "replicas"},
	}
	assert.Equal(t, want, refs)
}
