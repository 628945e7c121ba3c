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
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ApplicationScope is the scope name of application-level settings. It is
// also the prefix of their variable keys, so no component may use it.
const ApplicationScope = "application"

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// Setting is one tunable knob.
//
// In the descriptor the initial value is written as "default"; in the JSON
// exchanged with the optimizer it is "value". Value holds a scalar: string,
// float64 or bool after Normalize.
type Setting struct {
	// Type is free-form metadata for the optimizer (e.g. "range", "enum").
	Type string `yaml:"type" json:"type,omitempty"`

	// Unit is optional display metadata (e.g. "cores", "GiB").
	Unit string `yaml:"unit,omitempty" json:"unit,omitempty"`

	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Step *float64 `yaml:"step,omitempty" json:"step,omitempty"`

	// Values lists the allowed choices of an enum setting.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`

	// Value is the current (or default) value.
	Value any `yaml:"default,omitempty" json:"value"`
}

// ComponentSettings holds the settings of one component.
type ComponentSettings struct {
	Settings map[string]*Setting `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// SettingsTree is the structured settings namespace: application-level
// settings plus per-component settings. The catalog, the optimizer's
// desired payload and the query result all share this shape.
type SettingsTree struct {
	Settings   map[string]*Setting           `yaml:"settings,omitempty" json:"settings,omitempty"`
	Components map[string]*ComponentSettings `yaml:"components,omitempty" json:"components,omitempty"`
}

// Ref identifies a setting by scope and name.
type Ref struct {
	Scope string
	Name  string
}

// Key returns the orchestrator variable name for the setting.
func (r Ref) Key() string {
	return VariableKey(r.Scope, r.Name)
}

func (r Ref) String() string {
	return r.Scope + "." + r.Name
}

// VariableKey derives the flat variable name: "application_<name>" for
// application settings and "<component>_<name>" for component settings.
func VariableKey(scope, name string) string {
	return scope + "_" + name
}

// -----------------------------------------------------------------------------
// Tree Operations
// -----------------------------------------------------------------------------

// Clone returns a deep copy of the setting.
func (s *Setting) Clone() *Setting {
	if s == nil {
		return nil
	}
	c := *s
	c.Min = cloneFloat(s.Min)
	c.Max = cloneFloat(s.Max)
	c.Step = cloneFloat(s.Step)
	if s.Values != nil {
		c.Values = append([]string(nil), s.Values...)
	}
	return &c
}

// Clone returns a deep copy of the tree.
func (t SettingsTree) Clone() SettingsTree {
	out := SettingsTree{}
	if t.Settings != nil {
		out.Settings = cloneSettings(t.Settings)
	}
	if t.Components != nil {
		out.Components = make(map[string]*ComponentSettings, len(t.Components))
		for name, comp := range t.Components {
			if comp == nil {
				out.Components[name] = &ComponentSettings{}
				continue
			}
			out.Components[name] = &ComponentSettings{Settings: cloneSettings(comp.Settings)}
		}
	}
	return out
}

// Lookup returns the setting at ref, or nil.
func (t SettingsTree) Lookup(ref Ref) *Setting {
	if ref.Scope == ApplicationScope {
		return t.Settings[ref.Name]
	}
	comp := t.Components[ref.Scope]
	if comp == nil {
		return nil
	}
	return comp.Settings[ref.Name]
}

// Refs lists every setting in the tree in a stable order: application
// settings first, then components alphabetically, names alphabetically.
func (t SettingsTree) Refs() []Ref {
	refs := make([]Ref, 0, t.Len())
	for _, name := range sortedKeys(t.Settings) {
		refs = append(refs, Ref{Scope: ApplicationScope, Name: name})
	}
	comps := make([]string, 0, len(t.Components))
	for c := range t.Components {
		comps = append(comps, c)
	}
	sort.Strings(comps)
	for _, c := range comps {
		comp := t.Components[c]
		if comp == nil {
			continue
		}
		for _, name := range sortedKeys(comp.Settings) {
			refs = append(refs, Ref{Scope: c, Name: name})
		}
	}
	return refs
}

// Len counts the settings in the tree.
func (t SettingsTree) Len() int {
	n := len(t.Settings)
	for _, comp := range t.Components {
		if comp != nil {
			n += len(comp.Settings)
		}
	}
	return n
}

// set stores s at ref, creating the component entry if needed.
func (t *SettingsTree) set(ref Ref, s *Setting) {
	if ref.Scope == ApplicationScope {
		if t.Settings == nil {
			t.Settings = map[string]*Setting{}
		}
		t.Settings[ref.Name] = s
		return
	}
	if t.Components == nil {
		t.Components = map[string]*ComponentSettings{}
	}
	comp := t.Components[ref.Scope]
	if comp == nil {
		comp = &ComponentSettings{}
		t.Components[ref.Scope] = comp
	}
	if comp.Settings == nil {
		comp.Settings = map[string]*Setting{}
	}
	comp.Settings[ref.Name] = s
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Normalize converts every value in the tree to its canonical scalar form
// (string, float64 or bool). YAML yields ints and JSON yields float64 for
// the same number; after Normalize both compare equal.
func (t SettingsTree) Normalize() error {
	for _, ref := range t.Refs() {
		s := t.Lookup(ref)
		if s == nil {
			continue
		}
		v, err := normalizeScalar(s.Value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", ref, err)
		}
		s.Value = v
	}
	return nil
}

// Validate checks catalog invariants.
//
// # Description
//
// Verifies that the tree can be mapped onto the flat variable namespace
// without ambiguity and that each setting's metadata is coherent:
//
//   - no component is named "application"
//   - no two settings derive the same variable key
//     (e.g. component "db" setting "pool_size" vs component "db_pool" setting "size")
//   - min <= max, enum settings list their values, enum defaults are listed
//
// All problems are collected and returned joined.
//
// # Outputs
//
//   - error: nil if the catalog is well-formed
func (t SettingsTree) Validate() error {
	var errs []error

	if _, ok := t.Components[ApplicationScope]; ok {
		errs = append(errs, fmt.Errorf("component name %q is reserved", ApplicationScope))
	}

	owners := make(map[string]Ref)
	for _, ref := range t.Refs() {
		if ref.Name == "" || ref.Scope == "" {
			errs = append(errs, fmt.Errorf("setting %s: empty scope or name", ref))
			continue
		}
		if prev, dup := owners[ref.Key()]; dup {
			errs = append(errs, fmt.Errorf("settings %s and %s both map to variable %q", prev, ref, ref.Key()))
		} else {
			owners[ref.Key()] = ref
		}

		s := t.Lookup(ref)
		if s == nil {
			errs = append(errs, fmt.Errorf("setting %s: empty definition", ref))
			continue
		}
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("setting %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Setting) validate() error {
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("min %v is greater than max %v", *s.Min, *s.Max)
	}
	if strings.EqualFold(s.Type, "enum") {
		if len(s.Values) == 0 {
			return errors.New("enum setting has no values")
		}
		if str, ok := s.Value.(string); ok && !contains(s.Values, str) {
			return fmt.Errorf("default %q is not one of %v", str, s.Values)
		}
	}
	if s.Value != nil {
		if _, err := normalizeScalar(s.Value); err != nil {
			return err
		}
	}
	return nil
}

// numeric reports whether the setting carries numbers, judged by its
// current value or, when it has none, by its range metadata.
func (s *Setting) numeric() bool {
	switch s.Value.(type) {
	case float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return true
	case nil:
		return s.Min != nil || s.Max != nil || s.Step != nil
	}
	return false
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("value %q is not a finite number", x.String())
		}
		return f, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a scalar", v)
	}
}

func cloneSettings(in map[string]*Setting) map[string]*Setting {
	if in == nil {
		return nil
	}
	out := make(map[string]*Setting, len(in))
	for name, s := range in {
		out[name] = s.Clone()
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func sortedKeys(m map[string]*Setting) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
