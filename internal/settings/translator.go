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
	"fmt"
	"strconv"
)

// VariableMap is the orchestrator's flat, untyped variable namespace.
type VariableMap map[string]string

// MissingFunc is told about catalog settings the variable map does not
// carry. It is a diagnostic hook, not an error path.
type MissingFunc func(ref Ref)

// ToVariables flattens desired settings into orchestrator variables.
//
// # Description
//
// Emits "application_<name>" for application settings and
// "<component>_<name>" for component settings, with the value coerced to
// text. Settings without a value are skipped: defaults are not substituted
// here.
//
// # Inputs
//
//   - desired: The settings to apply (typically the optimizer's payload)
//
// # Outputs
//
//   - VariableMap: One entry per valued setting. Never nil.
func ToVariables(desired SettingsTree) VariableMap {
	vars := make(VariableMap, desired.Len())
	for _, ref := range desired.Refs() {
		s := desired.Lookup(ref)
		if s == nil || s.Value == nil {
			continue
		}
		vars[ref.Key()] = FormatValue(s.Value)
	}
	return vars
}

// FromVariables reflects orchestrator variables back onto the catalog.
//
// # Description
//
// Returns a deep copy of catalog where every setting whose variable key is
// present in vars takes that value. Numeric settings get the text parsed
// back to a number and boolean settings to a bool; anything that does not
// parse is kept as text. A setting whose key is absent keeps its catalog
// default and is reported to missing.
//
// # Inputs
//
//   - vars: Effective variables reported by the orchestrator
//   - catalog: The settings catalog (not modified)
//   - missing: Called once per absent key; may be nil
//
// # Outputs
//
//   - SettingsTree: Same shape as catalog, current values filled in
func FromVariables(vars VariableMap, catalog SettingsTree, missing MissingFunc) SettingsTree {
	out := catalog.Clone()
	for _, ref := range out.Refs() {
		s := out.Lookup(ref)
		if s == nil {
			continue
		}
		text, ok := vars[ref.Key()]
		if !ok {
			if missing != nil {
				missing(ref)
			}
			continue
		}
		s.Value = ParseValue(text, s)
	}
	return out
}

// Overlay returns a copy of base with the values of desired applied on top.
// Settings present only in desired are added with their given metadata.
func Overlay(base, desired SettingsTree) SettingsTree {
	out := base.Clone()
	for _, ref := range desired.Refs() {
		d := desired.Lookup(ref)
		if d == nil || d.Value == nil {
			continue
		}
		if s := out.Lookup(ref); s != nil {
			s.Value = d.Value
			continue
		}
		out.set(ref, d.Clone())
	}
	return out
}

// FormatValue renders a scalar the way the orchestrator stores it.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// ParseValue converts variable text back to the setting's value type.
func ParseValue(text string, like *Setting) any {
	if like == nil {
		return text
	}
	if _, isBool := like.Value.(bool); isBool {
		if b, err := strconv.ParseBool(text); err == nil {
			return b
		}
		return text
	}
	if like.numeric() {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
	}
	return text
}
