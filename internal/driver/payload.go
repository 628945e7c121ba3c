// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"encoding/json"
	"io"

	"github.com/AleutianAI/skopos-adjust/internal/apperr"
	"github.com/AleutianAI/skopos-adjust/internal/settings"
)

// Payload is the optimizer's envelope for settings, on input and output.
type Payload struct {
	Application *settings.SettingsTree `json:"application"`
}

// ReadPayload decodes {"application": {...}} from r and normalizes values.
// Malformed input is a ConfigError.
func ReadPayload(r io.Reader) (settings.SettingsTree, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return settings.SettingsTree{}, apperr.Wrap(apperr.KindConfig, err, "invalid settings payload")
	}
	if p.Application == nil {
		return settings.SettingsTree{}, apperr.Config("settings payload has no \"application\" section")
	}
	if err := p.Application.Normalize(); err != nil {
		return settings.SettingsTree{}, apperr.Wrap(apperr.KindConfig, err, "invalid settings payload")
	}
	return *p.Application, nil
}
