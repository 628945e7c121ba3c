// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// WarningIndex is the msg_index attached to warning events.
const WarningIndex = -1

// Event is one progress report sent to the optimizer.
type Event struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	MsgIndex *int    `json:"msg_index,omitempty"`
	Stage    string  `json:"stage,omitempty"`
}

// Warning builds a warning event at progress with msg_index -1.
func Warning(progress float64, message string) Event {
	idx := WarningIndex
	return Event{Progress: progress, Message: message, MsgIndex: &idx}
}

// EventSink receives events as they occur.
type EventSink interface {
	Emit(Event) error
}

// JSONLineSink writes each event as one JSON object per line.
type JSONLineSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLineSink returns a sink writing to w.
func NewJSONLineSink(w io.Writer) *JSONLineSink {
	return &JSONLineSink{enc: json.NewEncoder(w)}
}

// Emit implements EventSink.
func (s *JSONLineSink) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("write progress event: %w", err)
	}
	return nil
}

// Recorder is an in-memory EventSink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventSink.
func (r *Recorder) Emit(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
