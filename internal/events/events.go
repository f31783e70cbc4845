// Package events defines the task lifecycle events delivered to plugins and
// their one-line JSON wire form.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Type discriminates an Event. The string values are the wire tags.
type Type string

const (
	BeforeTask Type = "before_task"
	CacheHit   Type = "cache_hit"
	CacheMiss  Type = "cache_miss"
	AfterTask  Type = "after_task"
)

// Cache hit sources.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Event is one lifecycle notification. Source is meaningful only for
// CacheHit and Success only for AfterTask.
type Event struct {
	Type      Type
	Workspace string
	Task      string
	Hash      string
	Source    string
	Success   bool
}

// NodeID returns "workspace#task".
func (e Event) NodeID() string { return e.Workspace + "#" + e.Task }

// Validate checks the type tag and per-type fields.
func (e Event) Validate() error {
	switch e.Type {
	case BeforeTask, CacheMiss, AfterTask:
	case CacheHit:
		if e.Source != SourceLocal && e.Source != SourceRemote {
			return fmt.Errorf("cache_hit source %q must be %q or %q", e.Source, SourceLocal, SourceRemote)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Workspace == "" || e.Task == "" {
		return errors.New("event workspace and task are required")
	}
	return nil
}

// MarshalJSON writes the wire form with a fixed field order: type, workspace,
// task, hash, then source (cache_hit) or success (after_task).
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeString(&buf, "type", string(e.Type))
	buf.WriteByte(',')
	writeString(&buf, "workspace", e.Workspace)
	buf.WriteByte(',')
	writeString(&buf, "task", e.Task)
	buf.WriteByte(',')
	writeString(&buf, "hash", e.Hash)

	switch e.Type {
	case CacheHit:
		buf.WriteByte(',')
		writeString(&buf, "source", e.Source)
	case AfterTask:
		buf.WriteString(`,"success":`)
		if e.Success {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, key, val string) {
	kb, _ := json.Marshal(key)
	vb, _ := json.Marshal(val)
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
}

type wireEvent struct {
	Type      Type   `json:"type"`
	Workspace string `json:"workspace"`
	Task      string `json:"task"`
	Hash      string `json:"hash"`
	Source    string `json:"source,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// UnmarshalJSON parses the wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	ev := Event{Type: w.Type, Workspace: w.Workspace, Task: w.Task, Hash: w.Hash, Source: w.Source}
	if w.Type == AfterTask {
		if w.Success == nil {
			return errors.New("after_task requires success")
		}
		ev.Success = *w.Success
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	*e = ev
	return nil
}

// Line returns the event encoded as one JSON line including the trailing
// newline.
func (e Event) Line() ([]byte, error) {
	b, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func typeOrder(t Type) int {
	switch t {
	case BeforeTask:
		return 0
	case CacheHit, CacheMiss:
		return 1
	case AfterTask:
		return 2
	default:
		return 3
	}
}

// Canonical returns a copy of evs sorted by (node, lifecycle position),
// independent of the interleaving produced by concurrent nodes.
func Canonical(evs []Event) []Event {
	out := append([]Event(nil), evs...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Workspace != b.Workspace {
			return a.Workspace < b.Workspace
		}
		if a.Task != b.Task {
			return a.Task < b.Task
		}
		return typeOrder(a.Type) < typeOrder(b.Type)
	})
	return out
}
