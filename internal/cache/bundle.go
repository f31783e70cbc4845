// Package cache maps fingerprints to cached task results stored in the CAS.
//
// A cached result is a Bundle (exit code, captured output and the list of
// output artifacts). Every artifact file is a CAS blob and the encoded bundle
// is itself a CAS blob; refs/<fingerprint> names the bundle blob.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Artifact is one output file of a cached task, relative to the workspace
// root.
type Artifact struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Mode uint32 `json:"mode"`
}

// Bundle is the cached result of one successful task execution.
type Bundle struct {
	Fingerprint string     `json:"fingerprint"`
	ExitCode    int        `json:"exit_code"`
	Stdout      []byte     `json:"stdout"`
	Stderr      []byte     `json:"stderr"`
	Artifacts   []Artifact `json:"artifacts"`
}

// Encode returns the canonical bundle bytes: artifacts sorted by path, so
// equal results produce the same CAS blob.
func (b *Bundle) Encode() ([]byte, error) {
	cp := *b
	cp.Artifacts = append([]Artifact{}, b.Artifacts...)
	sort.Slice(cp.Artifacts, func(i, j int) bool { return cp.Artifacts[i].Path < cp.Artifacts[j].Path })
	return json.Marshal(cp)
}

// DecodeBundle parses bundle bytes strictly.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode bundle: trailing content")
	}
	return &b, nil
}

// Archive is the self-contained form of a bundle exchanged with a remote
// cache: the bundle plus every artifact blob inline.
type Archive struct {
	Bundle *Bundle           `json:"bundle"`
	Blobs  map[string][]byte `json:"blobs"`
}
