// Package pipeline decodes the repo-level wmonorepo.yaml: workspace globs and
// the task pipeline (per-task inputs, outputs, env allow-list and dependencies).
//
// The decoder is strict: unknown keys are rejected so a typo cannot silently
// change what a task hashes or depends on.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the repo-level config file. Its bytes are part of every
// fingerprint.
const ConfigFileName = "wmonorepo.yaml"

// UpstreamPrefix marks a dependency on the same task in every internal
// dependency workspace ("^build").
const UpstreamPrefix = "^"

// TaskConfig is the declared input/output contract of one task.
//
// Env order is significant: keys are folded into the fingerprint in the order
// they are declared.
type TaskConfig struct {
	DependsOn []string `yaml:"dependsOn,omitempty"`
	Inputs    []string `yaml:"inputs,omitempty"`
	Outputs   []string `yaml:"outputs,omitempty"`
	Env       []string `yaml:"env,omitempty"`
}

// Pipeline maps task name to its configuration.
type Pipeline map[string]TaskConfig

// Dependency is a parsed dependsOn entry.
type Dependency struct {
	Task string
	// Upstream is true for "^task": the task in each internal dependency
	// workspace rather than in the same workspace.
	Upstream bool
}

// RepoConfig is the decoded wmonorepo.yaml.
type RepoConfig struct {
	Workspaces []string `yaml:"workspaces,omitempty"`
	Pipeline   Pipeline `yaml:"pipeline,omitempty"`

	// Settings is owned by internal/config (viper); it is accepted here only so
	// strict decoding does not reject it.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Task returns the configuration for name. Tasks absent from the pipeline get
// the zero TaskConfig: no dependencies, inputs discovered by walking.
func (p Pipeline) Task(name string) TaskConfig {
	if p == nil {
		return TaskConfig{}
	}
	return p[name]
}

// Dependencies parses the task's dependsOn list.
func (c TaskConfig) Dependencies() []Dependency {
	out := make([]Dependency, 0, len(c.DependsOn))
	for _, d := range c.DependsOn {
		d = strings.TrimSpace(d)
		if strings.HasPrefix(d, UpstreamPrefix) {
			out = append(out, Dependency{Task: strings.TrimPrefix(d, UpstreamPrefix), Upstream: true})
			continue
		}
		out = append(out, Dependency{Task: d})
	}
	return out
}

// Load reads root/wmonorepo.yaml. A missing file is not an error: found is
// false and the zero RepoConfig is returned.
func Load(root string) (cfg *RepoConfig, found bool, err error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &RepoConfig{}, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", ConfigFileName, err)
	}
	cfg, err = Parse(data)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*RepoConfig, error) {
	var cfg RepoConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects empty task names, empty patterns and dependencies on tasks
// the pipeline does not declare. Errors are reported in task-name order.
func (c *RepoConfig) Validate() error {
	var errs []error
	for _, w := range c.Workspaces {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, errors.New("workspaces: empty pattern"))
		}
	}

	names := make([]string, 0, len(c.Pipeline))
	for name := range c.Pipeline {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("pipeline: empty task name"))
			continue
		}
		tc := c.Pipeline[name]
		for _, d := range tc.Dependencies() {
			if d.Task == "" {
				errs = append(errs, fmt.Errorf("pipeline.%s.dependsOn: empty task reference", name))
				continue
			}
			if _, ok := c.Pipeline[d.Task]; !ok {
				errs = append(errs, fmt.Errorf("pipeline.%s.dependsOn: unknown task %q", name, d.Task))
			}
		}
		for _, g := range append(append([]string{}, tc.Inputs...), tc.Outputs...) {
			if strings.TrimSpace(g) == "" {
				errs = append(errs, fmt.Errorf("pipeline.%s: empty glob", name))
			}
		}
		for _, k := range tc.Env {
			if strings.TrimSpace(k) == "" || strings.Contains(k, "=") {
				errs = append(errs, fmt.Errorf("pipeline.%s.env: invalid key %q", name, k))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
