// Package resolver maps a workspace to the shell command that runs a task in
// it. Classification is a pure function of which marker files exist, composed
// with a pure language → command template function.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Language is the ecosystem tag of a workspace.
type Language string

const (
	Unknown Language = ""
	Node    Language = "node"
	Rust    Language = "rust"
	Go      Language = "go"
	Python  Language = "python"
)

// PackageManager is the node package manager used for node workspaces.
type PackageManager string

const (
	NPM  PackageManager = "npm"
	PNPM PackageManager = "pnpm"
	Yarn PackageManager = "yarn"
	Bun  PackageManager = "bun"
)

// ErrUnknownLanguage is returned when no marker file identifies the workspace.
var ErrUnknownLanguage = errors.New("unknown workspace language")

// Exists reports whether a file with the given name exists in the directory
// under inspection.
type Exists func(name string) bool

var markers = []struct {
	file string
	lang Language
}{
	{"package.json", Node},
	{"Cargo.toml", Rust},
	{"go.mod", Go},
	{"pyproject.toml", Python},
}

var lockfiles = []struct {
	file string
	pm   PackageManager
}{
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
	{"bun.lockb", Bun},
}

// Classify returns the language of the first marker present.
func Classify(exists Exists) Language {
	for _, m := range markers {
		if exists(m.file) {
			return m.lang
		}
	}
	return Unknown
}

// DetectPackageManager picks the node package manager from repo-root
// lockfiles, defaulting to npm.
func DetectPackageManager(exists Exists) PackageManager {
	for _, l := range lockfiles {
		if exists(l.file) {
			return l.pm
		}
	}
	return NPM
}

// Command renders the task command for a language.
func Command(lang Language, pm PackageManager, task string) (string, error) {
	switch lang {
	case Node:
		if pm == "" {
			pm = NPM
		}
		return fmt.Sprintf("%s run %s", pm, task), nil
	case Rust:
		return "cargo " + task, nil
	case Go:
		return fmt.Sprintf("go %s ./...", task), nil
	case Python:
		return "uv run " + task, nil
	default:
		return "", ErrUnknownLanguage
	}
}

// DirExists returns an Exists bound to dir on the local filesystem.
func DirExists(dir string) Exists {
	return func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
}

// Resolver resolves task commands for workspaces of one repository.
type Resolver struct {
	pm PackageManager
}

// New detects the package manager once from the repo root.
func New(root string) *Resolver {
	return &Resolver{pm: DetectPackageManager(DirExists(root))}
}

// PackageManager returns the detected node package manager.
func (r *Resolver) PackageManager() PackageManager { return r.pm }

// Resolve returns the command for task in the workspace rooted at dir.
func (r *Resolver) Resolve(dir, task string) (string, error) {
	lang := Classify(DirExists(dir))
	cmd, err := Command(lang, r.pm, task)
	if err != nil {
		return "", fmt.Errorf("resolve %q in %s: %w", task, dir, err)
	}
	return cmd, nil
}
