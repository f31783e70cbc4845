package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func names(ws []Workspace) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Name)
	}
	return out
}

func TestDiscover_MixedManifests(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "packages/web/package.json", `{
		"name": "web",
		"scripts": {"build": "vite build", "test": "vitest"},
		"dependencies": {"ui": "workspace:*", "react": "^18"}
	}`)
	writeFile(t, root, "packages/ui/package.json", `{"name": "ui", "scripts": {"build": "tsc"}}`)
	writeFile(t, root, "crates/core/Cargo.toml", "[package]\nname = \"core-rs\"\n\n[dependencies]\nserde = \"1\"\n")
	writeFile(t, root, "py/tool/pyproject.toml", "[project]\nname = \"tool\"\ndependencies = [\"requests[socks]>=2.0\", \"ui\"]\n")
	writeFile(t, root, "services/api/go.mod", "module example.com/api\n\ngo 1.22\n\nrequire example.com/lib v0.1.0\n")
	writeFile(t, root, "packages/empty/README.md", "no manifest")
	writeFile(t, root, "packages/node_modules/dep/package.json", `{"name": "vendored"}`)

	got, err := FSDiscovery{}.Discover(root, []string{"packages/*", "crates/*", "py/*", "services/*"})
	require.NoError(t, err)

	want := []string{"core-rs", "example.com/api", "tool", "ui", "web"}
	set, err := NewSet(got)
	require.NoError(t, err)
	if diff := cmp.Diff(want, names(set.All())); diff != "" {
		t.Fatalf("workspace names mismatch (-want +got):\n%s", diff)
	}

	web, ok := set.Get("web")
	require.True(t, ok)
	assert.Equal(t, "packages/web", web.RelPath)
	assert.Equal(t, "package.json", web.Manifest)
	assert.Equal(t, []string{"react", "ui"}, web.Dependencies)
	assert.True(t, web.HasTask("build"))
	assert.False(t, web.HasTask("lint"))

	tool, _ := set.Get("tool")
	assert.Equal(t, []string{"requests", "ui"}, tool.Dependencies)

	api, _ := set.Get("example.com/api")
	assert.Equal(t, []string{"example.com/lib"}, api.Dependencies)
	assert.True(t, api.HasTask("anything"), "go workspaces have no per-package scripts")

	internal := set.InternalDependencies(web)
	assert.Equal(t, []string{"ui"}, names(internal))
	assert.Equal(t, []string{"ui"}, names(set.InternalDependencies(tool)))
}

func TestDiscover_NoPatternsMeansRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "package.json", `{"name": "solo"}`)

	got, err := FSDiscovery{}.Discover(root, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "solo", got[0].Name)
	assert.Equal(t, ".", got[0].RelPath)
}

func TestDiscover_NameFallsBackToDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "apps/site/package.json", `{"scripts": {"build": "true"}}`)

	got, err := FSDiscovery{}.Discover(root, []string{"apps/*"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "site", got[0].Name)
}

func TestDiscover_DuplicateNamesRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/x/package.json", `{"name": "dup"}`)
	writeFile(t, root, "b/x/package.json", `{"name": "dup"}`)

	_, err := FSDiscovery{}.Discover(root, []string{"a/*", "b/*"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate workspace name")
}

func TestDiscover_MalformedManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkgs/bad/package.json", `{"name": `)

	_, err := FSDiscovery{}.Discover(root, []string{"pkgs/*"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pkgs/bad/package.json")
}

func TestSet_Select(t *testing.T) {
	set, err := NewSet([]Workspace{{Name: "b"}, {Name: "a"}, {Name: "c"}})
	require.NoError(t, err)

	all, err := set.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(all))

	some, err := set.Select([]string{"c", "a", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names(some))

	_, err = set.Select([]string{"zzz"})
	require.Error(t, err)
}
