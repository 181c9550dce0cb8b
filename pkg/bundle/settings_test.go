package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testManifest = `
name: Example App
identifier: com.example.app
version: 1.2.3
authors:
  - Jane Doe
  - John Roe
short_description: An example
homepage: https://example.com
binary: bin/example.exe
icon:
  - icons/*.ico
resources:
  - assets
  - ../shared/*.txt
`

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func setupProject(t *testing.T) (string, string) {
	root := t.TempDir()
	project := filepath.Join(root, "project")

	writeFile(t, filepath.Join(project, "bundle.yaml"), testManifest)
	writeFile(t, filepath.Join(project, "bin", "example.exe"), "MZ")
	writeFile(t, filepath.Join(project, "icons", "app.ico"), "ico")
	writeFile(t, filepath.Join(project, "assets", "b.txt"), "b")
	writeFile(t, filepath.Join(project, "assets", "sub", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "shared", "license.txt"), "mit")

	return root, project
}

func TestLoad(t *testing.T) {
	t.Parallel()

	_, project := setupProject(t)

	s, err := Load(filepath.Join(project, "bundle.yaml"))
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	require.Equal(t, "Example App", s.BundleName())
	require.Equal(t, "com.example.app", s.Identifier)
	require.Equal(t, "Jane Doe, John Roe", s.AuthorString())
	require.Equal(t, "example.exe", s.BinaryName())
	require.Equal(t, filepath.Join(project, "bin", "example.exe"), s.BinaryPath())
	require.Equal(t, filepath.Join(project, "target"), s.OutputDir())
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name string
		in   string
	}{
		{name: "unknown key", in: "name: x\nflavour: mint\n"},
		{name: "wrong type", in: "authors: 3\n"},
		{name: "not yaml", in: "name: [unterminated\n"},
	}

	for _, tt := range tests {
		_, err := Parse([]byte(tt.in))
		require.Error(t, err, tt.name)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	_, project := setupProject(t)

	var tests = []struct {
		name   string
		mutate func(*Settings)
	}{
		{name: "no binary", mutate: func(s *Settings) { s.Binary = "" }},
		{name: "no version", mutate: func(s *Settings) { s.Version = "" }},
		{name: "no identifier", mutate: func(s *Settings) { s.Identifier = "" }},
		{name: "missing binary", mutate: func(s *Settings) { s.Binary = "bin/nope.exe" }},
	}

	for _, tt := range tests {
		s, err := Load(filepath.Join(project, "bundle.yaml"))
		require.NoError(t, err)
		tt.mutate(s)
		require.Error(t, s.Validate(), tt.name)
	}
}

func TestBundleNameDefault(t *testing.T) {
	t.Parallel()

	s := &Settings{Binary: "bin/tool.exe"}
	require.Equal(t, "tool", s.BundleName())
}

func TestResourceFiles(t *testing.T) {
	t.Parallel()

	root, project := setupProject(t)

	s, err := Load(filepath.Join(project, "bundle.yaml"))
	require.NoError(t, err)

	it := s.ResourceFiles()
	var paths, rels []string
	for it.Next() {
		paths = append(paths, it.Path())
		rels = append(rels, it.RelPath())
	}
	require.NoError(t, it.Err())

	require.Equal(t, []string{"assets/b.txt", "assets/sub/a.txt", "../shared/license.txt"}, rels)
	require.Equal(t, filepath.Join(root, "shared", "license.txt"), paths[2])
}

func TestResourceFilesMissingLiteral(t *testing.T) {
	t.Parallel()

	_, project := setupProject(t)

	s := &Settings{BaseDir: project, Resources: []string{"assets/b.txt", "missing.dat", "assets/sub/a.txt"}}
	it := s.ResourceFiles()

	require.True(t, it.Next())
	require.Equal(t, "assets/b.txt", it.RelPath())
	require.False(t, it.Next())
	require.ErrorIs(t, it.Err(), os.ErrNotExist)
	require.False(t, it.Next(), "iteration stays stopped after an error")
}

func TestResourceFilesEmptyGlob(t *testing.T) {
	t.Parallel()

	_, project := setupProject(t)

	s := &Settings{BaseDir: project, Resources: []string{"nothing/*.bin"}}
	paths, err := s.ResourceFiles().Collect()
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestIconFiles(t *testing.T) {
	t.Parallel()

	_, project := setupProject(t)

	s, err := Load(filepath.Join(project, "bundle.yaml"))
	require.NoError(t, err)

	icons, err := s.IconFiles().Collect()
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(project, "icons", "app.ico")}, icons)

	s.Icon = []string{"icons"}
	_, err = s.IconFiles().Collect()
	require.Error(t, err, "directories are not icons")
}
