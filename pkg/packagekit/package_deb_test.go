package packagekit

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/kolide/bundler/pkg/bundle"
	"github.com/stretchr/testify/require"
)

func setupLinuxBundle(t *testing.T) *bundle.Settings {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget"), []byte("#!/bin/sh\necho widget\n"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets", "img"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "readme.txt"), []byte("read me"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "img", "logo.png"), []byte("not really a png"), 0644))

	return &bundle.Settings{
		Name:             "Widget Tool",
		Identifier:       "com.example.widget",
		Version:          "1.2.3",
		Authors:          []string{"Ann <ann@example.com>"},
		ShortDescription: "A widget",
		LongDescription:  "Does widget things.\n\nQuite well.",
		Homepage:         "https://example.com/widget",
		Binary:           "widget",
		Resources:        []string{"assets"},
		BaseDir:          dir,
	}
}

// readArMembers returns the members of an ar archive, in order.
func readArMembers(t *testing.T, path string) ([]string, map[string][]byte) {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var names []string
	bodies := make(map[string][]byte)

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		name := strings.TrimRight(hdr.Name, " /")
		body, err := io.ReadAll(r)
		require.NoError(t, err)

		names = append(names, name)
		bodies[name] = body
	}
	return names, bodies
}

func readTarGz(t *testing.T, raw []byte) map[string]*tarEntry {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer gr.Close()

	entries := make(map[string]*tarEntry)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = &tarEntry{mode: hdr.Mode, body: string(body)}
	}
	return entries
}

type tarEntry struct {
	mode int64
	body string
}

func TestPackageDeb(t *testing.T) {
	t.Parallel()

	settings := setupLinuxBundle(t)
	built := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	out, err := PackageDeb(context.TODO(), settings, WithDebArch("arm64"), withDebClock(func() time.Time { return built }))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(settings.BaseDir, "target", "bundle", "deb", "widget-tool_1.2.3_arm64.deb"), out)

	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0644), info.Mode().Perm())

	names, members := readArMembers(t, out)
	require.Equal(t, []string{"debian-binary", "control.tar.gz", "data.tar.gz"}, names)
	require.Equal(t, "2.0\n", string(members["debian-binary"]))

	data := readTarGz(t, members["data.tar.gz"])
	require.Len(t, data, 3)
	require.Contains(t, data, "./usr/bin/widget")
	require.Equal(t, int64(0755), data["./usr/bin/widget"].mode)
	require.Equal(t, "read me", data["./usr/lib/widget/assets/readme.txt"].body)
	require.Equal(t, int64(0644), data["./usr/lib/widget/assets/img/logo.png"].mode)

	control := readTarGz(t, members["control.tar.gz"])
	require.Contains(t, control, "./control")
	require.Contains(t, control, "./md5sums")

	expectedControl := strings.Join([]string{
		"Package: widget-tool",
		"Version: 1.2.3",
		"Architecture: arm64",
		"Maintainer: Ann <ann@example.com>",
		"Installed-Size: 1",
		"Section: misc",
		"Priority: optional",
		"Homepage: https://example.com/widget",
		"Description: A widget",
		" Does widget things.",
		" .",
		" Quite well.",
		"",
	}, "\n")
	require.Equal(t, expectedControl, control["./control"].body)

	md5sums := control["./md5sums"].body
	require.Contains(t, md5sums, "  usr/bin/widget\n")
	// md5 of "read me"
	require.Contains(t, md5sums, "ef7b5181c1f63f8ca8eebaab0829ee38  usr/lib/widget/assets/readme.txt\n")
}

func TestPackageDebCopyright(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name      string
		copyright string
		notice    string
	}{
		{name: "none"},
		{name: "blank", copyright: "  \n"},
		{name: "notice", copyright: "Copyright 2024 Example Corp\n", notice: "Copyright 2024 Example Corp\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			settings := setupLinuxBundle(t)
			settings.Copyright = tt.copyright

			out, err := PackageDeb(context.TODO(), settings)
			require.NoError(t, err)

			_, members := readArMembers(t, out)
			data := readTarGz(t, members["data.tar.gz"])
			md5sums := readTarGz(t, members["control.tar.gz"])["./md5sums"].body

			entry, ok := data["./usr/share/doc/widget-tool/copyright"]
			if tt.notice == "" {
				require.False(t, ok)
				require.Len(t, data, 3)
				require.NotContains(t, md5sums, "copyright")
				return
			}

			require.True(t, ok)
			require.Equal(t, tt.notice, entry.body)
			require.Equal(t, int64(0644), entry.mode)
			require.Contains(t, md5sums, "  usr/share/doc/widget-tool/copyright\n")
		})
	}
}

func TestPackageDebIdempotent(t *testing.T) {
	t.Parallel()

	settings := setupLinuxBundle(t)
	built := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := withDebClock(func() time.Time { return built })

	first, err := PackageDeb(context.TODO(), settings, clock)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first)
	require.NoError(t, err)

	second, err := PackageDeb(context.TODO(), settings, clock)
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(second)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, firstBytes, secondBytes)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(first), ".*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestPackageDebErrors(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		name   string
		mutate func(*bundle.Settings)
	}{
		{
			name:   "missing binary",
			mutate: func(s *bundle.Settings) { s.Binary = "nope" },
		},
		{
			name:   "missing resource",
			mutate: func(s *bundle.Settings) { s.Resources = []string{"nope.txt"} },
		},
		{
			name:   "unusable name",
			mutate: func(s *bundle.Settings) { s.Name = "!!!" },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			settings := setupLinuxBundle(t)
			tt.mutate(settings)

			_, err := PackageDeb(context.TODO(), settings)
			require.Error(t, err)
		})
	}
}

func TestDebPackageName(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		in  string
		out string
	}{
		{in: "widget", out: "widget"},
		{in: "Widget Tool", out: "widget-tool"},
		{in: "g++", out: "g"},
		{in: "lib.foo_bar", out: "lib.foo-bar"},
		{in: "_x_", out: "x"},
		{in: "", out: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.out, debPackageName(tt.in))
		})
	}
}

func TestLinuxLayout(t *testing.T) {
	t.Parallel()

	settings := setupLinuxBundle(t)
	settings.Resources = []string{"assets/readme.txt", "../outside.txt"}
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(settings.BaseDir), "outside.txt"), []byte("x"), 0644))

	files, err := linuxLayout(settings)
	require.NoError(t, err)

	var dests []string
	for _, f := range files {
		dests = append(dests, f.destPath)
	}
	require.Equal(t, []string{
		"usr/bin/widget",
		"usr/lib/widget/assets/readme.txt",
		"usr/lib/widget/_up_/outside.txt",
	}, dests)
	require.Equal(t, os.FileMode(0755), files[0].mode)

	root := t.TempDir()
	require.NoError(t, stageLayout(root, files))

	info, err := os.Stat(filepath.Join(root, "usr", "bin", "widget"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0755), info.Mode().Perm())

	body, err := os.ReadFile(filepath.Join(root, "usr", "lib", "widget", "assets", "readme.txt"))
	require.NoError(t, err)
	require.Equal(t, "read me", string(body))

	require.Error(t, stageLayout(filepath.Join(root, "missing"), files))
}
