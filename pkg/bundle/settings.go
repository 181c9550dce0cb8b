// Package bundle loads the description of what to package: the binary,
// its metadata, and the icon and resource file patterns.
package bundle

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

// Settings is a bundle manifest after loading. Relative paths in it are
// resolved against BaseDir.
type Settings struct {
	Name             string   `json:"name"`
	Identifier       string   `json:"identifier"`
	Version          string   `json:"version"`
	Authors          []string `json:"authors"`
	ShortDescription string   `json:"short_description"`
	LongDescription  string   `json:"long_description"`
	Copyright        string   `json:"copyright"`
	Homepage         string   `json:"homepage"`
	Binary           string   `json:"binary"`
	Icon             []string `json:"icon"`
	Resources        []string `json:"resources"`
	OutDir           string   `json:"out_dir"`

	// BaseDir is the manifest's directory. Patterns and paths are
	// relative to it.
	BaseDir string `json:"-"`
}

// Load reads a YAML (or JSON) manifest. Unknown keys are an error.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}

	s, err := Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing manifest %s", path)
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrap(err, "resolving manifest dir")
	}
	s.BaseDir = abs

	return s, nil
}

// Parse decodes manifest content. BaseDir is left for the caller.
func Parse(raw []byte) (*Settings, error) {
	jsonBytes, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, errors.Wrap(err, "converting yaml")
	}

	s := &Settings{}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}

	return s, nil
}

// Validate checks the fields every backend needs.
func (s *Settings) Validate() error {
	switch {
	case s.Binary == "":
		return errors.New("binary is required")
	case s.Version == "":
		return errors.New("version is required")
	case s.Identifier == "":
		return errors.New("identifier is required")
	}

	if _, err := os.Stat(s.BinaryPath()); err != nil {
		return errors.Wrap(err, "checking binary")
	}

	return nil
}

func (s *Settings) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.BaseDir, path)
}

// BinaryPath is the on-disk location of the binary being bundled.
func (s *Settings) BinaryPath() string {
	return s.resolve(s.Binary)
}

func (s *Settings) BinaryName() string {
	return filepath.Base(s.Binary)
}

// BundleName defaults to the binary name without its extension.
func (s *Settings) BundleName() string {
	if s.Name != "" {
		return s.Name
	}
	name := s.BinaryName()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// AuthorString joins the authors the way installers display them.
func (s *Settings) AuthorString() string {
	return strings.Join(s.Authors, ", ")
}

// OutputDir is where bundles are written. It defaults to "target" beside
// the manifest.
func (s *Settings) OutputDir() string {
	if s.OutDir != "" {
		return s.resolve(s.OutDir)
	}
	return filepath.Join(s.BaseDir, "target")
}

// ResourceFiles iterates the resource patterns. Directories are walked.
func (s *Settings) ResourceFiles() *Paths {
	return newPaths(s.BaseDir, s.Resources, true)
}

// IconFiles iterates the icon patterns. A directory is an error.
func (s *Settings) IconFiles() *Paths {
	return newPaths(s.BaseDir, s.Icon, false)
}
