package msi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// StagedStream is a stream file waiting to be added to the database.
type StagedStream struct {
	Name string
	Path string
}

// LinkInput is everything a Linker needs to produce a database.
type LinkInput struct {
	Dir     string   // holds the IDT files and their binary subdirectories
	Tables  []string // IDT files, relative to Dir
	Streams []StagedStream
	Summary SummaryInfo
	Package *Package
}

// Linker writes the final database file.
type Linker interface {
	Link(ctx context.Context, in *LinkInput, out string) error
}

// LinkerFunc adapts a function to the Linker interface.
type LinkerFunc func(ctx context.Context, in *LinkInput, out string) error

func (f LinkerFunc) Link(ctx context.Context, in *LinkInput, out string) error {
	return f(ctx, in, out)
}

// Msibuild links packages with msitools' msibuild.
type Msibuild struct {
	msibuildPath string // binary to run, or its path inside the container
	dockerImage  string // If set, run msibuild inside this image

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type MsibuildOpt func(*Msibuild)

func WithMsibuildPath(path string) MsibuildOpt {
	return func(m *Msibuild) {
		m.msibuildPath = path
	}
}

// WithDocker runs msibuild inside image, mounting the staging and output
// directories at the same paths.
func WithDocker(image string) MsibuildOpt {
	return func(m *Msibuild) {
		m.dockerImage = image
	}
}

func NewMsibuild(opts ...MsibuildOpt) *Msibuild {
	m := &Msibuild{
		msibuildPath: "msibuild",
		execCC:       exec.CommandContext,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Link builds out from in. msibuild processes its flags in order, so the
// summary comes first, then tables, then loose streams. -s only carries
// the properties msibuild needs to create the database; the rest arrive
// with the _SummaryInformation table in in.Tables.
func (m *Msibuild) Link(ctx context.Context, in *LinkInput, out string) error {
	ctx, span := trace.StartSpan(ctx, "msi.Msibuild.Link")
	defer span.End()

	out, err := filepath.Abs(out)
	if err != nil {
		return errors.Wrap(err, "resolving output path")
	}

	args := []string{
		out,
		"-s", in.Summary.Subject, in.Summary.Author, in.Summary.Template, in.Summary.PackageGUID,
	}

	for _, t := range in.Tables {
		args = append(args, "-i", t)
	}

	for _, s := range in.Streams {
		path, err := filepath.Abs(s.Path)
		if err != nil {
			return errors.Wrapf(err, "resolving stream %s", s.Name)
		}
		args = append(args, "-a", s.Name, path)
	}

	mounts := []string{in.Dir, filepath.Dir(out)}
	for _, s := range in.Streams {
		mounts = append(mounts, filepath.Dir(s.Path))
	}

	if _, err := m.execOut(ctx, in.Dir, mounts, args...); err != nil {
		return err
	}
	return nil
}

func (m *Msibuild) execOut(ctx context.Context, workDir string, mounts []string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	argv0 := m.msibuildPath
	if m.dockerImage != "" {
		dockerArgs := []string{"run", "--rm", "--entrypoint", ""}

		seen := make(map[string]bool)
		for _, dir := range mounts {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return "", errors.Wrapf(err, "resolving mount %s", dir)
			}
			if seen[abs] {
				continue
			}
			seen[abs] = true
			dockerArgs = append(dockerArgs, "-v", fmt.Sprintf("%s:%s", abs, abs))
		}

		abs, err := filepath.Abs(workDir)
		if err != nil {
			return "", errors.Wrap(err, "resolving work dir")
		}

		dockerArgs = append(dockerArgs, "-w", abs, m.dockerImage, argv0)
		args = append(dockerArgs, args...)
		argv0 = "docker"
	}

	cmd := m.execCC(ctx, argv0, args...)

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	cmd.Dir = workDir
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "run command %s %v\nstdout=%s\nstderr=%s", argv0, args, stdout, stderr)
	}
	return strings.TrimSpace(stdout.String()), nil
}
