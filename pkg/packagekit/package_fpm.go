package packagekit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundle"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

type outputType string

const (
	Deb outputType = "deb"
	RPM outputType = "rpm"
	Tar outputType = "tar"
)

const defaultFPMImage = "kolide/fpm"

type fpmOptions struct {
	outputType  outputType
	arch        string
	dockerImage string
	execCC      func(context.Context, string, ...string) *exec.Cmd
}

type FPMOpt func(*fpmOptions)

func AsRPM() FPMOpt {
	return func(f *fpmOptions) {
		f.outputType = RPM
	}
}

func AsDeb() FPMOpt {
	return func(f *fpmOptions) {
		f.outputType = Deb
	}
}

func AsTar() FPMOpt {
	return func(f *fpmOptions) {
		f.outputType = Tar
	}
}

// WithFPMArch sets the package architecture, in GOARCH terms.
func WithFPMArch(arch string) FPMOpt {
	return func(f *fpmOptions) {
		f.arch = arch
	}
}

// WithFPMImage runs fpm from a different docker image.
func WithFPMImage(image string) FPMOpt {
	return func(f *fpmOptions) {
		f.dockerImage = image
	}
}

// fpmArch translates the GOARCH name into the one the target package
// format expects.
func fpmArch(f fpmOptions) string {
	if f.outputType == RPM {
		switch f.arch {
		case "amd64":
			return "x86_64"
		case "arm64":
			return "aarch64"
		}
	}
	return f.arch
}

// PackageFPM stages the bundle in the linux layout and runs fpm, in
// docker, to build an rpm, deb or tar. It returns the path of the
// package under <out>/bundle/<type>/.
func PackageFPM(ctx context.Context, settings *bundle.Settings, fpmOpts ...FPMOpt) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageFPM")
	defer span.End()

	ctx = ctxlog.With(ctx, "bundle", settings.BundleName())
	logger := ctxlog.FromContext(ctx)

	f := fpmOptions{
		arch:        "amd64",
		dockerImage: defaultFPMImage,
		execCC:      exec.CommandContext,
	}
	for _, opt := range fpmOpts {
		opt(&f)
	}

	if f.outputType == "" {
		return "", errors.New("Missing output type")
	}

	files, err := linuxLayout(settings)
	if err != nil {
		return "", err
	}

	name := debPackageName(settings.BundleName())
	if name == "" {
		return "", errors.Errorf("cannot make a package name from %q", settings.BundleName())
	}

	packageRoot, err := os.MkdirTemp("", "packaging-fpm-root")
	if err != nil {
		return "", errors.Wrap(err, "making package root")
	}
	defer os.RemoveAll(packageRoot)

	if err := stageLayout(packageRoot, files); err != nil {
		return "", errors.Wrap(err, "staging package root")
	}

	outputFilename := fmt.Sprintf("%s-%s.%s", name, settings.Version, f.outputType)

	outputPathDir, err := os.MkdirTemp("", "packaging-fpm-output")
	if err != nil {
		return "", errors.Wrap(err, "making TempDir")
	}
	defer os.RemoveAll(outputPathDir)

	fpmCommand := []string{
		"fpm",
		"-s", "dir",
		"-t", string(f.outputType),
		"-n", name,
		"-v", settings.Version,
		"-a", fpmArch(f),
		"-p", filepath.Join("/out", outputFilename),
		"-C", "/pkgsrc",
	}

	maintainer := settings.AuthorString()
	if maintainer != "" {
		fpmCommand = append(fpmCommand, "--maintainer", maintainer, "--vendor", maintainer)
	}
	if settings.ShortDescription != "" {
		fpmCommand = append(fpmCommand, "--description", settings.ShortDescription)
	}
	if settings.Homepage != "" {
		fpmCommand = append(fpmCommand, "--url", settings.Homepage)
	}

	dockerArgs := []string{
		"run", "--rm",
		"-v", fmt.Sprintf("%s:/pkgsrc", packageRoot),
		"-v", fmt.Sprintf("%s:/out", outputPathDir),
		f.dockerImage,
	}

	cmd := f.execCC(ctx, "docker", append(dockerArgs, fpmCommand...)...)

	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "creating fpm package: %s", stderr)
	}

	outDir := filepath.Join(settings.OutputDir(), "bundle", string(f.outputType))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}

	outPath := filepath.Join(outDir, outputFilename)
	if err := moveFile(filepath.Join(outputPathDir, outputFilename), outPath); err != nil {
		return "", errors.Wrap(err, "copying output")
	}

	level.Debug(logger).Log(
		"msg", "built fpm package",
		"type", f.outputType,
		"path", outPath,
	)

	return outPath, nil
}

// moveFile renames src to dst, copying through a temporary file beside
// dst when they are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := dst + ".tmp"
	if err := stageLayout(filepath.Dir(dst), []layoutFile{{sourcePath: src, destPath: filepath.Base(tmp), mode: 0644}}); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
