package packagekit

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/go-kit/kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/kolide/bundler/pkg/bundle"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const defaultDebArch = "amd64"

type debOptions struct {
	arch string
	now  func() time.Time
}

type DebOpt func(*debOptions)

// WithDebArch sets the Architecture field. The default is amd64.
func WithDebArch(arch string) DebOpt {
	return func(o *debOptions) {
		o.arch = arch
	}
}

func withDebClock(now func() time.Time) DebOpt {
	return func(o *debOptions) {
		o.now = now
	}
}

// PackageDeb writes a Debian package for the bundle without shelling
// out, and returns its path, <out>/bundle/deb/<pkg>_<version>_<arch>.deb.
func PackageDeb(ctx context.Context, settings *bundle.Settings, opts ...DebOpt) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageDeb")
	defer span.End()

	ctx = ctxlog.With(ctx, "bundle", settings.BundleName())
	logger := ctxlog.FromContext(ctx)

	o := &debOptions{
		arch: defaultDebArch,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	files, err := linuxLayout(settings)
	if err != nil {
		return "", err
	}

	name := debPackageName(settings.BundleName())
	if name == "" {
		return "", errors.Errorf("cannot make a package name from %q", settings.BundleName())
	}

	outDir := filepath.Join(settings.OutputDir(), "bundle", "deb")
	outPath := filepath.Join(outDir, fmt.Sprintf("%s_%s_%s.deb", name, settings.Version, o.arch))

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}

	stageDir, err := os.MkdirTemp("", "deb-build")
	if err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(stageDir)

	notice, ok, err := copyrightFile(settings, name, stageDir)
	if err != nil {
		return "", err
	}
	if ok {
		files = append(files, notice)
	}

	modTime := o.now()

	// data.tar.gz goes first, control needs its checksums and size.
	dataPath := filepath.Join(stageDir, "data.tar.gz")
	sums, installedSize, err := writeDebData(dataPath, files, modTime)
	if err != nil {
		return "", errors.Wrap(err, "building data archive")
	}

	control := debControl(settings, name, o.arch, installedSize)
	controlPath := filepath.Join(stageDir, "control.tar.gz")
	if err := writeDebControl(controlPath, control, sums, modTime); err != nil {
		return "", errors.Wrap(err, "building control archive")
	}

	tmp, err := os.CreateTemp(outDir, "."+name+"-*.deb")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary package")
	}
	tmpPath := tmp.Name()

	err = writeDebArchive(tmp, modTime, controlPath, dataPath)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "writing deb")
	}

	// CreateTemp makes the file 0600.
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "setting package mode")
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "moving package into place")
	}

	level.Debug(logger).Log(
		"msg", "built deb",
		"path", outPath,
		"files", len(files),
	)

	return outPath, nil
}

// debPackageName lowercases name and replaces everything dpkg does not
// allow in a package name.
func debPackageName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-.+")
}

type debSum struct {
	path string
	sum  string
}

func writeDebData(path string, files []layoutFile, modTime time.Time) ([]debSum, int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return nil, 0, err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	sums := make([]debSum, 0, len(files))
	var installedSize int64

	for _, f := range files {
		sum, err := addFileToTar(tw, f, modTime)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "adding %s", f.sourcePath)
		}
		sums = append(sums, debSum{path: f.destPath, sum: sum})
		installedSize += f.size
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gw.Close(); err != nil {
		return nil, 0, err
	}
	return sums, installedSize, out.Close()
}

func addFileToTar(tw *tar.Writer, f layoutFile, modTime time.Time) (string, error) {
	src, err := os.Open(f.sourcePath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	header := &tar.Header{
		Name:    "./" + f.destPath,
		Size:    f.size,
		Mode:    int64(f.mode),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return "", err
	}

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tw, h), src)
	if err != nil {
		return "", err
	}
	if n != f.size {
		return "", errors.Errorf("changed size while packaging, %d bytes became %d", f.size, n)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// debControl renders the control file. The long description becomes
// the extended description, with blank lines as " .".
func debControl(settings *bundle.Settings, name, arch string, installedSize int64) string {
	var b strings.Builder

	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, value)
		}
	}

	maintainer := settings.AuthorString()
	if maintainer == "" {
		maintainer = settings.BundleName()
	}

	synopsis := settings.ShortDescription
	if synopsis == "" {
		synopsis = settings.BundleName()
	}

	field("Package", name)
	field("Version", settings.Version)
	field("Architecture", arch)
	field("Maintainer", maintainer)
	field("Installed-Size", fmt.Sprintf("%d", (installedSize+1023)/1024))
	field("Section", "misc")
	field("Priority", "optional")
	field("Homepage", settings.Homepage)
	field("Description", synopsis)

	if long := strings.TrimSpace(settings.LongDescription); long != "" {
		for _, line := range strings.Split(long, "\n") {
			if strings.TrimSpace(line) == "" {
				b.WriteString(" .\n")
				continue
			}
			fmt.Fprintf(&b, " %s\n", line)
		}
	}

	return b.String()
}

func writeDebControl(path, control string, sums []debSum, modTime time.Time) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	var md5sums strings.Builder
	for _, s := range sums {
		fmt.Fprintf(&md5sums, "%s  %s\n", s.sum, s.path)
	}

	for _, entry := range []struct {
		name string
		body string
	}{
		{"control", control},
		{"md5sums", md5sums.String()},
	} {
		header := &tar.Header{
			Name:    "./" + entry.name,
			Size:    int64(len(entry.body)),
			Mode:    0644,
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return errors.Wrapf(err, "writing %s", entry.name)
		}
		if _, err := io.WriteString(tw, entry.body); err != nil {
			return errors.Wrapf(err, "writing %s", entry.name)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return out.Close()
}

// writeDebArchive writes the ar container. Member order is fixed:
// debian-binary, control.tar.gz, data.tar.gz.
func writeDebArchive(w io.Writer, modTime time.Time, controlPath, dataPath string) error {
	arW := ar.NewWriter(w)
	if err := arW.WriteGlobalHeader(); err != nil {
		return errors.Wrap(err, "writing ar global header")
	}

	version := "2.0\n"
	if err := arW.WriteHeader(&ar.Header{Name: "debian-binary", Size: int64(len(version)), Mode: 0644, ModTime: modTime}); err != nil {
		return errors.Wrap(err, "writing debian-binary")
	}
	if _, err := io.WriteString(arW, version); err != nil {
		return errors.Wrap(err, "writing debian-binary")
	}

	if err := addFileToAr(arW, "control.tar.gz", controlPath, modTime); err != nil {
		return err
	}
	return addFileToAr(arW, "data.tar.gz", dataPath, modTime)
}

func addFileToAr(arW *ar.Writer, name, path string, modTime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "reading metadata of %s", name)
	}

	if err := arW.WriteHeader(&ar.Header{Name: name, Size: info.Size(), Mode: 0644, ModTime: modTime}); err != nil {
		return errors.Wrapf(err, "writing %s header", name)
	}
	if _, err := io.Copy(arW, f); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	return nil
}
