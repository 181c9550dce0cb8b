package packagekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundle"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit/cab"
	"github.com/kolide/bundler/pkg/packagekit/msi"
	"github.com/kolide/kit/version"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const (
	archX86 = "x86"
	archX64 = "x64"
)

type msiOptions struct {
	linker    msi.Linker
	arch      string
	keepStage bool
	limits    cabinetLimits
	now       func() time.Time
	laidOut   func([]*resourceEntry)
}

type MSIOpt func(*msiOptions)

// WithLinker sets what links the staged database. The default runs
// msibuild from PATH.
func WithLinker(l msi.Linker) MSIOpt {
	return func(o *msiOptions) {
		o.linker = l
	}
}

// WithArch selects x86 (the default) or x64.
func WithArch(arch string) MSIOpt {
	return func(o *msiOptions) {
		o.arch = arch
	}
}

// WithKeepStage leaves the staging directory behind for debugging.
func WithKeepStage() MSIOpt {
	return func(o *msiOptions) {
		o.keepStage = true
	}
}

// WithCabinetLimits overrides how many files and bytes go in one cabinet.
func WithCabinetLimits(maxFiles int, maxSize int64) MSIOpt {
	return func(o *msiOptions) {
		o.limits.maxFiles = maxFiles
		o.limits.maxSize = maxSize
	}
}

func withClock(now func() time.Time) MSIOpt {
	return func(o *msiOptions) {
		o.now = now
	}
}

// withLayoutHook runs fn once the resources have been measured, before
// any of them is copied into a cabinet.
func withLayoutHook(fn func([]*resourceEntry)) MSIOpt {
	return func(o *msiOptions) {
		o.laidOut = fn
	}
}

// PackageMSI builds a Windows Installer package for the bundle and
// returns its path, <out>/bundle/msi/<name>.msi. On failure no package
// is left at that path.
func PackageMSI(ctx context.Context, settings *bundle.Settings, opts ...MSIOpt) (string, error) {
	ctx, span := trace.StartSpan(ctx, "packagekit.PackageMSI")
	defer span.End()

	ctx = ctxlog.With(ctx, "bundle", settings.BundleName())
	logger := ctxlog.FromContext(ctx)

	o := &msiOptions{
		arch:   archX86,
		limits: defaultCabinetLimits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.arch != archX86 && o.arch != archX64 {
		return "", errors.Errorf("unsupported msi architecture %q", o.arch)
	}
	if o.limits.maxFiles < 1 || o.limits.maxSize < 1 {
		return "", errors.New("cabinet limits must be positive")
	}

	outDir := filepath.Join(settings.OutputDir(), "bundle", "msi")
	outPath := filepath.Join(outDir, settings.BundleName()+".msi")

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return "", errors.Wrap(err, "removing previous package")
	}

	stageDir, err := os.MkdirTemp("", "msi-build")
	if err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	if o.keepStage {
		level.Info(logger).Log("msg", "keeping msi staging directory", "dir", stageDir)
	} else {
		defer os.RemoveAll(stageDir)
	}

	var pkgOpts []msi.Opt
	if o.linker != nil {
		pkgOpts = append(pkgOpts, msi.WithLinker(o.linker))
	}

	pkg, err := msi.Create(stageDir, pkgOpts...)
	if err != nil {
		return "", errors.Wrap(err, "creating msi package")
	}

	if err := assembleMSI(ctx, pkg, settings, o); err != nil {
		return "", err
	}

	// Link next to the output and rename, so a failed link never leaves a
	// file at outPath.
	tmp, err := os.CreateTemp(outDir, "."+settings.BundleName()+"-*.msi")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary package")
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := pkg.Flush(ctx, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "linking msi")
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
		"msg", "built msi",
		"path", outPath,
		"arch", o.arch,
	)

	return outPath, nil
}

// assembleMSI fills pkg with the tables and streams for settings.
func assembleMSI(ctx context.Context, pkg *msi.Package, settings *bundle.Settings, o *msiOptions) error {
	logger := ctxlog.FromContext(ctx)

	productVersion, err := formatMSIVersion(settings.Version)
	if err != nil {
		return err
	}

	entries, err := collectResources(settings.BinaryPath(), settings.ResourceFiles())
	if err != nil {
		return err
	}
	if err := checkFileKeys(entries); err != nil {
		return err
	}

	dirs := collectDirectories(entries)
	cabinets := divideIntoCabinets(entries, o.limits)

	icon, err := loadIcon(settings.BinaryName(), settings.IconFiles())
	if err != nil {
		return err
	}
	if icon == nil {
		level.Warn(logger).Log("msg", "no icon found, the package will use the default")
	}

	level.Debug(logger).Log(
		"msg", "laid out msi",
		"files", len(entries),
		"directories", len(dirs),
		"cabinets", len(cabinets),
	)

	productName := settings.BundleName()
	manufacturer := settings.AuthorString()
	if manufacturer == "" {
		manufacturer = productName
	}

	productCode := generateMicrosoftProductCode(settings.Identifier)
	upgradeCode := generateMicrosoftProductCode("upgrade", settings.Identifier)
	packageCode := generateMicrosoftProductCode(settings.Identifier, productVersion, o.arch)

	platform := "Intel"
	if o.arch == archX64 {
		platform = "x64"
	}

	pkg.SetSummaryInfo(msi.SummaryInfo{
		Title:               "Installation Database",
		Subject:             productName,
		Author:              manufacturer,
		Keywords:            "Installer",
		Comments:            settings.ShortDescription,
		Template:            fmt.Sprintf("%s;%d", platform, defaultLanguage),
		PackageGUID:         msi.FormatGUID(packageCode),
		CreatingApplication: fmt.Sprintf("bundler %s", version.Version().Version),
		Created:             o.now(),
		PageCount:           200,
		WordCount:           2, // compressed, long file names
		Codepage:            1252,
	})

	names := assignInstallNames(productName, dirs)

	steps := []struct {
		table string
		fn    func() error
	}{
		{"Directory", func() error { return createDirectoryTable(pkg, o.arch, dirs, names) }},
		{"Feature", func() error { return createFeatureTable(pkg, productName) }},
		{"Component", func() error { return createComponentTable(pkg, productCode, o.arch, dirs) }},
		{"FeatureComponents", func() error { return createFeatureComponentsTable(pkg, dirs) }},
		{"Media", func() error { return createMediaTable(pkg, cabinets) }},
		{"File", func() error { return createFileTable(pkg, cabinets, names) }},
		{"Property", func() error {
			return createPropertyTable(pkg, productProperties{
				manufacturer: manufacturer,
				productCode:  productCode,
				productName:  productName,
				version:      productVersion,
				upgradeCode:  upgradeCode,
				comments:     settings.ShortDescription,
				helpLink:     settings.Homepage,
				icon:         icon,
			})
		}},
		{"Icon", func() error { return createIconTable(pkg, icon) }},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return errors.Wrapf(err, "generating %s table", step.table)
		}
	}

	if err := createUITables(pkg); err != nil {
		return err
	}

	if o.laidOut != nil {
		o.laidOut(entries)
	}

	modTime := o.now()
	for _, c := range cabinets {
		if err := writeCabinet(pkg, c, o.limits.folderSize, modTime); err != nil {
			return errors.Wrapf(err, "generating cabinet %s", c.name)
		}
	}

	if icon != nil {
		if err := writeIconStream(pkg, icon); err != nil {
			return errors.Wrap(err, "generating icon stream")
		}
	}

	return nil
}

// writeCabinet streams the cabinet's files, in order, into a package
// stream named after the cabinet. Files are stored under their File
// table key, which is how the installer finds them.
func writeCabinet(pkg *msi.Package, c *cabinetInfo, folderSize int64, modTime time.Time) error {
	stream, err := pkg.WriteStream(c.name)
	if err != nil {
		return err
	}
	defer stream.Close()

	cw, err := cab.NewWriter(stream, cab.WithSpoolDir(pkg.Dir()))
	if err != nil {
		return err
	}
	defer cw.Close()

	for _, folder := range c.folders(folderSize) {
		if err := cw.AddFolder(cab.CompressMSZIP); err != nil {
			return err
		}
		for _, e := range folder {
			if err := addCabinetFile(cw, e, modTime); err != nil {
				return err
			}
		}
	}

	if err := cw.Close(); err != nil {
		return err
	}
	return stream.Close()
}

func addCabinetFile(cw *cab.Writer, e *resourceEntry, modTime time.Time) error {
	f, err := os.Open(e.sourcePath)
	if err != nil {
		return errors.Wrapf(err, "reopening %s", e.sourcePath)
	}
	defer f.Close()

	n, err := cw.AddFile(e.fileKey, modTime, f)
	if err != nil {
		return errors.Wrapf(err, "adding %s", e.sourcePath)
	}
	if n != e.size {
		return errors.Errorf("%s changed size while packaging, %d bytes became %d", e.sourcePath, e.size, n)
	}
	return nil
}

func writeIconStream(pkg *msi.Package, icon *productIcon) error {
	stream, err := pkg.WriteStream(iconStreamName(icon))
	if err != nil {
		return err
	}

	if _, err := stream.Write(icon.data); err != nil {
		stream.Close()
		return errors.Wrapf(err, "writing icon from %s", icon.source)
	}
	return stream.Close()
}
