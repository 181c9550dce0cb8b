package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/bundle"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/kolide/bundler/pkg/packagekit"
	"github.com/kolide/bundler/pkg/packagekit/msi"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/kolide/kit/version"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"
)

// commonFlags are the flags every packaging mode takes.
type commonFlags struct {
	manifest *string
	binary   *string
	out      *string
	debug    *bool
}

func newCommonFlags(flagset *flag.FlagSet) *commonFlags {
	return &commonFlags{
		manifest: flagset.String(
			"manifest",
			"bundle.yaml",
			"the bundle manifest to package",
		),
		binary: flagset.String(
			"binary",
			"",
			"override the binary named in the manifest",
		),
		out: flagset.String(
			"out",
			"",
			"override the output directory (default <manifest dir>/target)",
		),
		debug: flagset.Bool(
			"debug",
			false,
			"enable debug logging",
		),
	}
}

// parse reads args, then the config file and BUNDLER_ environment
// variables, the same way for every mode.
func parse(flagset *flag.FlagSet, args []string) error {
	flagset.String("config", "", "config file (optional)")

	ffOpts := []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("BUNDLER"),
	}

	return ff.Parse(flagset, args, ffOpts...)
}

// setup builds the logger and loads the manifest, applying the command
// line overrides.
func (c *commonFlags) setup() (context.Context, log.Logger, *bundle.Settings, error) {
	logger := logutil.NewCLILogger(*c.debug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	settings, err := loadSettings(*c.manifest, *c.binary, *c.out)
	if err != nil {
		return nil, nil, nil, err
	}

	return ctx, logger, settings, nil
}

func loadSettings(manifest, binary, out string) (*bundle.Settings, error) {
	settings, err := bundle.Load(manifest)
	if err != nil {
		return nil, err
	}

	if binary != "" {
		abs, err := filepath.Abs(binary)
		if err != nil {
			return nil, errors.Wrap(err, "resolving binary")
		}
		settings.Binary = abs
	}

	if out != "" {
		abs, err := filepath.Abs(out)
		if err != nil {
			return nil, errors.Wrap(err, "resolving output directory")
		}
		settings.OutDir = abs
	}

	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid manifest")
	}

	return settings, nil
}

func runVersion(args []string) error {
	version.PrintFull()
	return nil
}

func runMSI(args []string) error {
	flagset := flag.NewFlagSet("msi", flag.ExitOnError)
	common := newCommonFlags(flagset)
	var (
		flArch = flagset.String(
			"arch",
			"x86",
			"the installer architecture, x86 or x64",
		)
		flMsibuild = flagset.String(
			"msibuild",
			"msibuild",
			"the msibuild binary from msitools",
		)
		flDocker = flagset.String(
			"docker",
			env.String("MSITOOLS_IMAGE", ""),
			"run msibuild inside this docker image",
		)
		flKeepStage = flagset.Bool(
			"keep_stage",
			false,
			"leave the staged database behind for debugging",
		)
	)

	flagset.Usage = usageFor(flagset, "bundler msi [flags]")
	if err := parse(flagset, args); err != nil {
		return err
	}

	ctx, logger, settings, err := common.setup()
	if err != nil {
		return err
	}

	linkerOpts := []msi.MsibuildOpt{msi.WithMsibuildPath(*flMsibuild)}
	if *flDocker != "" {
		linkerOpts = append(linkerOpts, msi.WithDocker(*flDocker))
	}

	opts := []packagekit.MSIOpt{
		packagekit.WithArch(*flArch),
		packagekit.WithLinker(msi.NewMsibuild(linkerOpts...)),
	}
	if *flKeepStage {
		opts = append(opts, packagekit.WithKeepStage())
	}

	out, err := packagekit.PackageMSI(ctx, settings, opts...)
	if err != nil {
		return errors.Wrap(err, "could not build msi")
	}

	level.Info(logger).Log("msg", "created package", "msi", out)
	return nil
}

func runDeb(args []string) error {
	flagset := flag.NewFlagSet("deb", flag.ExitOnError)
	common := newCommonFlags(flagset)
	flArch := flagset.String(
		"arch",
		"amd64",
		"the package architecture, as dpkg names it",
	)

	flagset.Usage = usageFor(flagset, "bundler deb [flags]")
	if err := parse(flagset, args); err != nil {
		return err
	}

	ctx, logger, settings, err := common.setup()
	if err != nil {
		return err
	}

	out, err := packagekit.PackageDeb(ctx, settings, packagekit.WithDebArch(*flArch))
	if err != nil {
		return errors.Wrap(err, "could not build deb")
	}

	level.Info(logger).Log("msg", "created package", "deb", out)
	return nil
}

// fpmMode builds the run function for a package type made by fpm.
func fpmMode(name string, asType func() packagekit.FPMOpt) func([]string) error {
	return func(args []string) error {
		flagset := flag.NewFlagSet(name, flag.ExitOnError)
		common := newCommonFlags(flagset)
		var (
			flArch = flagset.String(
				"arch",
				"amd64",
				"the package architecture, in GOARCH terms",
			)
			flDocker = flagset.String(
				"docker",
				env.String("FPM_IMAGE", "kolide/fpm"),
				"the docker image fpm runs in",
			)
		)

		flagset.Usage = usageFor(flagset, fmt.Sprintf("bundler %s [flags]", name))
		if err := parse(flagset, args); err != nil {
			return err
		}

		ctx, logger, settings, err := common.setup()
		if err != nil {
			return err
		}

		out, err := packagekit.PackageFPM(ctx, settings,
			asType(),
			packagekit.WithFPMArch(*flArch),
			packagekit.WithFPMImage(*flDocker),
		)
		if err != nil {
			return errors.Wrapf(err, "could not build %s", name)
		}

		level.Info(logger).Log("msg", "created package", name, out)
		return nil
	}
}

func usageFor(fs *flag.FlagSet, short string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE\n")
		fmt.Fprintf(os.Stderr, "  %s\n", short)
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		w := tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(w, "\t-%s %s\t%s\n", f.Name, f.DefValue, f.Usage)
		})
		w.Flush()
		fmt.Fprintf(os.Stderr, "\n")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "USAGE\n")
	fmt.Fprintf(os.Stderr, "  %s <mode> --help\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "MODES\n")
	fmt.Fprintf(os.Stderr, "  msi          Build a Windows Installer package\n")
	fmt.Fprintf(os.Stderr, "  deb          Build a Debian package\n")
	fmt.Fprintf(os.Stderr, "  rpm          Build an rpm with fpm\n")
	fmt.Fprintf(os.Stderr, "  tar          Build a tarball with fpm\n")
	fmt.Fprintf(os.Stderr, "  version      Print full version information\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "VERSION\n")
	fmt.Fprintf(os.Stderr, "  %s\n", version.Version().Version)
	fmt.Fprintf(os.Stderr, "\n")
}

func modeFor(name string) func([]string) error {
	switch strings.ToLower(name) {
	case "version":
		return runVersion
	case "msi":
		return runMSI
	case "deb":
		return runDeb
	case "rpm":
		return fpmMode("rpm", packagekit.AsRPM)
	case "tar":
		return fpmMode("tar", packagekit.AsTar)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	run := modeFor(os.Args[1])
	if run == nil {
		usage()
		os.Exit(1)
	}

	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
