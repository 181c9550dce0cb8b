package packagekit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kolide/kit/env"
	"github.com/stretchr/testify/require"
)

func Test_fpmArch(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		testCaseName string
		f            fpmOptions
		expectedArch string
	}{
		{
			testCaseName: "amd64",
			f: fpmOptions{
				arch: "amd64",
			},
			expectedArch: "amd64",
		},
		{
			testCaseName: "amd64 - rpm",
			f: fpmOptions{
				arch:       "amd64",
				outputType: RPM,
			},
			expectedArch: "x86_64",
		},
		{
			testCaseName: "arm64 - deb",
			f: fpmOptions{
				arch:       "arm64",
				outputType: Deb,
			},
			expectedArch: "arm64",
		},
		{
			testCaseName: "arm64 - rpm",
			f: fpmOptions{
				arch:       "arm64",
				outputType: RPM,
			},
			expectedArch: "aarch64",
		},
		{
			testCaseName: "arm64 - tar",
			f: fpmOptions{
				arch:       "arm64",
				outputType: Tar,
			},
			expectedArch: "arm64",
		},
	} {
		tt := tt
		t.Run(tt.testCaseName, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.expectedArch, fpmArch(tt.f))
		})
	}
}

// fakeFPM stands in for docker. It records the arguments and writes the
// package fpm would have written into the directory mounted at /out.
func fakeFPM(t *testing.T, gotArgs *[]string, writeOutput bool) FPMOpt {
	return func(f *fpmOptions) {
		f.execCC = func(ctx context.Context, argv0 string, args ...string) *exec.Cmd {
			require.Equal(t, "docker", argv0)
			*gotArgs = args

			if writeOutput {
				var outDir, outFile string
				for i, arg := range args {
					if arg == "-v" && strings.HasSuffix(args[i+1], ":/out") {
						outDir = strings.TrimSuffix(args[i+1], ":/out")
					}
					if arg == "-p" {
						outFile = filepath.Base(args[i+1])
					}
				}
				require.NotEmpty(t, outDir)
				require.NotEmpty(t, outFile)
				require.NoError(t, os.WriteFile(filepath.Join(outDir, outFile), []byte("package"), 0644))
			}

			status := "exit1"
			if writeOutput {
				status = "exit0"
			}
			return helperCommandContext(ctx, status)
		}
	}
}

func TestPackageFPM(t *testing.T) {
	t.Parallel()

	settings := setupLinuxBundle(t)

	var args []string
	out, err := PackageFPM(context.TODO(), settings, AsRPM(), WithFPMArch("arm64"), fakeFPM(t, &args, true))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(settings.BaseDir, "target", "bundle", "rpm", "widget-tool-1.2.3.rpm"), out)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "package", string(body))

	joined := strings.Join(args, "\x00")
	require.Contains(t, joined, strings.Join([]string{defaultFPMImage, "fpm", "-s", "dir", "-t", "rpm", "-n", "widget-tool", "-v", "1.2.3", "-a", "aarch64"}, "\x00"))
	require.Contains(t, joined, strings.Join([]string{"--url", "https://example.com/widget"}, "\x00"))
}

func TestPackageFPMFailure(t *testing.T) {
	t.Parallel()

	settings := setupLinuxBundle(t)

	var args []string
	_, err := PackageFPM(context.TODO(), settings, AsTar(), fakeFPM(t, &args, false))
	require.Error(t, err)
	require.Contains(t, err.Error(), "creating fpm package")

	_, err = os.Stat(filepath.Join(settings.BaseDir, "target", "bundle", "tar"))
	require.True(t, os.IsNotExist(err))
}

func TestPackageFPMMissingType(t *testing.T) {
	t.Parallel()

	_, err := PackageFPM(context.TODO(), setupLinuxBundle(t))
	require.Error(t, err)
}

func TestPackageFPMDocker(t *testing.T) {
	t.Parallel()

	if !env.Bool("CI_TEST_PACKAGING", false) {
		t.Skip("No docker")
	}

	settings := setupLinuxBundle(t)

	for _, opt := range []FPMOpt{AsRPM(), AsTar()} {
		out, err := PackageFPM(context.TODO(), settings, opt)
		require.NoError(t, err)

		info, err := os.Stat(out)
		require.NoError(t, err)
		require.NotZero(t, info.Size())
	}
}

func helperCommandContext(ctx context.Context, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--"}
	cs = append(cs, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

// TestHelperProcess isn't a real test. It's used as a helper process
// to make an execCC that exits with a chosen status.
func TestHelperProcess(t *testing.T) {
	t.Parallel()

	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "exit0":
		os.Exit(0)
	case "exit1":
		os.Exit(1)
	}
}
