package packagekit

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kolide/bundler/pkg/bundle"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
)

// layoutFile is one file of a unix package tree.
type layoutFile struct {
	sourcePath string
	destPath   string // slash separated, relative to the filesystem root
	mode       os.FileMode
	size       int64
}

// linuxLayout places the binary at usr/bin/<bin> and the resources under
// usr/lib/<bin>/, keeping the paths they have below Resources/ in the
// msi layout.
func linuxLayout(settings *bundle.Settings) ([]layoutFile, error) {
	entries, err := collectResources(settings.BinaryPath(), settings.ResourceFiles())
	if err != nil {
		return nil, err
	}

	bin := settings.BinaryName()
	libDir := path.Join("usr", "lib", bin)

	files := make([]layoutFile, 0, len(entries))
	seen := make(map[string]string, len(entries))

	for i, e := range entries {
		f := layoutFile{
			sourcePath: e.sourcePath,
			size:       e.size,
			mode:       0644,
		}

		if i == 0 {
			f.destPath = path.Join("usr", "bin", bin)
			f.mode = 0755
		} else {
			f.destPath = path.Join(libDir, strings.TrimPrefix(e.destPath, resourcesDir+"/"))
		}

		if prev, ok := seen[f.destPath]; ok {
			return nil, errors.Errorf("%s and %s would both install to /%s", prev, e.sourcePath, f.destPath)
		}
		seen[f.destPath] = e.sourcePath

		files = append(files, f)
	}

	return files, nil
}

// copyrightFile writes the bundle's copyright notice into dir and returns
// the file that installs it as usr/share/doc/<name>/copyright. ok is false
// when the bundle has no notice.
func copyrightFile(settings *bundle.Settings, name, dir string) (f layoutFile, ok bool, err error) {
	notice := strings.TrimSpace(settings.Copyright)
	if notice == "" {
		return layoutFile{}, false, nil
	}

	body := []byte(notice + "\n")
	source := filepath.Join(dir, "copyright")
	if err := os.WriteFile(source, body, 0644); err != nil {
		return layoutFile{}, false, errors.Wrap(err, "writing copyright notice")
	}

	return layoutFile{
		sourcePath: source,
		destPath:   path.Join("usr", "share", "doc", name, "copyright"),
		mode:       0644,
		size:       int64(len(body)),
	}, true, nil
}

// stageLayout copies files into root, creating directories as needed.
func stageLayout(root string, files []layoutFile) error {
	if err := isDirectory(root); err != nil {
		return err
	}

	for _, f := range files {
		dest := filepath.Join(root, filepath.FromSlash(f.destPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return errors.Wrapf(err, "making directory for %s", f.destPath)
		}
		if err := fsutil.CopyFile(f.sourcePath, dest); err != nil {
			return errors.Wrapf(err, "copying %s", f.sourcePath)
		}
		if err := os.Chmod(dest, f.mode); err != nil {
			return errors.Wrapf(err, "setting mode on %s", f.destPath)
		}
	}

	return nil
}

func isDirectory(d string) error {
	dStat, err := os.Stat(d)

	if os.IsNotExist(err) {
		return errors.Wrapf(err, "missing packageRoot %s", d)
	}
	if err != nil {
		return errors.Wrapf(err, "checking packageRoot %s", d)
	}

	if !dStat.IsDir() {
		return errors.Errorf("packageRoot (%s) isn't a directory", d)
	}

	return nil
}
