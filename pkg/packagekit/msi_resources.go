package packagekit

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kolide/bundler/pkg/bundle"
	"github.com/pkg/errors"
)

const (
	resourcesDir = "Resources"
	rootMarker   = "_root_"
	upMarker     = "_up_"

	// Windows Installer identifiers are at most 72 characters.
	maxIdentifierLength = 72
)

// resourceEntry is one file headed for the installer.
type resourceEntry struct {
	sourcePath   string
	destPath     string // slash separated, relative to the install root
	filename     string
	fileKey      string // File table primary key
	size         int64
	componentKey string // set by collectDirectories
}

// destDirs are the directory segments of destPath.
func (e *resourceEntry) destDirs() []string {
	dir := path.Dir(e.destPath)
	if dir == "." {
		return nil
	}
	return strings.Split(dir, "/")
}

// FileKeyCollisionError reports two files that would share a File table
// key. Keys are derived from file names, so files with the same name in
// different directories collide.
type FileKeyCollisionError struct {
	Key    string
	First  string
	Second string
}

func (e *FileKeyCollisionError) Error() string {
	return fmt.Sprintf("file key %s is used by both %s and %s", e.Key, e.First, e.Second)
}

// collectResources lists the binary, installed at the root, followed by
// every resource under Resources/.
func collectResources(binaryPath string, resources *bundle.Paths) ([]*resourceEntry, error) {
	binary, err := newResourceEntry(binaryPath, filepath.Base(binaryPath))
	if err != nil {
		return nil, errors.Wrap(err, "reading binary")
	}

	entries := []*resourceEntry{binary}

	for resources.Next() {
		entry, err := newResourceEntry(resources.Path(), resourceDestPath(resources.RelPath()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := resources.Err(); err != nil {
		return nil, errors.Wrap(err, "resolving resources")
	}

	return entries, nil
}

func newResourceEntry(sourcePath, destPath string) (*resourceEntry, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata of %s", sourcePath)
	}

	if info.IsDir() {
		return nil, errors.Errorf("%s is a directory", sourcePath)
	}

	filename := path.Base(destPath)
	return &resourceEntry{
		sourcePath: sourcePath,
		destPath:   destPath,
		filename:   filename,
		fileKey:    fileKey(filename),
		size:       info.Size(),
	}, nil
}

// resourceDestPath maps a resource path, as the manifest named it, under
// Resources/. Parent references and filesystem roots become marker
// directories so every destination stays inside the install dir.
func resourceDestPath(rel string) string {
	segments := []string{resourcesDir}

	if vol := filepath.VolumeName(rel); vol != "" {
		rel = rel[len(vol):]
		segments = append(segments, rootMarker)
	} else if strings.HasPrefix(filepath.ToSlash(rel), "/") {
		segments = append(segments, rootMarker)
	}

	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		switch seg {
		case "", ".":
		case "..":
			segments = append(segments, upMarker)
		default:
			segments = append(segments, seg)
		}
	}

	return strings.Join(segments, "/")
}

// fileKey turns a file name into a File table key. Characters outside
// the identifier alphabet become underscores. Over-long keys keep a
// prefix and gain a hash of the full name.
func fileKey(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	key := b.String()
	if key == "" || !(isASCIILetter(key[0]) || key[0] == '_') {
		key = "_" + key
	}

	if len(key) > maxIdentifierLength {
		sum := generateMicrosoftProductCode("file", filename).String()
		suffix := "_" + sum[:8]
		key = key[:maxIdentifierLength-len(suffix)] + suffix
	}

	return key
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// checkFileKeys fails on the first key shared by two entries.
func checkFileKeys(entries []*resourceEntry) error {
	seen := make(map[string]*resourceEntry, len(entries))
	for _, e := range entries {
		if prev, ok := seen[e.fileKey]; ok {
			return &FileKeyCollisionError{Key: e.fileKey, First: prev.sourcePath, Second: e.sourcePath}
		}
		seen[e.fileKey] = e
	}
	return nil
}
