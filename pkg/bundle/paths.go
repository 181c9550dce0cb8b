package bundle

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// Paths lazily expands a list of glob patterns into files. Patterns are
// expanded one at a time, in order, and each pattern's matches are
// sorted. Use it like a bufio.Scanner:
//
//	for it.Next() {
//		use(it.Path(), it.RelPath())
//	}
//	if err := it.Err(); err != nil { ... }
type Paths struct {
	base      string
	patterns  []string
	allowWalk bool

	pending []match
	cur     match
	err     error
}

type match struct {
	path    string
	relPath string
}

func newPaths(base string, patterns []string, allowWalk bool) *Paths {
	return &Paths{
		base:      base,
		patterns:  append([]string(nil), patterns...),
		allowWalk: allowWalk,
	}
}

// Next advances to the next file. It returns false when the patterns
// are exhausted or an error stopped iteration.
func (p *Paths) Next() bool {
	if p.err != nil {
		return false
	}

	for len(p.pending) == 0 {
		if len(p.patterns) == 0 {
			return false
		}

		pattern := p.patterns[0]
		p.patterns = p.patterns[1:]

		matches, err := p.expand(pattern)
		if err != nil {
			p.err = err
			return false
		}
		p.pending = matches
	}

	p.cur = p.pending[0]
	p.pending = p.pending[1:]
	return true
}

// Path is the current file on disk.
func (p *Paths) Path() string { return p.cur.path }

// RelPath is the current file as the pattern named it: relative to the
// manifest directory for relative patterns, absolute otherwise. It uses
// forward slashes.
func (p *Paths) RelPath() string { return p.cur.relPath }

func (p *Paths) Err() error { return p.err }

// Collect drains the iterator.
func (p *Paths) Collect() ([]string, error) {
	var out []string
	for p.Next() {
		out = append(out, p.Path())
	}
	return out, p.Err()
}

func (p *Paths) expand(pattern string) ([]match, error) {
	abs := pattern
	if !filepath.IsAbs(pattern) {
		abs = filepath.Join(p.base, pattern)
	}

	found, err := doublestar.FilepathGlob(abs, doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, errors.Wrapf(err, "expanding %s", pattern)
	}

	// A literal path that matches nothing is a missing file, not an
	// empty glob.
	if len(found) == 0 && !hasMeta(pattern) {
		return nil, errors.Wrapf(os.ErrNotExist, "resource %s", abs)
	}

	sort.Strings(found)

	var out []match
	for _, path := range found {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}

		if !info.IsDir() {
			out = append(out, p.match(pattern, path))
			continue
		}

		if !p.allowWalk {
			return nil, errors.Errorf("%s is a directory", path)
		}

		err = filepath.WalkDir(path, func(walked string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			out = append(out, p.match(pattern, walked))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walking %s", path)
		}
	}

	return out, nil
}

func (p *Paths) match(pattern, path string) match {
	rel := path
	if !filepath.IsAbs(pattern) {
		if r, err := filepath.Rel(p.base, path); err == nil {
			rel = r
		}
	}
	return match{path: path, relPath: filepath.ToSlash(rel)}
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
