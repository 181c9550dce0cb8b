package packagekit

import (
	"fmt"
	"path"
	"strings"
)

// shortNamer hands out 8.3 names for one directory. Files and
// subdirectories of a directory share a namer, as they share a
// namespace on disk.
type shortNamer struct {
	used map[string]bool
}

func newShortNamer() *shortNamer {
	return &shortNamer{used: make(map[string]bool)}
}

// msiName is the Filename/DefaultDir value for long: the name itself
// when it is already a usable short name, otherwise "SHORT~N.EXT|long".
func (s *shortNamer) msiName(long string) string {
	if isShortName(long) && !s.used[strings.ToUpper(long)] {
		s.used[strings.ToUpper(long)] = true
		return long
	}

	ext := path.Ext(long)
	stem := shortChars(strings.TrimSuffix(long, ext))
	ext = shortChars(strings.TrimPrefix(ext, "."))
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if stem == "" {
		stem = "_"
	}

	for n := 1; ; n++ {
		tail := fmt.Sprintf("~%d", n)
		base := stem
		if len(base)+len(tail) > 8 {
			base = base[:8-len(tail)]
		}

		short := base + tail
		if ext != "" {
			short += "." + ext
		}

		if !s.used[short] {
			s.used[short] = true
			return short + "|" + long
		}
	}
}

// isShortName reports whether name is a plain 8.3 name.
func isShortName(name string) bool {
	stem, ext, hasExt := strings.Cut(name, ".")
	if len(stem) < 1 || len(stem) > 8 || len(ext) > 3 || strings.Contains(ext, ".") {
		return false
	}
	if hasExt && ext == "" {
		return false
	}
	return shortChars(stem) == strings.ToUpper(stem) && shortChars(ext) == strings.ToUpper(ext)
}

// shortChars upper-cases s and drops anything that is not safe in a
// short name.
func shortChars(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
