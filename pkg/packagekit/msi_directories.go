package packagekit

import (
	"fmt"
	"strings"
)

const installDirKey = "INSTALLDIR"

// directoryInfo is one install directory. Each non-empty directory
// becomes a Component sharing its key.
type directoryInfo struct {
	key       string
	parentKey string // empty for the install root
	name      string
	files     []*resourceEntry
}

// collectDirectories builds the install tree from entry destinations.
// Nodes come back in allocation order, root first. Each entry's
// componentKey is set to the node it lands in.
func collectDirectories(entries []*resourceEntry) []*directoryInfo {
	root := &directoryInfo{key: installDirKey}
	dirs := []*directoryInfo{root}
	byPath := map[string]*directoryInfo{"": root}
	index := 0

	for _, e := range entries {
		node := root
		var prefix []string

		for _, seg := range e.destDirs() {
			prefix = append(prefix, seg)
			p := strings.Join(prefix, "/")

			child, ok := byPath[p]
			if !ok {
				child = &directoryInfo{
					key:       fmt.Sprintf("RDIR%04d", index),
					parentKey: node.key,
					name:      seg,
				}
				index++
				byPath[p] = child
				dirs = append(dirs, child)
			}
			node = child
		}

		node.files = append(node.files, e)
		e.componentKey = node.key
	}

	return dirs
}
