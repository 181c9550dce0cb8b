package packagekit

import "fmt"

// cabinetLimits bound what goes into one cabinet.
type cabinetLimits struct {
	folderSize int64 // bytes per compression folder
	maxFiles   int
	maxSize    int64 // bytes per cabinet, unless one file alone is larger
}

var defaultCabinetLimits = cabinetLimits{
	folderSize: 0x8000,
	maxFiles:   1000,
	maxSize:    0x1000_0000,
}

type cabinetInfo struct {
	name      string
	resources []*resourceEntry
}

// divideIntoCabinets partitions entries greedily. Each pass scans the
// remaining entries in order, admitting what fits and deferring the rest
// to the next cabinet. An entry is admitted into an empty cabinet
// regardless of size, so every pass makes progress.
func divideIntoCabinets(entries []*resourceEntry, limits cabinetLimits) []*cabinetInfo {
	var cabinets []*cabinetInfo
	remaining := entries

	for len(remaining) > 0 {
		cabinet := &cabinetInfo{name: fmt.Sprintf("rsrc%04d.cab", len(cabinets))}
		names := make(map[string]bool)
		var size int64
		var leftovers []*resourceEntry

		for _, e := range remaining {
			fits := len(cabinet.resources) == 0 || size+e.size <= limits.maxSize
			if len(cabinet.resources) < limits.maxFiles && fits && !names[e.fileKey] {
				cabinet.resources = append(cabinet.resources, e)
				names[e.fileKey] = true
				size += e.size
				continue
			}
			leftovers = append(leftovers, e)
		}

		cabinets = append(cabinets, cabinet)
		remaining = leftovers
	}

	return cabinets
}

// folders groups the cabinet's entries into compression folders. A new
// folder starts when adding the next entry would push a non-empty folder
// past limit.
func (c *cabinetInfo) folders(limit int64) [][]*resourceEntry {
	var out [][]*resourceEntry
	var current []*resourceEntry
	var total int64

	for _, e := range c.resources {
		if len(current) > 0 && total+e.size > limit {
			out = append(out, current)
			current, total = nil, 0
		}
		current = append(current, e)
		total += e.size
	}

	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

func (c *cabinetInfo) size() int64 {
	var total int64
	for _, e := range c.resources {
		total += e.size
	}
	return total
}
