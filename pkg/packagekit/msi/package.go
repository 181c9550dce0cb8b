package msi

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

const (
	streamDirName = "streams"
	idtDirName    = "idt"
)

// Stream names are stored compressed by the compound file layer, which
// limits them to 62 characters from the base64-ish alphabet it packs.
var streamNameRe = regexp.MustCompile(`^[A-Za-z0-9._]{1,62}$`)

// Package is an in-progress installer database. Tables and streams are
// staged under a working directory until Flush links them.
type Package struct {
	dir     string
	summary SummaryInfo
	linker  Linker

	tables     map[string]*Table
	tableOrder []string

	streams     map[string]string // name -> staged file
	streamOrder []string
}

type Opt func(*Package)

// WithLinker sets what turns the exported tables into a database file.
// The default is NewMsibuild().
func WithLinker(l Linker) Opt {
	return func(p *Package) {
		p.linker = l
	}
}

// Create starts a package staged in dir, which is created if needed.
func Create(dir string, opts ...Opt) (*Package, error) {
	p := &Package{
		dir:     dir,
		tables:  make(map[string]*Table),
		streams: make(map[string]string),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.linker == nil {
		p.linker = NewMsibuild()
	}

	if err := os.MkdirAll(filepath.Join(dir, streamDirName), 0755); err != nil {
		return nil, errors.Wrap(err, "creating stream staging dir")
	}

	return p, nil
}

// Dir is the staging directory.
func (p *Package) Dir() string { return p.dir }

func (p *Package) SetSummaryInfo(s SummaryInfo) { p.summary = s }
func (p *Package) SummaryInfo() SummaryInfo     { return p.summary }

// CreateTable declares a table. Table names are unique within a package.
func (p *Package) CreateTable(name string, columns []Column) error {
	if _, ok := p.tables[name]; ok {
		return &ValidationError{Table: name, Reason: "table already exists"}
	}

	t, err := newTable(name, columns)
	if err != nil {
		return err
	}

	p.tables[name] = t
	p.tableOrder = append(p.tableOrder, name)
	return nil
}

// Table returns a declared table.
func (p *Package) Table(name string) (*Table, bool) {
	t, ok := p.tables[name]
	return t, ok
}

// Tables returns tables in declaration order.
func (p *Package) Tables() []*Table {
	out := make([]*Table, 0, len(p.tableOrder))
	for _, name := range p.tableOrder {
		out = append(out, p.tables[name])
	}
	return out
}

// InsertRows validates and appends the rows of ins. Rows before the
// first invalid one are kept.
func (p *Package) InsertRows(ins *Insert) error {
	t, ok := p.tables[ins.table]
	if !ok {
		return errors.Wrapf(errNoTable, "inserting into %s", ins.table)
	}

	for _, row := range ins.rows {
		if err := t.insert(row); err != nil {
			return err
		}
	}
	return nil
}

// WriteStream opens a new named stream for writing. Binary columns and
// embedded cabinets refer to streams by name.
func (p *Package) WriteStream(name string) (io.WriteCloser, error) {
	if !streamNameRe.MatchString(name) {
		return nil, &ValidationError{Table: "_Streams", Reason: fmt.Sprintf("invalid stream name %q", name)}
	}
	if _, ok := p.streams[name]; ok {
		return nil, &ValidationError{Table: "_Streams", Reason: fmt.Sprintf("stream %q already exists", name)}
	}

	path := filepath.Join(p.dir, streamDirName, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating stream %s", name)
	}

	p.streams[name] = path
	p.streamOrder = append(p.streamOrder, name)
	return f, nil
}

// Streams lists stream names in creation order.
func (p *Package) Streams() []string {
	return append([]string(nil), p.streamOrder...)
}

// Validate checks everything that can only be checked once all rows are
// in: foreign keys, stream references and the summary information.
func (p *Package) Validate() error {
	if err := p.summary.validate(); err != nil {
		return err
	}

	for _, t := range p.Tables() {
		for ci, c := range t.columns {
			if c.keyTable == "" && c.kind != kindBinary {
				continue
			}

			var allowed map[string]bool
			if c.keyTable != "" {
				ref, ok := p.tables[c.keyTable]
				if !ok {
					return &ValidationError{Table: t.name, Column: c.name, Reason: fmt.Sprintf("references missing table %s", c.keyTable)}
				}
				if c.keyColumn > len(ref.columns) {
					return &ValidationError{Table: t.name, Column: c.name, Reason: fmt.Sprintf("references column %d of %s, which has %d", c.keyColumn, ref.name, len(ref.columns))}
				}
				allowed = make(map[string]bool, len(ref.rows))
				for _, r := range ref.rows {
					allowed[r[c.keyColumn-1].key()] = true
				}
			}

			for ri, row := range t.rows {
				v := row[ci]
				if v.IsNull() {
					continue
				}
				if c.kind == kindBinary {
					if _, ok := p.streams[v.s]; !ok {
						return &ValidationError{Table: t.name, Column: c.name, Row: ri + 1, Reason: fmt.Sprintf("stream %q was never written", v.s)}
					}
					continue
				}
				if !allowed[v.key()] {
					return &ValidationError{
						Table:  t.name,
						Column: c.name,
						Row:    ri + 1,
						Reason: fmt.Sprintf("%q not found in %s", v.String(), c.keyTable),
					}
				}
			}
		}
	}

	return nil
}

// unreferencedStreams are streams no binary cell points at. They are
// added to the database directly rather than through a table.
func (p *Package) unreferencedStreams() []StagedStream {
	used := make(map[string]bool)
	for _, t := range p.tables {
		for ci, c := range t.columns {
			if c.kind != kindBinary {
				continue
			}
			for _, row := range t.rows {
				if name, ok := row[ci].StreamName(); ok {
					used[name] = true
				}
			}
		}
	}

	var out []StagedStream
	for _, name := range p.streamOrder {
		if !used[name] {
			out = append(out, StagedStream{Name: name, Path: p.streams[name]})
		}
	}
	return out
}

// Flush validates the package, exports it and links it to out.
func (p *Package) Flush(ctx context.Context, out string) error {
	ctx, span := trace.StartSpan(ctx, "msi.Flush")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "validating package")
	}

	idtDir := filepath.Join(p.dir, idtDirName)
	files, err := p.ExportIDT(idtDir)
	if err != nil {
		return errors.Wrap(err, "exporting tables")
	}

	in := &LinkInput{
		Dir:     idtDir,
		Tables:  files,
		Streams: p.unreferencedStreams(),
		Summary: p.summary,
		Package: p,
	}

	level.Debug(logger).Log(
		"msg", "linking msi",
		"out", out,
		"tables", len(files),
		"streams", len(in.Streams),
	)

	if err := p.linker.Link(ctx, in, out); err != nil {
		return errors.Wrap(err, "linking package")
	}

	return nil
}
