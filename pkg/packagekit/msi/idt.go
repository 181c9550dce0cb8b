package msi

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
)

const validationTable = "_Validation"

// IDT cells cannot hold the delimiters of the format itself, so they are
// swapped for control characters msidb maps back on import.
var idtEscaper = strings.NewReplacer(
	"\t", "\x10",
	"\r", "\x11",
	"\n", "\x19",
)

// ExportIDT writes every table, plus a generated _Validation table and
// the summary information, as IDT archive files into dir. Binary cells
// are copied into a subdirectory named after their table. It returns the
// IDT file names, relative to dir, in declaration order followed by
// _Validation and _SummaryInformation.
func (p *Package) ExportIDT(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating idt dir")
	}

	validation, err := p.validationTable()
	if err != nil {
		return nil, errors.Wrap(err, "building _Validation")
	}

	summary, err := p.summary.table()
	if err != nil {
		return nil, errors.Wrap(err, "building _SummaryInformation")
	}

	tables := append(p.Tables(), validation, summary)
	files := make([]string, 0, len(tables))

	for _, t := range tables {
		name := t.name + ".idt"
		if err := p.writeIDT(dir, name, t); err != nil {
			return nil, errors.Wrapf(err, "exporting %s", t.name)
		}
		files = append(files, name)
	}

	return files, nil
}

func (p *Package) writeIDT(dir, name string, t *Table) error {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrap(err, "creating idt file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	names := make([]string, len(t.columns))
	codes := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
		codes[i] = c.typeCode()
	}

	keyLine := []string{t.name}
	for _, c := range t.primaryKeys() {
		keyLine = append(keyLine, c.name)
	}

	writeLine(w, names)
	writeLine(w, codes)
	writeLine(w, keyLine)

	for _, row := range t.rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if stream, ok := v.StreamName(); ok {
				cell, err := p.exportBinary(dir, t.name, stream)
				if err != nil {
					return err
				}
				cells[i] = cell
				continue
			}
			cells[i] = idtEscaper.Replace(v.String())
		}
		writeLine(w, cells)
	}

	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "writing idt file")
	}
	return f.Close()
}

// exportBinary copies a stream beside the IDT file and returns the cell
// that points at it.
func (p *Package) exportBinary(dir, table, stream string) (string, error) {
	src, ok := p.streams[stream]
	if !ok {
		return "", errors.Errorf("stream %s was never written", stream)
	}

	binDir := filepath.Join(dir, table)
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", errors.Wrap(err, "creating binary dir")
	}

	cell := strings.TrimPrefix(stream, table+".") + ".ibd"
	if err := fsutil.CopyFile(src, filepath.Join(binDir, cell)); err != nil {
		return "", errors.Wrapf(err, "copying stream %s", stream)
	}

	return cell, nil
}

func writeLine(w *bufio.Writer, cells []string) {
	w.WriteString(strings.Join(cells, "\t"))
	w.WriteString("\r\n")
}

// validationTable describes every declared column the way Windows
// Installer validation tools expect.
func (p *Package) validationTable() (*Table, error) {
	t, err := newTable(validationTable, []Column{
		Col("Table").PrimaryKey().IDString(32),
		Col("Column").PrimaryKey().IDString(32),
		Col("Nullable").Str(4).Set("Y", "N"),
		Col("MinValue").Int32().Nullable(),
		Col("MaxValue").Int32().Nullable(),
		Col("KeyTable").Str(255).Nullable(),
		Col("KeyColumn").Int16().Nullable().Range(1, 32),
		Col("Category").Str(32).Nullable(),
		Col("Set").Str(255).Nullable(),
		Col("Description").Str(255).Nullable(),
	})
	if err != nil {
		return nil, err
	}

	for _, table := range p.Tables() {
		for _, c := range table.columns {
			nullable := "N"
			if c.nullable {
				nullable = "Y"
			}

			min, max := Null, Null
			if c.kind == kindInt16 || c.kind == kindInt32 {
				lo, hi := c.bounds()
				min, max = Int64(lo), Int64(hi)
			}

			keyColumn := Null
			if c.keyTable != "" {
				keyColumn = Int(c.keyColumn)
			}

			row := []Value{
				Str(table.name),
				Str(c.name),
				Str(nullable),
				min,
				max,
				Str(c.keyTable),
				keyColumn,
				Str(string(c.category)),
				Str(strings.Join(c.set, ";")),
				Null,
			}
			if err := t.insert(row); err != nil {
				return nil, errors.Wrapf(err, "describing %s.%s", table.name, c.name)
			}
		}
	}

	return t, nil
}
