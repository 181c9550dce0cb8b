package msi

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt16
	kindInt32
	kindBinary
)

const (
	maxInt16 = 0x7FFF
	maxInt32 = 0x7FFFFFFF
)

// Column describes one column of a table schema. Columns are built with
// Col and the chained setters, which return modified copies:
//
//	msi.Col("Sequence").Int16().Range(1, 0x7FFF)
type Column struct {
	name        string
	kind        columnKind
	width       int
	primaryKey  bool
	nullable    bool
	localizable bool
	category    Category
	hasRange    bool
	min, max    int64
	keyTable    string
	keyColumn   int
	set         []string
}

// Col starts a column definition. The default is a non-null string of
// unbounded width.
func Col(name string) Column {
	return Column{name: name, kind: kindString}
}

func (c Column) PrimaryKey() Column { c.primaryKey = true; return c }
func (c Column) Nullable() Column   { c.nullable = true; return c }
func (c Column) Localizable() Column {
	c.localizable = true
	return c
}

func (c Column) Category(cat Category) Column {
	c.category = cat
	return c
}

// Range bounds an integer column.
func (c Column) Range(min, max int64) Column {
	c.hasRange = true
	c.min, c.max = min, max
	return c
}

// ForeignKey records that values of this column must appear in column
// number keyColumn (1-based) of table.
func (c Column) ForeignKey(table string, keyColumn int) Column {
	c.keyTable = table
	c.keyColumn = keyColumn
	return c
}

// Set restricts a string column to an enumerated list.
func (c Column) Set(values ...string) Column {
	c.set = values
	return c
}

// Str makes this a string column of at most width characters. A width
// of zero is unbounded.
func (c Column) Str(width int) Column {
	c.kind = kindString
	c.width = width
	return c
}

// IDString is a string column holding identifiers.
func (c Column) IDString(width int) Column {
	return c.Str(width).Category(Identifier)
}

// TextString is a string column holding free text.
func (c Column) TextString(width int) Column {
	return c.Str(width).Category(Text)
}

func (c Column) Int16() Column  { c.kind = kindInt16; return c }
func (c Column) Int32() Column  { c.kind = kindInt32; return c }
func (c Column) Binary() Column { c.kind = kindBinary; c.category = BinaryCategory; return c }

func (c Column) Name() string { return c.name }

// typeCode is the IDT column definition, e.g. "s72" or "I2".
func (c Column) typeCode() string {
	var code string
	switch c.kind {
	case kindInt16:
		code = "i2"
	case kindInt32:
		code = "i4"
	case kindBinary:
		code = "v0"
	default:
		if c.localizable {
			code = fmt.Sprintf("l%d", c.width)
		} else {
			code = fmt.Sprintf("s%d", c.width)
		}
	}

	if c.nullable {
		return strings.ToUpper(code[:1]) + code[1:]
	}
	return code
}

// bounds returns the effective integer range of the column.
func (c Column) bounds() (int64, int64) {
	if c.hasRange {
		return c.min, c.max
	}
	if c.kind == kindInt16 {
		return -maxInt16, maxInt16
	}
	return -maxInt32, maxInt32
}

// check reports why v cannot be stored in the column, or "" if it can.
func (c Column) check(v Value) string {
	if v.IsNull() {
		if !c.nullable {
			return "value is required"
		}
		return ""
	}

	switch c.kind {
	case kindInt16, kindInt32:
		if v.kind != valueInt {
			return fmt.Sprintf("expected an integer, got %s", v.kind)
		}
		min, max := c.bounds()
		if v.i < min || v.i > max {
			return fmt.Sprintf("%d is outside %d..%d", v.i, min, max)
		}
		return ""

	case kindBinary:
		if v.kind != valueStream {
			return fmt.Sprintf("expected a stream, got %s", v.kind)
		}
		return ""
	}

	if v.kind != valueStr {
		return fmt.Sprintf("expected a string, got %s", v.kind)
	}
	if c.width > 0 && utf8.RuneCountInString(v.s) > c.width {
		return fmt.Sprintf("%q is longer than %d characters", v.s, c.width)
	}
	if len(c.set) > 0 {
		found := false
		for _, allowed := range c.set {
			if allowed == v.s {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("%q is not one of %v", v.s, c.set)
		}
	}
	return c.category.validate(v.s)
}
