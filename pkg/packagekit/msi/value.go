package msi

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type valueKind uint8

const (
	valueNull valueKind = iota
	valueStr
	valueInt
	valueStream
)

func (k valueKind) String() string {
	switch k {
	case valueStr:
		return "string"
	case valueInt:
		return "integer"
	case valueStream:
		return "stream"
	}
	return "null"
}

// Value is one cell of a row.
type Value struct {
	kind valueKind
	s    string
	i    int64
}

// Null is the absent value.
var Null = Value{}

// Str returns a string value. Windows Installer does not distinguish the
// empty string from null, so Str("") is Null.
func Str(s string) Value {
	if s == "" {
		return Null
	}
	return Value{kind: valueStr, s: s}
}

func Int(i int) Value {
	return Value{kind: valueInt, i: int64(i)}
}

func Int64(i int64) Value {
	return Value{kind: valueInt, i: i}
}

// Stream refers to a stream previously written with Package.WriteStream.
// It is the only value accepted by binary columns.
func Stream(name string) Value {
	return Value{kind: valueStream, s: name}
}

// GUID formats u the way Windows Installer stores it: braced, upper case.
func GUID(u uuid.UUID) Value {
	return Str(FormatGUID(u))
}

func FormatGUID(u uuid.UUID) string {
	return "{" + strings.ToUpper(u.String()) + "}"
}

func (v Value) IsNull() bool { return v.kind == valueNull }

func (v Value) AsString() (string, bool) {
	if v.kind != valueStr {
		return "", false
	}
	return v.s, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != valueInt {
		return 0, false
	}
	return v.i, true
}

// StreamName returns the referenced stream for stream values.
func (v Value) StreamName() (string, bool) {
	if v.kind != valueStream {
		return "", false
	}
	return v.s, true
}

// String renders the value as it appears in an IDT cell, before escaping.
func (v Value) String() string {
	switch v.kind {
	case valueStr, valueStream:
		return v.s
	case valueInt:
		return strconv.FormatInt(v.i, 10)
	}
	return ""
}

// key is used to compare values for primary and foreign keys.
func (v Value) key() string {
	return v.kind.String() + ":" + v.String()
}
