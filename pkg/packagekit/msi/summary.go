package msi

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// SummaryInfo is the \005SummaryInformation property set.
type SummaryInfo struct {
	Title               string
	Subject             string
	Author              string
	Keywords            string
	Comments            string
	Template            string // platform;languages, e.g. "x64;1033"
	PackageGUID         string // the revision number property; braced GUID
	CreatingApplication string
	Created             time.Time
	PageCount           int // minimum installer version times 100
	WordCount           int // source image flags
	Security            int
	Codepage            int
}

var templateRe = regexp.MustCompile(`^(Intel|x64|Arm64|Intel64)?;\d+(,\d+)*$`)

func (s SummaryInfo) validate() error {
	invalid := func(reason string) error {
		return &ValidationError{Table: "_SummaryInformation", Reason: reason}
	}

	if s.Subject == "" {
		return invalid("subject is required")
	}
	if !templateRe.MatchString(s.Template) {
		return invalid(fmt.Sprintf("template %q is not platform;languages", s.Template))
	}
	if reason := Guid.validate(s.PackageGUID); reason != "" {
		return invalid("package code: " + reason)
	}
	return nil
}

const summaryTable = "_SummaryInformation"

// Property IDs of the summary information stream.
const (
	pidCodepage            = 1
	pidTitle               = 2
	pidSubject             = 3
	pidAuthor              = 4
	pidKeywords            = 5
	pidComments            = 6
	pidTemplate            = 7
	pidRevisionNumber      = 9
	pidCreated             = 12
	pidPageCount           = 14
	pidWordCount           = 15
	pidCreatingApplication = 18
	pidSecurity            = 19
)

// summaryTimeFormat is how msidb reads FILETIME properties from an IDT.
const summaryTimeFormat = "2006/01/02 15:04:05"

// table renders the property set as the _SummaryInformation pseudo
// table msidb imports into the summary stream. Unset properties are
// left out.
func (s SummaryInfo) table() (*Table, error) {
	t, err := newTable(summaryTable, []Column{
		Col("PropertyId").PrimaryKey().Int16().Range(1, 19),
		Col("Value").Str(0).Localizable(),
	})
	if err != nil {
		return nil, err
	}

	add := func(pid int, value Value) error {
		if value.IsNull() {
			return nil
		}
		return errors.Wrapf(t.insert([]Value{Int(pid), value}), "summary property %d", pid)
	}
	number := func(n int) Value {
		if n == 0 {
			return Null
		}
		return Str(strconv.Itoa(n))
	}

	created := Null
	if !s.Created.IsZero() {
		created = Str(s.Created.UTC().Format(summaryTimeFormat))
	}

	for _, p := range []struct {
		pid   int
		value Value
	}{
		{pidCodepage, number(s.Codepage)},
		{pidTitle, Str(s.Title)},
		{pidSubject, Str(s.Subject)},
		{pidAuthor, Str(s.Author)},
		{pidKeywords, Str(s.Keywords)},
		{pidComments, Str(s.Comments)},
		{pidTemplate, Str(s.Template)},
		{pidRevisionNumber, Str(s.PackageGUID)},
		{pidCreated, created},
		{pidPageCount, number(s.PageCount)},
		{pidWordCount, number(s.WordCount)},
		{pidCreatingApplication, Str(s.CreatingApplication)},
		{pidSecurity, number(s.Security)},
	} {
		if err := add(p.pid, p.value); err != nil {
			return nil, err
		}
	}

	return t, nil
}
