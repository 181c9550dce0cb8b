package msi

import (
	"fmt"
	"regexp"
	"strings"
)

// Category is a Windows Installer column data type, as recorded in the
// Category column of _Validation. The zero value means unconstrained.
type Category string

const (
	Text           Category = "Text"
	UpperCase      Category = "UpperCase"
	LowerCase      Category = "LowerCase"
	Identifier     Category = "Identifier"
	Property       Category = "Property"
	Filename       Category = "Filename"
	WildCardFile   Category = "WildCardFilename"
	Path           Category = "Path"
	Paths          Category = "Paths"
	AnyPath        Category = "AnyPath"
	DefaultDir     Category = "DefaultDir"
	RegPath        Category = "RegPath"
	Formatted      Category = "Formatted"
	Template       Category = "Template"
	Condition      Category = "Condition"
	Guid           Category = "GUID"
	Version        Category = "Version"
	Language       Category = "Language"
	BinaryCategory Category = "Binary"
	Cabinet        Category = "Cabinet"
	Shortcut       Category = "Shortcut"
	Integer        Category = "Integer"
	DoubleInteger  Category = "DoubleInteger"
	TimeDate       Category = "TimeDate"
	CustomSource   Category = "CustomSource"
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	guidRe       = regexp.MustCompile(`^\{[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}\}$`)
	versionRe    = regexp.MustCompile(`^\d{1,5}(\.\d{1,5}){0,3}$`)
	languageRe   = regexp.MustCompile(`^\d+(,\d+)*$`)
	// Short names are 8.3, optionally paired with a long name.
	shortNameRe = regexp.MustCompile(`^[^\\/:*?"<>|. ]{1,8}(\.[^\\/:*?"<>|. ]{1,3})?$`)
	invalidLong = `\/:*?"<>|`
)

// validate reports why s does not belong to the category, or "" if it
// does. Categories without a checker accept anything.
func (c Category) validate(s string) string {
	switch c {
	case UpperCase:
		if strings.ToUpper(s) != s {
			return "must be upper case"
		}
	case LowerCase:
		if strings.ToLower(s) != s {
			return "must be lower case"
		}
	case Identifier, Property, Shortcut:
		if !identifierRe.MatchString(s) {
			return fmt.Sprintf("%q is not a valid identifier", s)
		}
	case Guid:
		if !guidRe.MatchString(s) {
			return fmt.Sprintf("%q is not an upper case braced GUID", s)
		}
	case Version:
		if !versionRe.MatchString(s) {
			return fmt.Sprintf("%q is not a version", s)
		}
	case Language:
		if !languageRe.MatchString(s) {
			return fmt.Sprintf("%q is not a language list", s)
		}
	case Filename:
		return validateFilename(s)
	case DefaultDir:
		return validateDefaultDir(s)
	case Cabinet:
		name := strings.TrimPrefix(s, "#")
		if name == "" {
			return "cabinet name is empty"
		}
		if strings.ContainsAny(name, invalidLong) {
			return fmt.Sprintf("cabinet name %q contains invalid characters", s)
		}
	}
	return ""
}

// validateFilename checks "short" or "short|long" file names.
func validateFilename(s string) string {
	short, long, hasLong := strings.Cut(s, "|")
	if !shortNameRe.MatchString(short) {
		return fmt.Sprintf("%q is not a valid short file name", short)
	}
	if hasLong {
		if long == "" || strings.ContainsAny(long, invalidLong) {
			return fmt.Sprintf("%q is not a valid long file name", long)
		}
	}
	return ""
}

// validateDefaultDir accepts "." and the Filename forms, optionally as
// target:source pairs.
func validateDefaultDir(s string) string {
	for _, part := range strings.SplitN(s, ":", 2) {
		if part == "." || part == "SourceDir" {
			continue
		}
		if reason := validateFilename(part); reason != "" {
			return reason
		}
	}
	return ""
}
