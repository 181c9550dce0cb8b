package packagekit

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// bundlerNamespace seeds every GUID this tool derives. Changing it
// changes every product and component code.
var bundlerNamespace = uuid.MustParse("6a3e0f52-9c1d-4b8e-a7f4-2d05c3b91e68")

// deriveGUID is a version 5 UUID of seed in namespace.
func deriveGUID(namespace uuid.UUID, seed string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(seed))
}

// generateMicrosoftProductCode is a stable guid that is used to
// identify the product / upgrade family / package. Windows Installer
// needs these to stay fixed across rebuilds, so they are derived from
// the identifiers rather than stored. See
// https://docs.microsoft.com/en-us/windows/desktop/Msi/productcode
func generateMicrosoftProductCode(ident1 string, identN ...string) uuid.UUID {
	seed := ident1
	if len(identN) > 0 {
		seed = strings.Join(append([]string{ident1}, identN...), "\x00")
	}
	return deriveGUID(bundlerNamespace, seed)
}

// componentGUID changes exactly when the set of file names in the
// component changes.
func componentGUID(productCode uuid.UUID, filenames []string) uuid.UUID {
	sorted := append([]string(nil), filenames...)
	sort.Strings(sorted)
	return deriveGUID(productCode, strings.Join(sorted, "/"))
}
