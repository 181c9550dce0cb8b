package packagekit

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// git describe style prereleases ("19-g17c8589") carry a commit count
// we keep as the fourth field.
var commitsRegex = regexp.MustCompile(`^(\d+)(?:-|$)`)

// formatMSIVersion converts a semver string to a ProductVersion. Windows
// Installer versions are major.minor.build[.revision], with the first two
// fields below 256 and the others below 65536.
func formatMSIVersion(rawVersion string) (string, error) {
	v, err := semver.NewVersion(rawVersion)
	if err != nil {
		return "", errors.Wrapf(err, "parsing version %s", rawVersion)
	}

	if v.Major() > 255 || v.Minor() > 255 || v.Patch() > 65535 {
		return "", errors.Errorf("version %s is out of range for windows installer", rawVersion)
	}

	version := fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())

	if m := commitsRegex.FindStringSubmatch(v.Prerelease()); m != nil {
		commits, err := strconv.Atoi(m[1])
		if err != nil || commits > 65535 {
			return "", errors.Errorf("commit count in %s is out of range for windows installer", rawVersion)
		}
		version = fmt.Sprintf("%s.%d", version, commits)
	}

	return version, nil
}
