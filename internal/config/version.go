package config

import "fmt"

// CurrentVersion is the configuration format this build reads. A file
// without a version field is read as the current format.
const CurrentVersion = 1

// VersionError reports a config file this build cannot read.
type VersionError struct {
	Version int
	// Newer is set when the file was written for a later release.
	Newer bool
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Newer {
		return fmt.Sprintf("version: format %d is newer than this build, which reads format %d; upgrade stepengine", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("version: format %d is invalid; omit the field or set it to %d", e.Version, CurrentVersion)
}

// ValidateVersion checks a version after defaults are applied, so zero
// (field omitted) has already become CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version < 1:
		return &VersionError{Version: version}
	case version > CurrentVersion:
		return &VersionError{Version: version, Newer: true}
	}
	return nil
}
