package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// Version mismatch reasons.
const (
	ReasonInvalid = "invalid"
	ReasonNewer   = "newer than this build"
)

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == ReasonNewer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade huddle to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, e.Reason, e.Current)
}

// ValidateVersion ensures the provided config version is supported. Load
// treats a missing version as current before calling it.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonInvalid}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonNewer}
	}
	return nil
}
