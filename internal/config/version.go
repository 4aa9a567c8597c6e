package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the "X.Y" schema_version of a config file.
type SchemaVersion struct {
	Major int
	Minor int
}

// SupportedMajor is the only schema major version this build reads.
// Minor bumps only add optional fields.
const SupportedMajor = 1

// ParseVersion parses "X.Y". An empty string is 1.0.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		return SchemaVersion{Major: 1, Minor: 0}, nil
	}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", major)
	}
	min, err := strconv.Atoi(minor)
	if err != nil || min < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", minor)
	}
	return SchemaVersion{Major: maj, Minor: min}, nil
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other.
func (v SchemaVersion) Compare(other SchemaVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	}
	return 0
}

// Supported reports whether this build can read v.
func (v SchemaVersion) Supported() bool {
	return v.Major == SupportedMajor
}

func (c *Config) validateSchema() ValidationErrors {
	var errs ValidationErrors
	v, err := ParseVersion(c.SchemaVersion)
	if err != nil {
		errs.add("schema_version", "%v", err)
		return errs
	}
	if !v.Supported() {
		errs.add("schema_version", "version %s is not supported (want %d.x)", v, SupportedMajor)
	}
	return errs
}
