package util

import (
	"regexp"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	bundleIDRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	hexDataRegex  = regexp.MustCompile(`^0x([0-9a-fA-F]{2})*$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidBundleID reports whether s looks like a relay bundle id (a 32-byte hex hash).
func IsValidBundleID(s string) bool {
	return bundleIDRegex.MatchString(s)
}

// IsValidHexData accepts 0x-prefixed, even-length hex. "0x" alone is empty calldata.
func IsValidHexData(s string) bool {
	return hexDataRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
