package util

import (
	"regexp"
)

var (
	uuidRegex    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	kioskIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidKioskID accepts 1 to 64 characters of letters, digits and . _ : -
func IsValidKioskID(s string) bool {
	return kioskIDRegex.MatchString(s)
}
