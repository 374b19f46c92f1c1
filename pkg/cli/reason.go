// Package cli validates operator-supplied input before it reaches the
// control plane.
package cli

import (
	"errors"
	"regexp"
)

var reasonPattern = regexp.MustCompile(`^[a-zA-Z0-9_\- ]{1,64}$`)

// ValidateReason checks a cycle reason label. Reasons end up in logs and
// cycle history, so only plain word characters are accepted.
func ValidateReason(reason string) error {
	if !reasonPattern.MatchString(reason) {
		return errors.New("reason must be 1-64 characters of letters, digits, spaces, '-' or '_'")
	}
	return nil
}
