package store

import (
	"fmt"
	"regexp"
)

// MaxNameLength is the maximum length of a collection name.
const MaxNameLength = 64

var validNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that a collection name is safe as a file name and a key.
func ValidateName(name string) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("collection name too long: %d chars (max %d)", len(name), MaxNameLength)
	}
	if !validNameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}
