package config

import (
	"fmt"
	"regexp"
	"strings"
)

// labelRegex validates tracker labels: must start with alphanumeric,
// then alphanumeric, dash, underscore, dot, colon or slash.
var labelRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./:-]*$`)

// ValidateLabel checks if a label string is valid.
// Rules:
//   - Must start with alphanumeric character
//   - Can contain alphanumeric, dash, underscore, dot, colon, slash
//   - Must not exceed 50 characters
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("label must not be empty")
	}
	if len(label) > 50 {
		return fmt.Errorf("label must not exceed 50 characters (got %d)", len(label))
	}
	if !labelRegex.MatchString(label) {
		return fmt.Errorf("label %q must start with alphanumeric and contain only alphanumeric, dash, underscore, dot, colon, slash", label)
	}
	return nil
}
