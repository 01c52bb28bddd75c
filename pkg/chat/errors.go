package chat

import "strings"

// GenericFailureNotice is shown to non-elevated users instead of raw error text
const GenericFailureNotice = "Something went wrong. Please try again."

var elevatedRoles = map[string]bool{
	"admin":     true,
	"owner":     true,
	"developer": true,
}

// IsElevated reports whether a user role may see raw error text and diagnostics
func IsElevated(role string) bool {
	return elevatedRoles[strings.ToLower(strings.TrimSpace(role))]
}

// DisplayError renders an error for the transcript, gated by user role
func DisplayError(err error, role string) string {
	if err == nil {
		return ""
	}
	if IsElevated(role) {
		return err.Error()
	}
	return GenericFailureNotice
}
