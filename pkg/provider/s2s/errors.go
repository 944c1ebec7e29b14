package s2s

import (
	"errors"
	"strings"
)

// ErrSessionClosed is returned by send operations on a session that has been
// closed locally or terminated by the remote side.
var ErrSessionClosed = errors.New("s2s: session closed")

// credentialMarkers are substrings the service uses when it rejects an API
// key.
var credentialMarkers = []string{
	"API key not valid",
	"Requested entity was not found",
	"API_KEY_INVALID",
	"PERMISSION_DENIED",
}

// IsCredentialFailure reports whether a service error or close reason means
// the API key was rejected, as opposed to a transient transport failure.
func IsCredentialFailure(message string, code int) bool {
	if code == 401 || code == 403 {
		return true
	}
	for _, m := range credentialMarkers {
		if strings.Contains(message, m) {
			return true
		}
	}
	return false
}
