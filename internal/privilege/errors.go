package privilege

import "errors"

var (
	// ErrUnknownUser is returned when the target user does not exist.
	ErrUnknownUser = errors.New("privilege: unknown user")

	// ErrDropFailed is returned when setgid or setuid fails.
	ErrDropFailed = errors.New("privilege: dropping privileges failed")
)
