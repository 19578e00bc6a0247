package main

import (
	"errors"

	"github.com/Southclaws/fault/fmsg"
)

// ErrOperationFailed is returned when an adapter operation reports -1.
var ErrOperationFailed = errors.New("operation failed")

// FormatUserError prefers the user-facing message a driver attached to err.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if issue := fmsg.GetIssue(err); issue != "" {
		return issue + " (" + err.Error() + ")"
	}
	return err.Error()
}
