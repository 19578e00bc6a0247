package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/srg/radiomgr/internal/radio"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

// stateString colours a state by health.
func stateString(s radio.State) string {
	switch s {
	case radio.Ready:
		return okColor.Sprint(s)
	case radio.Faulted:
		return failColor.Sprint(s)
	case radio.Initializing:
		return warnColor.Sprint(s)
	default:
		return s.String()
	}
}

func printCode(w io.Writer, what string, code int, state radio.State) {
	c := okColor
	if code != 0 {
		c = failColor
	}
	fmt.Fprintf(w, "%s: %s (state %s)\n", what, c.Sprint(code), stateString(state))
}

func printReason(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "  reason: %s\n", FormatUserError(err))
}
