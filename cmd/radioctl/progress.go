package main

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

const progressUpdateInterval = 100 * time.Millisecond

// spinner animates an indeterminate progress bar while a blocking call runs.
// It renders only when w is a terminal.
//
//	s := newSpinner(os.Stderr, "Initializing BLE")
//	defer s.Stop()
type spinner struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
}

func newSpinner(w io.Writer, description string) *spinner {
	s := &spinner{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetVisibility(isTerminal(w)),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionThrottle(progressUpdateInterval),
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_ = s.bar.Add(1)
			}
		}
	}()
	return s
}

// Stop ends the animation and clears the line. It must be called exactly once.
func (s *spinner) Stop() {
	close(s.stop)
	<-s.done
	_ = s.bar.Finish()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
