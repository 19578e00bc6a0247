package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/serde"
)

func newWatchCmd() *cobra.Command {
	var (
		duration time.Duration
		format   string
		topics   []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Initialize every adapter and follow lifecycle diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, duration, format, topics)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "How long to watch (0 for until interrupted)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	cmd.Flags().StringSliceVar(&topics, "topics", []string{"state", "scan", "advertising"}, "Event topics to follow")
	return cmd
}

func runWatch(cmd *cobra.Command, duration time.Duration, format string, topics []string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", format)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	sub := s.bus.Subscribe(topics...)

	for _, kind := range radio.Transports {
		s.tryInitialize(cmd, kind)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	for {
		select {
		case msg := <-sub:
			if err := printEvent(out, format, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			// Print what was published before the deadline, then stop.
			s.bus.Unsubscribe(sub)
			for msg := range sub {
				if err := printEvent(out, format, msg); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func printEvent(w io.Writer, format string, msg any) error {
	d, ok := msg.(radio.Diagnostic)
	if !ok {
		return nil
	}
	if format == "json" {
		data, err := serde.MarshalJSON(d)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	line := fmt.Sprintf("[%s] %s %s", d.Topic(), d.Transport, d.Type)
	switch d.Type {
	case radio.DiagStateChanged:
		line += fmt.Sprintf(" %s -> %s", d.From, stateString(d.To))
	case radio.DiagScanStarted, radio.DiagScanStopped, radio.DiagScanTornDown:
		line += fmt.Sprintf(" refs=%d", d.Refs)
	}
	if d.Error != "" {
		line += " error=" + d.Error
	}
	fmt.Fprintln(w, line)
	return nil
}
