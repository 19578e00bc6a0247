package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/radiomgr/internal/radio"
)

func newAdvertiseCmd() *cobra.Command {
	var (
		name     string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Advertise over Wi-Fi Direct",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAdvertise(cmd, name, duration)
		},
	}
	cmd.Flags().StringVar(&name, "name", "radiomgr", "Name to advertise")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Second, "How long to advertise (0 for until interrupted)")
	return cmd
}

func runAdvertise(cmd *cobra.Command, name string, duration time.Duration) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if err := s.initialize(cmd, radio.WiFiDirect); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	err = s.manager.StartAdvertising(callCtx, name)
	cancel()
	if err != nil {
		fmt.Fprintf(out, "Advertising: %s\n", failColor.Sprint("failed"))
		printReason(out, err)
		return ErrOperationFailed
	}
	fmt.Fprintf(out, "Advertising as %q on %s\n", name, radio.WiFiDirect)

	waitFor(ctx, duration)

	if s.manager.State(radio.WiFiDirect) != radio.Ready {
		fmt.Fprintf(out, "Advertising: %s\n", failColor.Sprint("lost"))
		printReason(out, s.manager.LastError(radio.WiFiDirect))
		return ErrOperationFailed
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.InitTimeout)
	defer cancel()
	if err := s.manager.StopAdvertising(stopCtx); err != nil {
		printReason(out, err)
		return ErrOperationFailed
	}
	fmt.Fprintln(out, "Advertising stopped")
	return nil
}
