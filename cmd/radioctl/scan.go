package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/serde"
)

type scanOptions struct {
	duration time.Duration
	callers  int
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a shared BLE scan",
		Long: `Initialize the BLE adapter and start the scan from several concurrent
callers. The hardware scan starts once for the first caller and stops once the
last caller has stopped; the discovered devices are printed at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 5*time.Second, "Scan duration (0 for until interrupted)")
	cmd.Flags().IntVarP(&opts.callers, "callers", "n", 1, "Number of concurrent scan callers")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}
	if opts.callers < 1 {
		return fmt.Errorf("--callers must be at least 1, got %d", opts.callers)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if err := s.initialize(cmd, radio.BLE); err != nil {
		return err
	}

	started := runCallers(opts.callers, s.native.StartBleScan)
	fmt.Fprintf(out, "Scan: %d/%d callers started (refs %d, scanning %t)\n",
		started, opts.callers, s.manager.ScanRefs(), s.manager.ScanActive())
	if started == 0 {
		printReason(out, s.manager.LastError(radio.BLE))
		return ErrOperationFailed
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	waitFor(ctx, opts.duration)

	peers := s.manager.Discovered()

	stopped := runCallers(started, s.native.StopBleScan)
	fmt.Fprintf(out, "Scan: %d/%d callers stopped (refs %d, scanning %t)\n",
		stopped, started, s.manager.ScanRefs(), s.manager.ScanActive())

	if opts.format == "json" {
		data, err := serde.MarshalIndentJSON(peers)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printPeers(out, peers)
	}

	if ctx.Err() != nil && cmd.Context().Err() == nil {
		return context.Canceled
	}
	return nil
}

// runCallers invokes op from n goroutines and returns how many reported 0.
func runCallers(n int, op func() int) int {
	codes := make([]int, n)
	var g errgroup.Group
	for i := range codes {
		i := i
		g.Go(func() error {
			codes[i] = op()
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, code := range codes {
		if code == 0 {
			ok++
		}
	}
	return ok
}

func printPeers(w io.Writer, peers []radio.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}
	fmt.Fprintf(w, "Discovered %d devices:\n", len(peers))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI")
	for _, p := range peers {
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Address, name, p.RSSI)
	}
	_ = tw.Flush()
}
