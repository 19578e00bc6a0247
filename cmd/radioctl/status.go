package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/serde"
)

func newStatusCmd() *cobra.Command {
	var (
		format    string
		initKinds []string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show adapter and scan state",
		Long: `Show the state of every adapter, the shared BLE scan and Wi-Fi Direct
advertising. With --init the named adapters are initialized first, so the
report reflects what the configured drivers can actually bring up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, format, initKinds)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVar(&initKinds, "init", nil, "Adapters to initialize first (ble, wifi-direct)")
	return cmd
}

func runStatus(cmd *cobra.Command, format string, initKinds []string) error {
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	kinds := make([]radio.TransportKind, 0, len(initKinds))
	for _, arg := range initKinds {
		kind, err := radio.ParseTransportKind(arg)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, kind := range kinds {
		s.tryInitialize(cmd, kind)
	}

	status := s.manager.Status()
	out := cmd.OutOrStdout()
	if format == "json" {
		data, err := serde.MarshalIndentJSON(status)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else {
		printStatus(out, status)
	}

	for _, a := range status.Adapters {
		if a.State == radio.Faulted {
			return errors.Join(ErrOperationFailed, fmt.Errorf("%s is faulted", a.Name))
		}
	}
	return nil
}

func printStatus(w io.Writer, status radio.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADAPTER\tSTATE\tPOWERED\tLAST ERROR")
	for _, a := range status.Adapters {
		powered := "no"
		if !a.Token.IsZero() {
			powered = "yes"
		}
		lastErr := a.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.State, powered, lastErr)
	}
	_ = tw.Flush()

	scan := "idle"
	if status.ScanActive {
		scan = "active"
	}
	fmt.Fprintf(w, "BLE scan: %s (refs %d)\n", scan, status.ScanRefs)

	if status.Advertising {
		fmt.Fprintf(w, "Wi-Fi Direct advertising: %q\n", status.AdvertName)
	} else {
		fmt.Fprintln(w, "Wi-Fi Direct advertising: off")
	}
}
