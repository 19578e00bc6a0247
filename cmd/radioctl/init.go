package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/srg/radiomgr/internal/radio"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <ble|wifi-direct>...",
		Short: "Initialize adapters",
		Long: `Initialize one or more transport adapters and print the result code
of each: 0 when the adapter is ready, -1 otherwise. A failure does not stop
the remaining adapters from being initialized.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	kinds := make([]radio.TransportKind, 0, len(args))
	for _, arg := range args {
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

	var errs []error
	for _, kind := range kinds {
		errs = append(errs, s.initialize(cmd, kind))
	}
	return errors.Join(errs...)
}
