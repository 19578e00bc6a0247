package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/radiomgr/internal/driverfactory"
	"github.com/srg/radiomgr/internal/eventbus"
	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/pkg/config"
	"github.com/srg/radiomgr/pkg/nativeadapter"
)

// session is one command's manager with its drivers and event bus.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	driver  driverfactory.Driver
	bus     *eventbus.Bus
	manager *radio.Manager
	native  *nativeadapter.NativeAdapter
}

// openSession loads the configuration, applies flag overrides and builds the manager.
func openSession(cmd *cobra.Command) (*session, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("ble-driver") {
		cfg.BLE.Driver, _ = cmd.Flags().GetString("ble-driver")
	}
	if cmd.Flags().Changed("wifi-driver") {
		cfg.WiFiDirect.Driver, _ = cmd.Flags().GetString("wifi-driver")
	}
	if cmd.Flags().Changed("init-timeout") {
		cfg.InitTimeout, _ = cmd.Flags().GetDuration("init-timeout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	drv, err := driverfactory.DriverFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(cfg.Diagnostics.BusCapacity, logger)
	manager := radio.NewManager(drv,
		radio.WithLogger(logger),
		radio.WithInitTimeout(cfg.InitTimeout),
		radio.WithDiagnosticsBuffer(cfg.Diagnostics.Buffer),
		radio.WithEventPublisher(bus),
	)

	return &session{
		cfg:     cfg,
		logger:  logger,
		driver:  drv,
		bus:     bus,
		manager: manager,
		native:  nativeadapter.New(manager, nativeadapter.WithLogger(logger)),
	}, nil
}

// Close shuts the manager down before closing the bus and the drivers.
func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.InitTimeout)
	defer cancel()

	err := s.manager.Close(ctx)
	s.bus.Close()
	return errors.Join(err, s.driver.Close())
}

// initialize runs the binding call for kind and reports the code on out.
func (s *session) initialize(cmd *cobra.Command, kind radio.TransportKind) error {
	spinner := newSpinner(cmd.ErrOrStderr(), "Initializing "+kind.String())
	var code int
	if kind == radio.BLE {
		code = s.native.InitBleAdapter()
	} else {
		code = s.native.InitWiFiDirectAdapter()
	}
	spinner.Stop()

	printCode(cmd.OutOrStdout(), kind.String()+" init", code, s.manager.State(kind))
	if code != 0 {
		printReason(cmd.OutOrStdout(), s.manager.LastError(kind))
		return ErrOperationFailed
	}
	return nil
}

// tryInitialize brings kind up for commands that report the outcome through
// the adapter state rather than a result code.
func (s *session) tryInitialize(cmd *cobra.Command, kind radio.TransportKind) {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*s.cfg.InitTimeout)
	defer cancel()

	if err := s.manager.Initialize(ctx, kind); err != nil {
		s.logger.WithFields(logrus.Fields{
			"transport": kind.Slug(),
			"kind":      radio.KindOf(err),
		}).WithError(err).Debug("Adapter initialization failed")
	}
}

// waitFor blocks for d, or until ctx is done. A zero d waits for ctx only.
func waitFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
