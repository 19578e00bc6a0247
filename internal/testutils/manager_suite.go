//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/radiomgr/internal/driver/sim"
	"github.com/srg/radiomgr/internal/radio"
)

// ManagerSuite gives every test a fresh Manager over a fresh simulated radio.
//
//	type ScanSuite struct {
//	    testutils.ManagerSuite
//	}
//
//	func (s *ScanSuite) TestWarmStart() {
//	    s.RequireInit(radio.BLE)
//	    s.Require().NoError(s.Manager.StartScan(s.Ctx))
//	}
//
// Suites that need driver options or a different init timeout set SimOptions
// or InitTimeout before calling ManagerSuite.SetupTest.
type ManagerSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	SimOptions  []sim.Option
	InitTimeout time.Duration

	Driver  *sim.Driver
	Manager *radio.Manager
	Ctx     context.Context

	cancel context.CancelFunc
}

func (s *ManagerSuite) SetupTest() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger

	timeout := s.InitTimeout
	if timeout == 0 {
		timeout = time.Second
	}

	s.Driver = sim.NewDriver(append([]sim.Option{sim.WithLogger(s.Logger)}, s.SimOptions...)...)
	s.Manager = radio.NewManager(s.Driver,
		radio.WithLogger(s.Logger),
		radio.WithInitTimeout(timeout),
		radio.WithDiagnosticsBuffer(256),
	)
	s.Ctx, s.cancel = context.WithTimeout(context.Background(), DefaultTimeout)
}

func (s *ManagerSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	s.NoError(s.Manager.Close(ctx))
	s.cancel()
}

// RequireInit initializes kind and fails the test if it does not become Ready.
func (s *ManagerSuite) RequireInit(kind radio.TransportKind) {
	s.T().Helper()
	s.Require().NoError(s.Manager.Initialize(s.Ctx, kind))
	s.Require().Equal(radio.Ready, s.Manager.State(kind))
}

// LoseHardware fires a hardware loss for kind and waits until it has been applied.
func (s *ManagerSuite) LoseHardware(kind radio.TransportKind) {
	s.T().Helper()
	s.Driver.FireHardwareLoss(kind)
	s.Require().NoError(s.Manager.Flush(s.Ctx))
}

// RequireKind asserts err carries kind.
func (s *ManagerSuite) RequireKind(err error, kind radio.ErrorKind) {
	s.T().Helper()
	s.Require().Error(err)
	s.Require().Truef(radio.IsKind(err, kind), "expected %s, got %v", kind, err)
}

// DrainDiagnostics returns every diagnostic not yet polled.
func (s *ManagerSuite) DrainDiagnostics() []radio.Diagnostic {
	var out []radio.Diagnostic
	for {
		d, ok := s.Manager.PollDiagnostic()
		if !ok {
			return out
		}
		out = append(out, d)
	}
}

// DiagnosticTypes returns the types of the given diagnostics, in order.
func DiagnosticTypes(diags []radio.Diagnostic) []radio.DiagnosticType {
	types := make([]radio.DiagnosticType, 0, len(diags))
	for _, d := range diags {
		types = append(types, d.Type)
	}
	return types
}
