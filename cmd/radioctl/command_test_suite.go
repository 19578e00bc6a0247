//go:build test

package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/radiomgr/internal/driver"
	"github.com/srg/radiomgr/internal/driver/sim"
	"github.com/srg/radiomgr/internal/driverfactory"
	"github.com/srg/radiomgr/internal/testutils"
	"github.com/srg/radiomgr/pkg/config"
)

// CommandTestSuite runs commands against one simulated radio per test.
// All cmd/radioctl test suites should embed this.
type CommandTestSuite struct {
	suite.Suite

	Helper *testutils.TestHelper
	Sim    *sim.Driver
	// Config is the configuration the last session was opened with.
	Config *config.Config

	originalFactory func(*config.Config, *logrus.Logger) (driverfactory.Driver, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Sim = sim.NewDriver(sim.WithLogger(s.Helper.Logger), sim.WithPeers(driverfactory.SimPeers...))
	s.Config = nil

	s.originalFactory = driverfactory.DriverFactory
	driverfactory.DriverFactory = func(cfg *config.Config, logger *logrus.Logger) (driverfactory.Driver, error) {
		s.Config = cfg
		return driver.NewRouter(s.Sim, s.Sim, logger), nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	driverfactory.DriverFactory = s.originalFactory
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// RunCommand executes args and fails the test on error.
func (s *CommandTestSuite) RunCommand(args ...string) string {
	out, err := s.ExecuteCommand(args...)
	s.Require().NoError(err, "command output:\n%s", out)
	return out
}

// AssertText compares output line by line.
func (s *CommandTestSuite) AssertText(actual, expected string) {
	testutils.NewTextAsserter(s.T()).Assert(actual, expected)
}

// AssertJSON compares output structurally.
func (s *CommandTestSuite) AssertJSON(actual, expected string) {
	testutils.NewJSONAsserter(s.T()).Assert(actual, expected)
}
