//go:build test

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/radiomgr/internal/driver/sim"
)

type ScanCommandTestSuite struct {
	CommandTestSuite
}

func (s *ScanCommandTestSuite) TestConcurrentCallersShareOneScan() {
	out := s.RunCommand("scan", "--callers", "3", "--duration", "10ms")

	s.AssertText(out, `
BLE init: 0 (state ready)
Scan: 3/3 callers started (refs 3, scanning true)
Scan: 3/3 callers stopped (refs 0, scanning false)
Discovered 3 devices:
ADDRESS            NAME       RSSI
C0:FF:EE:00:00:01  sim-watch  -48
C0:FF:EE:00:00:02  sim-tag    -71
C0:FF:EE:00:00:03  -          -89
`)
	s.Equal(int64(1), s.Sim.Calls(sim.OpBeginDiscovery), "the hardware scan MUST start once")
	s.Equal(int64(1), s.Sim.Calls(sim.OpEndDiscovery), "the hardware scan MUST stop once")
	s.False(s.Sim.Discovering())
}

func (s *ScanCommandTestSuite) TestJSONFormat() {
	out := s.RunCommand("scan", "-d", "10ms", "-f", "json")

	start := strings.Index(out, "[")
	s.Require().GreaterOrEqual(start, 0, "output MUST contain a JSON array:\n%s", out)
	s.AssertJSON(out[start:], `[
  {"address": "C0:FF:EE:00:00:01", "name": "sim-watch", "rssi": -48, "last_seen": "<<PRESENCE>>"},
  {"address": "C0:FF:EE:00:00:02", "name": "sim-tag", "rssi": -71, "last_seen": "<<PRESENCE>>"},
  {"address": "C0:FF:EE:00:00:03", "rssi": -89, "last_seen": "<<PRESENCE>>"}
]`)
}

func (s *ScanCommandTestSuite) TestScanFailure() {
	s.Sim.FailAlways(sim.OpBeginDiscovery, sim.ErrInjected)

	out, err := s.ExecuteCommand("scan", "--callers", "2", "-d", "10ms")

	s.ErrorIs(err, ErrOperationFailed)
	s.Contains(out, "Scan: 0/2 callers started (refs 0, scanning false)")
	s.NotContains(out, "callers stopped")
}

func (s *ScanCommandTestSuite) TestInitFailureSkipsScan() {
	s.Sim.FailNext(sim.OpPowerOn, sim.ErrInjected)

	out, err := s.ExecuteCommand("scan", "-d", "10ms")

	s.ErrorIs(err, ErrOperationFailed)
	s.Contains(out, "BLE init: -1 (state faulted)")
	s.NotContains(out, "Scan:")
	s.Zero(s.Sim.Calls(sim.OpBeginDiscovery))
}

func (s *ScanCommandTestSuite) TestInvalidArguments() {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{"format", []string{"scan", "--format", "xml"}, "invalid format 'xml'"},
		{"callers", []string{"scan", "--callers", "0"}, "--callers must be at least 1"},
		{"positional", []string{"scan", "extra"}, "unknown command"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.ErrorContains(err, tt.err)
		})
	}
	s.Zero(s.Sim.Calls(sim.OpPowerOn), "invalid arguments MUST NOT touch the radio")
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}
