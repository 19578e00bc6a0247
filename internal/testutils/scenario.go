//go:build test

package testutils

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/srg/radiomgr/internal/driver/sim"
	"github.com/srg/radiomgr/internal/radio"
)

// ScenarioFile is a YAML document of manager scenarios:
//
//	scenarios:
//	  - name: shared scan
//	    steps:
//	      - op: init-ble
//	        expect: 0
//	        calls: {power-on: 1}
//	      - op: start-scan
//	        expect: 0
//	        calls: {begin-discovery: 1}
//	        scan_refs: 1
type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario is a sequence of operations run against one fresh manager.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Step is one operation and what must hold after it.
//
// Calls are cumulative driver call counts; ops not listed are not checked.
type Step struct {
	Op       string            `yaml:"op"`
	DriverOp string            `yaml:"driver_op"`
	Name     string            `yaml:"name"`
	Expect   *int              `yaml:"expect"`
	Kind     string            `yaml:"kind"`
	Calls    map[string]int64  `yaml:"calls"`
	State    map[string]string `yaml:"state"`
	ScanRefs *int              `yaml:"scan_refs"`
	Scanning *bool             `yaml:"scanning"`
}

// LoadScenarios reads a scenario file.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios %s: %w", path, err)
	}

	var file ScenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios %s: %w", path, err)
	}
	return file.Scenarios, nil
}

// Run executes the scenario steps in order against m and d.
func (sc Scenario) Run(t *testing.T, m *radio.Manager, d *sim.Driver) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	for i, step := range sc.Steps {
		msg := fmt.Sprintf("step %d (%s)", i+1, step.Op)

		err := step.apply(ctx, m, d)
		require.NoError(t, m.Flush(ctx), msg)

		if step.Expect != nil {
			assert.Equal(t, *step.Expect, radio.Code(err), "%s: result code, err=%v", msg, err)
		}
		if step.Kind != "" {
			assert.Truef(t, radio.IsKind(err, radio.ErrorKind(step.Kind)), "%s: want %s, got %v", msg, step.Kind, err)
		}
		for op, want := range step.Calls {
			assert.Equal(t, want, d.Calls(sim.Op(op)), "%s: %s calls", msg, op)
		}
		for transport, want := range step.State {
			kind, perr := radio.ParseTransportKind(transport)
			require.NoError(t, perr, msg)
			assert.Equal(t, want, m.State(kind).String(), "%s: %s state", msg, transport)
		}
		if step.ScanRefs != nil {
			assert.Equal(t, *step.ScanRefs, m.ScanRefs(), "%s: scan refs", msg)
		}
		if step.Scanning != nil {
			assert.Equal(t, *step.Scanning, d.Discovering(), "%s: hardware scanning", msg)
			assert.Equal(t, *step.Scanning, m.ScanActive(), "%s: session active", msg)
		}
	}
}

func (step Step) apply(ctx context.Context, m *radio.Manager, d *sim.Driver) error {
	switch step.Op {
	case "init-ble":
		return m.Initialize(ctx, radio.BLE)
	case "init-wifi-direct":
		return m.Initialize(ctx, radio.WiFiDirect)
	case "shutdown-ble":
		return m.Shutdown(ctx, radio.BLE)
	case "shutdown-wifi-direct":
		return m.Shutdown(ctx, radio.WiFiDirect)
	case "start-scan":
		return m.StartScan(ctx)
	case "stop-scan":
		return m.StopScan(ctx)
	case "start-advertising":
		return m.StartAdvertising(ctx, step.Name)
	case "stop-advertising":
		return m.StopAdvertising(ctx)
	case "lose-ble":
		d.FireHardwareLoss(radio.BLE)
	case "lose-wifi-direct":
		d.FireHardwareLoss(radio.WiFiDirect)
	case "fail-next":
		d.FailNext(sim.Op(step.DriverOp), nil)
	case "fail-always":
		d.FailAlways(sim.Op(step.DriverOp), sim.ErrInjected)
	case "clear-failure":
		d.FailAlways(sim.Op(step.DriverOp), nil)
	default:
		return fmt.Errorf("unknown scenario op %q", step.Op)
	}
	return nil
}
