//go:build test

package radio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srg/radiomgr/internal/driver/sim"
	"github.com/srg/radiomgr/internal/radio"
	"github.com/srg/radiomgr/internal/testutils"
)

func TestScenarios(t *testing.T) {
	scenarios, err := testutils.LoadScenarios("testdata/scenarios.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			h := testutils.NewTestHelper(t)
			d := sim.NewDriver(sim.WithLogger(h.Logger))
			m := radio.NewManager(d, radio.WithLogger(h.Logger))

			sc.Run(t, m, d)

			require.NoError(t, m.Close(h.Context()))
		})
	}
}
