package discover

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidDistancesRejectsEmpty(t *testing.T) {
	require.False(t, validDistances(nil))
	require.False(t, validDistances([]uint{}))
}

func TestValidDistancesRejectsDuplicates(t *testing.T) {
	require.False(t, validDistances([]uint{1, 2, 1}))
}

func TestValidDistancesRejectsOutOfRange(t *testing.T) {
	require.False(t, validDistances([]uint{257}))
}

func TestValidDistancesAcceptsWellFormedRequest(t *testing.T) {
	require.True(t, validDistances([]uint{0, 1, 256}))
}

func TestRoutingTableReadyClosesOnlyOnce(t *testing.T) {
	n := &Network{initDone: make(chan struct{})}

	select {
	case <-n.RoutingTableReady():
		t.Fatal("routing table reported ready before any bond succeeded")
	default:
	}

	n.markRoutingTableReady()
	n.markRoutingTableReady() // must not panic on double-close

	select {
	case <-n.RoutingTableReady():
	default:
		t.Fatal("routing table never reported ready")
	}
}
