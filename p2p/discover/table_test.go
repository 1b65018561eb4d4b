package discover

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/enode"
)

func randomID(t *testing.T) enode.ID {
	t.Helper()
	var id enode.ID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func distinctIP(n byte) net.IP { return net.IPv4(203, 0, n, 1) }

func TestUpdateThenGetNodesAtLogDistance(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)

	id := randomID(t)
	_, evicted := tab.Update(id, distinctIP(1))
	require.False(t, evicted)

	d := enode.LogDistance(local, id)
	require.Contains(t, tab.GetNodesAtLogDistance(d), id)
}

func TestUpdateMovesExistingEntryToTail(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)

	var ids []enode.ID
	var ip byte = 1
	for len(ids) < bucketSize {
		id := randomIDAtDistance(local, 256) // fill one bucket
		_, evicted := tab.Update(id, distinctIP(ip))
		ip++
		require.False(t, evicted)
		ids = append(ids, id)
	}

	// re-touch the first id; it should move to the tail of its bucket.
	d := enode.LogDistance(local, ids[0])
	tab.Update(ids[0], distinctIP(1))
	bucketEntries := tab.GetNodesAtLogDistance(d)
	require.Equal(t, ids[0], bucketEntries[len(bucketEntries)-1])
}

func TestRemovePromotesReplacement(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)
	const d = 256 // maximum distance: ample entropy to keep every draw distinct

	// Each id gets its own /24 so the table-wide and per-bucket IP-diversity
	// limits (bucketIPLimit=2) never reject an insertion in this test.
	ipForIndex := func(i int) net.IP { return net.IPv4(203, 0, byte(i), 1) }

	var full []enode.ID
	for i := 0; i < bucketSize; i++ {
		id := randomIDAtDistance(local, d)
		require.Equal(t, d, enode.LogDistance(local, id))
		full = append(full, id)
		_, evicted := tab.Update(id, ipForIndex(i+1))
		require.False(t, evicted)
	}

	replacement := randomIDAtDistance(local, d)
	_, evicted := tab.Update(replacement, ipForIndex(bucketSize+1))
	require.True(t, evicted)

	tab.Remove(full[0])
	entries := tab.GetNodesAtLogDistance(d)
	require.NotContains(t, entries, full[0])
	require.Contains(t, entries, replacement)
}

func TestIterClosestOrdersByXORDistance(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)

	var ids []enode.ID
	for i := 0; i < 20; i++ {
		id := randomID(t)
		tab.Update(id, distinctIP(byte(i+1)))
		ids = append(ids, id)
	}

	target := randomID(t)
	ordered := tab.IterClosest(target)
	require.Len(t, ordered, len(ids))

	for i := 1; i < len(ordered); i++ {
		require.True(t, enode.LogDistance(ordered[i-1], target) <= enode.LogDistance(ordered[i], target))
	}
}

func TestIterAllRandomCoversEveryEntry(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)

	want := map[enode.ID]bool{}
	for i := 0; i < 10; i++ {
		id := randomID(t)
		tab.Update(id, distinctIP(byte(i+1)))
		want[id] = true
	}

	got := tab.IterAllRandom()
	require.Len(t, got, len(want))
	for _, id := range got {
		require.True(t, want[id])
	}
}

func TestSelfNeverStored(t *testing.T) {
	local := randomID(t)
	tab := NewTable(local)
	_, evicted := tab.Update(local, distinctIP(1))
	require.False(t, evicted)
	require.Equal(t, 0, tab.Len())
}
