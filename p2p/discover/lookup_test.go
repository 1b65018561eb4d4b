package discover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/enode"
)

func TestUnresponsiveCacheExpiresAfterTTL(t *testing.T) {
	c := newUnresponsiveCache()
	id := randomID(t)

	require.False(t, c.isUnresponsive(id))
	c.mark(id)
	require.True(t, c.isUnresponsive(id))

	// Simulate TTL expiry by overwriting the stored timestamp directly.
	c.lru.Add(id, time.Now().Add(-unresponsiveTTL-time.Second))
	require.False(t, c.isUnresponsive(id))
}

func TestLookupDistancesCentersOnExactLogDistance(t *testing.T) {
	target := randomID(t)
	dest := randomID(t)
	exact := enode.LogDistance(target, dest)

	dists := lookupDistances(target, dest)
	require.Len(t, dists, lookupRequestLimit)
	require.Equal(t, uint(exact), dists[0])
	for _, d := range dists {
		require.True(t, int(d) >= 0 && int(d) <= 256)
	}
}

func TestAdaptiveTimeoutUsesInitialValueBeforeThreshold(t *testing.T) {
	l := newLookup(context.Background(), nil, enode.ID{})
	require.Equal(t, lookupInitialTimeout, l.adaptiveTimeout())
}

func TestAdaptiveTimeoutScalesWithFastestSample(t *testing.T) {
	l := newLookup(context.Background(), nil, enode.ID{})
	l.recordLatency(100 * time.Millisecond)

	want := timeoutVariance * 100 * time.Millisecond
	require.Equal(t, want, l.adaptiveTimeout())
}

func TestAdaptiveTimeoutNeverGoesBelowFloor(t *testing.T) {
	l := newLookup(context.Background(), nil, enode.ID{})
	l.recordLatency(time.Microsecond)
	require.Equal(t, lookupMinTimeout, l.adaptiveTimeout())
}

func TestPushCandidateSkipsAlreadyQueuedOrUnresponsive(t *testing.T) {
	l := newLookup(context.Background(), nil, randomID(t))
	l.net = &Network{unresponsive: newUnresponsiveCache()}

	id := randomID(t)
	l.pushCandidate(id)
	require.Equal(t, 1, l.candidates.Size())

	l.pushCandidate(id) // already queued
	require.Equal(t, 1, l.candidates.Size())

	l.unresponsive.Add(id)
	other := randomID(t)
	l.pushCandidate(other)
	require.Equal(t, 2, l.candidates.Size())

	skip, ok := l.nextCandidate()
	require.True(t, ok)
	require.Equal(t, other, skip) // id is skipped for being unresponsive
}
