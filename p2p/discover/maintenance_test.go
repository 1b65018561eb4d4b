package discover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/enode"
)

func TestTokenBucketAllowsBurstThenBlocks(t *testing.T) {
	tb := newTokenBucket(time.Hour, 3)
	require.True(t, tb.allow())
	require.True(t, tb.allow())
	require.True(t, tb.allow())
	require.False(t, tb.allow())
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	tb := newTokenBucket(10*time.Millisecond, 1)
	require.True(t, tb.allow())
	require.False(t, tb.allow())
	time.Sleep(20 * time.Millisecond)
	require.True(t, tb.allow())
}

func TestRandomIDAtDistanceMatchesRequestedDistance(t *testing.T) {
	self := randomID(t)
	for _, d := range []int{1, 8, 9, 128, 200, 255, 256} {
		id := randomIDAtDistance(self, d)
		require.Equal(t, d, enode.LogDistance(self, id), "distance %d", d)
	}
}

func TestRandomIDAtDistanceOutOfRangeReturnsSelf(t *testing.T) {
	self := randomID(t)
	require.Equal(t, self, randomIDAtDistance(self, 0))
	require.Equal(t, self, randomIDAtDistance(self, 257))
}
