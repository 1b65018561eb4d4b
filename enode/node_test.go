package enode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogDistanceZeroForIdenticalIDs(t *testing.T) {
	var a ID
	a[0] = 0x42
	require.Equal(t, 0, LogDistance(a, a))
}

func TestLogDistanceBoundaryValues(t *testing.T) {
	a := ID{}
	b := ID{}
	b[31] = 0x01 // differ only in the least significant bit
	require.Equal(t, 1, LogDistance(a, b))

	c := ID{}
	c[0] = 0x80 // differ in the most significant bit of the first byte
	require.Equal(t, 256, LogDistance(a, c))
}

func TestLogDistanceIsSymmetric(t *testing.T) {
	a := ID{0x01, 0x02, 0x03}
	b := ID{0x01, 0xff, 0x03}
	require.Equal(t, LogDistance(a, b), LogDistance(b, a))
}
