package enr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/crypto"
)

func signedRecord(t *testing.T, seq uint64, udp uint16) (*Record, interface{}) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	r := &Record{}
	r.SetSeq(seq)
	require.NoError(t, r.Set(KeyUDP, udp))
	require.NoError(t, r.Sign(priv))
	return r, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	r, _ := signedRecord(t, 1, 30303)
	require.NoError(t, r.Verify())
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	r, _ := signedRecord(t, 1, 30303)
	b := mustEncode(t, r)

	r2, err := Decode(b)
	require.NoError(t, err)
	require.NoError(t, r2.Verify())

	// Tamper with a stored value after decoding; the embedded signature no
	// longer matches the (re-derived) signing content.
	require.NoError(t, r2.Set(KeyUDP, uint16(40404)))
	r2.signature = r.Signature() // restore the old, now-stale signature
	require.ErrorIs(t, r2.Verify(), ErrInvalidSignature)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r, _ := signedRecord(t, 5, 9000)
	b, err := r.EncodeToBytes()
	require.NoError(t, err)

	r2, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, r.Seq(), r2.Seq())
	require.NoError(t, r2.Verify())

	var udp uint16
	require.NoError(t, r2.Load(KeyUDP, &udp))
	require.Equal(t, uint16(9000), udp)
}

func TestKeysStoredSorted(t *testing.T) {
	r := &Record{}
	require.NoError(t, r.Set("zeta", 1))
	require.NoError(t, r.Set("alpha", 2))
	require.NoError(t, r.Set("mid", 3))
	require.True(t, assertSorted(r.pairs))
}

func TestMergeNewWinsOnConflict(t *testing.T) {
	a := &Record{}
	require.NoError(t, a.Set(KeyUDP, uint16(1)))
	require.NoError(t, a.Set(KeyTCP, uint16(2)))

	b := &Record{}
	require.NoError(t, b.Set(KeyUDP, uint16(99)))

	merged := a.Merge(b)
	var udp, tcp uint16
	require.NoError(t, merged.Load(KeyUDP, &udp))
	require.NoError(t, merged.Load(KeyTCP, &tcp))
	require.Equal(t, uint16(99), udp)
	require.Equal(t, uint16(2), tcp)
}

func mustEncode(t *testing.T, r *Record) []byte {
	t.Helper()
	b, err := r.EncodeToBytes()
	require.NoError(t, err)
	return b
}
