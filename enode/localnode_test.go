package enode

import (
	stdecdsa "crypto/ecdsa"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/crypto"
)

func genKeyForTest(t *testing.T) *stdecdsa.PrivateKey {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return priv
}

func TestNewLocalNodeStartsAtSequenceOne(t *testing.T) {
	priv := genKeyForTest(t)
	ln, err := NewLocalNode(priv, 30303, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ln.Record().Seq())
	require.Equal(t, DeriveID(&priv.PublicKey), ln.ID())
}

func TestNewLocalNodeReusesMatchingRecord(t *testing.T) {
	priv := genKeyForTest(t)
	first, err := NewLocalNode(priv, 30303, nil)
	require.NoError(t, err)

	second, err := NewLocalNode(priv, 30303, first.Record())
	require.NoError(t, err)
	require.Equal(t, first.Record().Seq(), second.Record().Seq())
}

func TestNewLocalNodeBumpsSequenceOnChange(t *testing.T) {
	priv := genKeyForTest(t)
	first, err := NewLocalNode(priv, 30303, nil)
	require.NoError(t, err)

	second, err := NewLocalNode(priv, 30304, first.Record())
	require.NoError(t, err)
	require.Equal(t, first.Record().Seq()+1, second.Record().Seq())
}

func TestSetIPBumpsSequenceOnlyWhenChanged(t *testing.T) {
	priv := genKeyForTest(t)
	ln, err := NewLocalNode(priv, 30303, nil)
	require.NoError(t, err)
	seq0 := ln.Record().Seq()

	ln.SetIP(net.ParseIP("1.2.3.4"))
	seq1 := ln.Record().Seq()
	require.Equal(t, seq0+1, seq1)

	ln.SetIP(net.ParseIP("1.2.3.4"))
	require.Equal(t, seq1, ln.Record().Seq())

	ln.SetIP(net.ParseIP("5.6.7.8"))
	require.Equal(t, seq1+1, ln.Record().Seq())
}

func TestLocalNodeRecordVerifies(t *testing.T) {
	priv := genKeyForTest(t)
	ln, err := NewLocalNode(priv, 30303, nil)
	require.NoError(t, err)
	require.NoError(t, ln.Record().Verify())
}
