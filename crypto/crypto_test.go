// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// These tests are sanity checks: they should ensure that we don't e.g. use
// Sha3-224 instead of Sha3-256 and that the sha3 library uses the Keccak-f
// permutation rather than the final NIST SHA3 padding.
func TestSha3(t *testing.T) {
	msg := []byte("abc")
	exp, _ := hex.DecodeString("4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45")
	got := Keccak256(msg)
	require.True(t, bytes.Equal(exp, got), "got %x want %x", got, exp)
}

func TestSha3Hash(t *testing.T) {
	msg := []byte("abc")
	h := Keccak256Hash(msg)
	require.True(t, bytes.Equal(h[:], Keccak256(msg)))
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	require.NotNil(t, key.D)
}

func TestSignAndRecover(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	msg := Keccak256([]byte("foo"))
	sig, err := Sign(msg, key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLen)

	recovered, err := Ecrecover(msg, sig)
	require.NoError(t, err)
	require.Equal(t, FromECDSAPub(&key.PublicKey), recovered)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	compressed := CompressPubkey(&key.PublicKey)
	require.Len(t, compressed, 33)

	pub, err := DecompressPubkey(compressed)
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.X, pub.X)
	require.Equal(t, key.PublicKey.Y, pub.Y)
}

func TestFromToECDSARoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	raw := FromECDSA(key)
	require.Len(t, raw, PrivKeyLen)

	key2, err := ToECDSA(raw)
	require.NoError(t, err)
	require.Equal(t, key.D, key2.D)
}

func TestSignIDNonceRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	hash := Keccak256([]byte("discovery-id-nonce"), []byte("some-nonce"), FromECDSAPub(&key.PublicKey))
	sig, err := SignIDNonce(hash, key)
	require.NoError(t, err)
	require.True(t, VerifyIDNonce(&key.PublicKey, hash, sig))

	other, _ := GenerateKey()
	require.False(t, VerifyIDNonce(&other.PublicKey, hash, sig))
}

// TestEcdhSymmetric checks that both sides of a key exchange compute the
// same shared secret, the precondition v5wire key derivation depends on.
func TestEcdhSymmetric(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	s1 := EcdhSharedSecret(a, &b.PublicKey)
	s2 := EcdhSharedSecret(b, &a.PublicKey)
	require.Equal(t, s1, s2)
}

func TestToECDSARejectsZeroAndOverflow(t *testing.T) {
	zero := make([]byte, 32)
	_, err := ToECDSA(zero)
	require.Error(t, err)

	tooBig := bytes.Repeat([]byte{0xff}, 32)
	_, err = ToECDSA(tooBig)
	require.Error(t, err)
}
