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

// Package crypto provides the secp256k1/Keccak primitives used by the
// node identity scheme, ENR signatures and the v5wire handshake.
package crypto

import (
	"bufio"
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// PrivKeyLen is the byte length of a raw secp256k1 private scalar.
	PrivKeyLen = 32
	// PubKeyLen is the byte length of an uncompressed secp256k1 public key.
	PubKeyLen = 65
	// SignatureLen is the byte length of a recoverable ECDSA signature.
	SignatureLen = 65
)

var secp256k1N = secp256k1.S256().N

// Keccak256 returns the Keccak-256 digest of the concatenation of b.
func Keccak256(b ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, p := range b {
		d.Write(p)
	}
	return d.Sum(nil)
}

// Keccak256Hash returns the Keccak-256 digest as a fixed-size array.
func Keccak256Hash(b ...[]byte) (h [32]byte) {
	copy(h[:], Keccak256(b...))
	return h
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*stdecdsa.PrivateKey, error) {
	return stdecdsa.GenerateKey(secp256k1.S256(), rand.Reader)
}

// ToECDSA converts 32 raw bytes into a secp256k1 private key.
func ToECDSA(d []byte) (*stdecdsa.PrivateKey, error) {
	if len(d) != PrivKeyLen {
		return nil, fmt.Errorf("crypto: invalid private key length %d, want %d", len(d), PrivKeyLen)
	}
	k := new(big.Int).SetBytes(d)
	if k.Cmp(secp256k1N) >= 0 || k.Sign() == 0 {
		return nil, errors.New("crypto: invalid private key, >=N or zero")
	}
	priv := new(stdecdsa.PrivateKey)
	priv.PublicKey.Curve = secp256k1.S256()
	priv.D = k
	priv.PublicKey.X, priv.PublicKey.Y = secp256k1.S256().ScalarBaseMult(d)
	return priv, nil
}

// FromECDSA returns the raw 32-byte encoding of a private key.
func FromECDSA(priv *stdecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return padTo(priv.D.Bytes(), PrivKeyLen)
}

// HexToECDSA parses a hex-encoded private key.
func HexToECDSA(hexkey string) (*stdecdsa.PrivateKey, error) {
	b, err := hex.DecodeString(hexkey)
	if err != nil {
		return nil, errors.New("crypto: invalid hex string")
	}
	return ToECDSA(b)
}

// LoadECDSA reads a private key from an open file of raw bytes.
func LoadECDSA(r io.Reader) (*stdecdsa.PrivateKey, error) {
	buf := make([]byte, PrivKeyLen)
	if _, err := io.ReadFull(bufio.NewReader(r), buf); err != nil {
		return nil, err
	}
	return ToECDSA(buf)
}

// LoadECDSAFile reads the node key from path.
func LoadECDSAFile(path string) (*stdecdsa.PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadECDSA(f)
}

// SaveECDSA writes the raw private key bytes to w.
func SaveECDSA(w io.Writer, priv *stdecdsa.PrivateKey) error {
	_, err := w.Write(FromECDSA(priv))
	return err
}

// WriteECDSAKey writes the private key to w; kept as an alias so callers
// mirroring the teacher's bootnode CLI (`crypto.WriteECDSAKey`) keep working.
func WriteECDSAKey(w io.Writer, priv *stdecdsa.PrivateKey) (int, error) {
	b := FromECDSA(priv)
	return w.Write(b)
}

// CompressPubkey encodes a public key in 33-byte compressed form.
func CompressPubkey(pub *stdecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(secp256k1.S256(), pub.X, pub.Y)
}

// DecompressPubkey parses a 33-byte compressed public key.
func DecompressPubkey(b []byte) (*stdecdsa.PublicKey, error) {
	if len(b) != 33 {
		return nil, errors.New("crypto: invalid compressed public key length")
	}
	x, y := elliptic.UnmarshalCompressed(secp256k1.S256(), b)
	if x == nil {
		return nil, errors.New("crypto: invalid compressed public key")
	}
	return &stdecdsa.PublicKey{Curve: secp256k1.S256(), X: x, Y: y}, nil
}

// ToECDSAPub parses an uncompressed 65-byte public key.
func ToECDSAPub(pub []byte) *stdecdsa.PublicKey {
	if len(pub) == 0 {
		return nil
	}
	x, y := elliptic.Unmarshal(secp256k1.S256(), pub)
	if x == nil {
		return nil
	}
	return &stdecdsa.PublicKey{Curve: secp256k1.S256(), X: x, Y: y}
}

// FromECDSAPub returns the uncompressed 65-byte encoding of a public key.
func FromECDSAPub(pub *stdecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(secp256k1.S256(), pub.X, pub.Y)
}

// Sign produces a recoverable (r, s, v) signature over a 32-byte digest.
func Sign(digestHash []byte, priv *stdecdsa.PrivateKey) ([]byte, error) {
	if len(digestHash) != 32 {
		return nil, fmt.Errorf("crypto: digest hash is %d bytes, want 32", len(digestHash))
	}
	sig := ecdsa.SignCompact(priv, digestHash, false)
	// secp256k1/v4 returns [recid+27, r(32), s(32)]; re-pack as r||s||v for
	// ecosystem-standard [R || S || V] wire layout.
	out := make([]byte, SignatureLen)
	copy(out[:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = sig[0] - 27
	return out, nil
}

// SignIDNonce produces a plain (non-recoverable) 64-byte r||s ECDSA
// signature over an arbitrary 32-byte hash. It backs both the ENR signature
// (§3, over the RLP signing content) and the v5wire handshake's id_nonce
// signature (§4.D, over sha256("discovery-id-nonce" || id_nonce || ephemeral_pubkey));
// neither wire format needs to recover the signer's key from the signature,
// since the public key travels alongside it.
func SignIDNonce(hash []byte, priv *stdecdsa.PrivateKey) ([]byte, error) {
	sig := ecdsa.SignCompact(priv, hash, false)
	out := make([]byte, 64)
	copy(out, sig[1:65])
	return out, nil
}

// VerifyIDNonce checks the signature produced by SignIDNonce against pub.
func VerifyIDNonce(pub *stdecdsa.PublicKey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return stdecdsa.Verify(pub, hash, r, s)
}

// Ecrecover recovers the uncompressed public key from a 65-byte signature.
func Ecrecover(digestHash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(digestHash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the public key from a recoverable signature.
func SigToPub(digestHash, sig []byte) (*stdecdsa.PublicKey, error) {
	if len(sig) != SignatureLen {
		return nil, errors.New("crypto: invalid signature length")
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:33], sig[:32])
	copy(compact[33:65], sig[32:64])
	pub, _, err := ecdsa.RecoverCompact(compact, digestHash)
	if err != nil {
		return nil, err
	}
	return pub.ToECDSA(), nil
}

// EcdhSharedSecret computes the shared point's X coordinate, used to derive
// session keys after a WHOAREYOU/handshake exchange (§4.D/§4.E).
func EcdhSharedSecret(priv *stdecdsa.PrivateKey, pub *stdecdsa.PublicKey) []byte {
	x, _ := pub.Curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	return padTo(x.Bytes(), 32)
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
