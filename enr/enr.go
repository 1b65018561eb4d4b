// Package enr implements Ethereum Node Records: signed, versioned key-value
// maps describing a peer's identity and endpoint (spec §3, §4.A, §6).
package enr

import (
	"bytes"
	stdecdsa "crypto/ecdsa"
	"encoding/base64"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth-classic/discv5/crypto"
)

// textPrefix marks the "enr:"-scheme text encoding used for bootnode lists
// and command-line arguments (spec §6: "base64url RLP").
const textPrefix = "enr:"

// Well-known keys (spec §3: "Required keys: id, public-key bytes, udp,
// optionally ip").
const (
	KeyID        = "id"
	KeySecp256k1 = "secp256k1"
	KeyIP        = "ip"
	KeyUDP       = "udp"
	KeyTCP       = "tcp"

	SchemeV4 = "v4"
)

var (
	// ErrInvalidSignature is returned by Verify when the signature does not
	// match the record's signing content under the claimed public key.
	ErrInvalidSignature = errors.New("enr: invalid signature")
	// ErrMissingSignature is returned by operations that require a signed record.
	ErrMissingSignature = errors.New("enr: missing signature")
	// ErrKeyNotFound is returned by Load when the requested key is absent.
	ErrKeyNotFound = errors.New("enr: key not found")
)

// Record is a signed, monotonically versioned Ethereum Node Record. The zero
// value is an empty, unsigned record ready for Set calls followed by Sign.
type Record struct {
	seq       uint64
	signature []byte
	pairs     []pair
}

type pair struct {
	k string
	v rlp.RawValue
}

// wireRecord is the RLP shape of an encoded record: a flat list of
// [signature, seq, k1, v1, k2, v2, ...] (spec §6).
type wireRecord struct {
	Signature []byte
	Seq       uint64
	Raw       []rlp.RawValue `rlp:"tail"`
}

// Seq returns the record's sequence number.
func (r *Record) Seq() uint64 { return r.seq }

// Signature returns a copy of the record's signature bytes, or nil if unsigned.
func (r *Record) Signature() []byte {
	if r.signature == nil {
		return nil
	}
	out := make([]byte, len(r.signature))
	copy(out, r.signature)
	return out
}

// SetSeq overwrites the sequence number and clears the signature. Sign does
// not change the sequence number, so callers set the bumped value here
// before signing (see LocalNode in package enode).
func (r *Record) SetSeq(seq uint64) { r.seq = seq; r.signature = nil }

// Set encodes val with RLP and stores it under k, replacing any signature
// (the record must be re-signed after mutation).
func (r *Record) Set(k string, val interface{}) error {
	enc, err := rlp.EncodeToBytes(val)
	if err != nil {
		return err
	}
	r.setRaw(k, enc)
	r.signature = nil
	return nil
}

func (r *Record) setRaw(k string, enc rlp.RawValue) {
	for i := range r.pairs {
		if r.pairs[i].k == k {
			r.pairs[i].v = enc
			return
		}
		if r.pairs[i].k > k {
			r.pairs = append(r.pairs, pair{})
			copy(r.pairs[i+1:], r.pairs[i:])
			r.pairs[i] = pair{k, enc}
			return
		}
	}
	r.pairs = append(r.pairs, pair{k, enc})
}

// Load decodes the value stored under k into val. Returns ErrKeyNotFound if
// the key is absent.
func (r *Record) Load(k string, val interface{}) error {
	for _, p := range r.pairs {
		if p.k == k {
			return rlp.DecodeBytes(p.v, val)
		}
	}
	return ErrKeyNotFound
}

// Has reports whether k is present.
func (r *Record) Has(k string) bool {
	for _, p := range r.pairs {
		if p.k == k {
			return true
		}
	}
	return false
}

// Equal reports whether two records carry the same keys/values, ignoring
// sequence number and signature — used by the identity layer (§4.A) to
// decide whether a freshly-built local record actually changed.
func (r *Record) Equal(other *Record) bool {
	if len(r.pairs) != len(other.pairs) {
		return false
	}
	for i := range r.pairs {
		if r.pairs[i].k != other.pairs[i].k || !bytes.Equal(r.pairs[i].v, other.pairs[i].v) {
			return false
		}
	}
	return true
}

// Merge overlays other's pairs onto r, with other winning on key conflicts
// (spec §4.A: "pairs merge old and new (new wins on conflict)"). Returns a
// new, unsigned record; seq is left at r's value for the caller to bump.
func (r *Record) Merge(other *Record) *Record {
	out := &Record{seq: r.seq}
	for _, p := range r.pairs {
		out.setRaw(p.k, p.v)
	}
	for _, p := range other.pairs {
		out.setRaw(p.k, p.v)
	}
	return out
}

// signingContent returns the RLP encoding of [seq, k1, v1, k2, v2, ...],
// the payload the v4 identity scheme signs (spec §3).
func (r *Record) signingContent() ([]byte, error) {
	list := make([]interface{}, 0, 1+2*len(r.pairs))
	list = append(list, r.seq)
	for _, p := range r.pairs {
		list = append(list, p.k, p.v)
	}
	return rlp.EncodeToBytes(list)
}

// Sign computes the v4-scheme signature over the record's current content
// and fills in the id/secp256k1 keys. Callers bump Seq before calling Sign
// whenever content changed (§4.A).
func (r *Record) Sign(priv *stdecdsa.PrivateKey) error {
	if err := r.Set(KeyID, SchemeV4); err != nil {
		return err
	}
	if err := r.Set(KeySecp256k1, crypto.CompressPubkey(&priv.PublicKey)); err != nil {
		return err
	}
	content, err := r.signingContent()
	if err != nil {
		return err
	}
	hash := crypto.Keccak256(content)
	sig, err := crypto.SignIDNonce(hash, priv)
	if err != nil {
		return err
	}
	r.signature = sig
	return nil
}

// Verify checks the record's signature against its own embedded public key,
// using the named identity scheme. Only "v4" is supported (spec §3).
func (r *Record) Verify() error {
	if r.signature == nil {
		return ErrMissingSignature
	}
	var scheme string
	if err := r.Load(KeyID, &scheme); err != nil {
		return err
	}
	if scheme != SchemeV4 {
		return errors.New("enr: unknown identity scheme " + scheme)
	}
	var compressed []byte
	if err := r.Load(KeySecp256k1, &compressed); err != nil {
		return err
	}
	pub, err := crypto.DecompressPubkey(compressed)
	if err != nil {
		return err
	}
	content, err := r.signingContent()
	if err != nil {
		return err
	}
	hash := crypto.Keccak256(content)
	if !crypto.VerifyIDNonce(pub, hash, r.signature) {
		return ErrInvalidSignature
	}
	return nil
}

// PublicKey extracts and decompresses the secp256k1 public key embedded
// under the v4 scheme, without verifying the signature.
func (r *Record) PublicKey() (*stdecdsa.PublicKey, error) {
	var compressed []byte
	if err := r.Load(KeySecp256k1, &compressed); err != nil {
		return nil, err
	}
	return crypto.DecompressPubkey(compressed)
}

// EncodeRLP implements rlp.Encoder.
func (r *Record) EncodeRLP(w io.Writer) error {
	if r.signature == nil {
		return ErrMissingSignature
	}
	list := make([]interface{}, 0, 2+2*len(r.pairs))
	list = append(list, r.signature, r.seq)
	for _, p := range r.pairs {
		list = append(list, p.k, p.v)
	}
	return rlp.Encode(w, list)
}

// DecodeRLP implements rlp.Decoder.
func (r *Record) DecodeRLP(s *rlp.Stream) error {
	var dec wireRecord
	if err := s.Decode(&dec); err != nil {
		return err
	}
	if len(dec.Raw)%2 != 0 {
		return errors.New("enr: odd number of key/value elements")
	}
	pairs := make([]pair, 0, len(dec.Raw)/2)
	var prevKey string
	for i := 0; i < len(dec.Raw); i += 2 {
		var key string
		if err := rlp.DecodeBytes(dec.Raw[i], &key); err != nil {
			return err
		}
		if i > 0 && key <= prevKey {
			return errors.New("enr: keys not sorted or duplicated")
		}
		pairs = append(pairs, pair{key, dec.Raw[i+1]})
		prevKey = key
	}
	r.signature = dec.Signature
	r.seq = dec.Seq
	r.pairs = pairs
	return nil
}

// EncodeToBytes is a convenience wrapper around rlp.EncodeToBytes(r).
func (r *Record) EncodeToBytes() ([]byte, error) { return rlp.EncodeToBytes(r) }

// Decode parses the RLP encoding produced by EncodeToBytes.
func Decode(b []byte) (*Record, error) {
	r := new(Record)
	if err := rlp.DecodeBytes(b, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseText decodes the "enr:<base64url RLP>" text form used for bootnode
// lists and command-line arguments (spec §6).
func ParseText(s string) (*Record, error) {
	if !strings.HasPrefix(s, textPrefix) {
		return nil, errors.New("enr: missing \"enr:\" prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(textPrefix):])
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// ToText encodes r in the "enr:<base64url RLP>" text form.
func (r *Record) ToText() (string, error) {
	raw, err := r.EncodeToBytes()
	if err != nil {
		return "", err
	}
	return textPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// assertSorted is used by tests to check key ordering invariants.
func assertSorted(pairs []pair) bool {
	return sort.SliceIsSorted(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
}
