// Package v5wire implements the Discovery v5 packet codec and the per-peer
// session/handshake state machine it rides on (spec §4.D, §4.E).
package v5wire

import (
	"crypto/sha256"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
)

// Nonce is the 12-byte AES-GCM nonce (the packet's auth tag) used both as
// the cipher nonce and, for ordinary packets, as the wire-visible auth_tag
// field (spec §4.D).
type Nonce [12]byte

// whoareyouMagic is the fixed marker distinguishing a WHOAREYOU packet from
// an ordinary one once the 32-byte tag prefix has been stripped.
var whoareyouMagic = [...]byte{'W', 'H', 'O', 'A', 'R', 'E', 'Y', 'O', 'U'}

// Tag computes the 32-byte packet tag: sha256(dest) XOR src (spec §4.D).
// It is invertible once the recipient knows its own id, letting them recover
// the sender's id without first decrypting anything.
func Tag(dest, src enode.ID) [32]byte {
	h := sha256.Sum256(dest[:])
	var out [32]byte
	for i := range out {
		out[i] = h[i] ^ src[i]
	}
	return out
}

// RecoverSourceID inverts Tag given the local (destination) id.
func RecoverSourceID(tag [32]byte, local enode.ID) enode.ID {
	h := sha256.Sum256(local[:])
	var src enode.ID
	for i := range src {
		src[i] = tag[i] ^ h[i]
	}
	return src
}

// Packet is implemented by the three packet shapes of spec §4.D.
type Packet interface{ isPacket() }

// Ordinary is the common data packet: tag ‖ rlp([auth_tag]) ‖
// AES-GCM(recipient_key, auth_tag, aad=tag, message).
type Ordinary struct {
	AuthTag Nonce
	Message []byte // plaintext payload after a successful decrypt
}

// WhoAreYou challenges a sender whose auth tag or session is unrecognised
// (spec §4.D item 2).
type WhoAreYou struct {
	Token   Nonce // copy of the auth_tag that triggered the challenge
	IDNonce [32]byte
	ENRSeq  uint64
}

// Handshake is the response to a WhoAreYou: an auth-header packet carrying
// the id-nonce signature, ephemeral public key, optionally a fresher ENR,
// and an encrypted message (spec §4.D item 3).
type Handshake struct {
	Nonce           Nonce
	IDNonceSig      []byte
	EphemeralPubkey []byte
	Record          *enr.Record // nil unless the challenge's ENRSeq was below the sender's current sequence
	Message         []byte      // plaintext payload after a successful decrypt
}

func (Ordinary) isPacket()  {}
func (WhoAreYou) isPacket() {}
func (Handshake) isPacket() {}
