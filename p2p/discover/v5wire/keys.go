package v5wire

import (
	stdecdsa "crypto/ecdsa"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enode"
)

const keyLen = 16

// handshakeKeys holds the three 16-byte keys derived once both sides of a
// handshake know the ephemeral shared secret, the id_nonce, and the ordered
// node-id pair (spec §4.D).
type handshakeKeys struct {
	initiatorKey []byte
	recipientKey []byte
	authRespKey  []byte
}

// deriveKeys runs HKDF-SHA256 over the shared secret with info =
// "discovery v5 key agreement" ‖ initiator_id ‖ recipient_id, producing the
// three session keys in order (spec §4.D).
func deriveKeys(sharedSecret []byte, idNonce [32]byte, initiator, recipient enode.ID) *handshakeKeys {
	info := make([]byte, 0, len("discovery v5 key agreement")+2*len(enode.ID{}))
	info = append(info, "discovery v5 key agreement"...)
	info = append(info, initiator[:]...)
	info = append(info, recipient[:]...)

	kdf := hkdf.New(sha256.New, sharedSecret, idNonce[:], info)
	out := make([]byte, 3*keyLen)
	if _, err := io.ReadFull(kdf, out); err != nil {
		panic("v5wire: hkdf read failed: " + err.Error())
	}
	return &handshakeKeys{
		initiatorKey: out[0:keyLen],
		recipientKey: out[keyLen : 2*keyLen],
		authRespKey:  out[2*keyLen : 3*keyLen],
	}
}

// idNonceSigningHash hashes the payload the handshake signature covers:
// sha256("discovery-id-nonce" ‖ id_nonce ‖ ephemeral_pubkey) (spec §4.D).
func idNonceSigningHash(idNonce [32]byte, ephemeralPubkey []byte) []byte {
	h := sha256.New()
	h.Write([]byte("discovery-id-nonce"))
	h.Write(idNonce[:])
	h.Write(ephemeralPubkey)
	return h.Sum(nil)
}

// sharedSecret computes the ECDH shared secret between our ephemeral/static
// key and their static/ephemeral public key, as used on each side of the
// handshake.
func sharedSecret(ourPriv *stdecdsa.PrivateKey, theirPub *stdecdsa.PublicKey) []byte {
	return crypto.EcdhSharedSecret(ourPriv, theirPub)
}
