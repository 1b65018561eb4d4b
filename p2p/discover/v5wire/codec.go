package v5wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
)

// ErrPacketTooSmall, ErrDecrypt and ErrInvalidPacket are returned by Decode
// on malformed or undecryptable input; per spec §4.D, AES-GCM failure simply
// discards the packet, so callers treat all of these as "drop silently".
var (
	ErrPacketTooSmall = errors.New("v5wire: packet too small")
	ErrDecrypt        = errors.New("v5wire: message decryption failed")
	ErrInvalidPacket  = errors.New("v5wire: invalid packet encoding")
)

const tagSize = 32

type ordinaryWire struct {
	AuthTag []byte
}

type whoareyouWire struct {
	Token   []byte
	IDNonce [32]byte
	ENRSeq  uint64
}

type handshakeWire struct {
	Nonce           []byte
	SigSize         uint8
	EphKeySize      uint8
	IDNonceSig      []byte
	EphemeralPubkey []byte
	Record          *enr.Record `rlp:"nil"`
}

// EncodeOrdinary encrypts message under the session's write key and returns
// a complete ordinary packet (spec §4.D item 1).
func EncodeOrdinary(destID, srcID enode.ID, s *Session, message []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	tag := Tag(destID, srcID)
	ct, err := seal(s.writeKey, nonce[:], tag[:], message)
	if err != nil {
		return nil, err
	}
	header, err := rlp.EncodeToBytes(&ordinaryWire{AuthTag: nonce[:]})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, tagSize+len(header)+len(ct))
	out = append(out, tag[:]...)
	out = append(out, header...)
	out = append(out, ct...)
	return out, nil
}

// EncodeRandom builds the "random-data packet of realistic size" an
// initiator sends while BeforeHandshake (spec §4.E): a real tag and a
// plausible ordinary-packet header wrapped around bytes nobody can decrypt,
// since no session exists yet to encrypt the buffered message under.
func EncodeRandom(destID, srcID enode.ID, messageLen int) ([]byte, Nonce, error) {
	var authTag Nonce
	if _, err := rand.Read(authTag[:]); err != nil {
		return nil, Nonce{}, err
	}
	tag := Tag(destID, srcID)
	header, err := rlp.EncodeToBytes(&ordinaryWire{AuthTag: authTag[:]})
	if err != nil {
		return nil, Nonce{}, err
	}
	if messageLen <= 0 {
		messageLen = 44 // a typical single-field RLP message ciphertext length
	}
	junk := make([]byte, messageLen)
	if _, err := rand.Read(junk); err != nil {
		return nil, Nonce{}, err
	}
	out := make([]byte, 0, tagSize+len(header)+len(junk))
	out = append(out, tag[:]...)
	out = append(out, header...)
	out = append(out, junk...)
	return out, authTag, nil
}

// EncodeWhoAreYou serializes a WHOAREYOU challenge (spec §4.D item 2). It is
// never encrypted: recipients have no session key to receive it under yet.
func EncodeWhoAreYou(destID, srcID enode.ID, w *WhoAreYou) ([]byte, error) {
	tag := Tag(destID, srcID)
	body, err := rlp.EncodeToBytes(&whoareyouWire{Token: w.Token[:], IDNonce: w.IDNonce, ENRSeq: w.ENRSeq})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, tagSize+len(whoareyouMagic)+len(body))
	out = append(out, tag[:]...)
	out = append(out, whoareyouMagic[:]...)
	out = append(out, body...)
	return out, nil
}

// EncodeHandshake encrypts message under the session's (just-derived)
// initiator key and attaches the handshake auth header in front of it
// (spec §4.D item 3). s must already be in AfterHandshake state as the
// initiator side (see SessionCache.CompleteAsInitiator).
func EncodeHandshake(destID, srcID enode.ID, s *Session, h *Handshake, message []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	tag := Tag(destID, srcID)
	ct, err := seal(s.writeKey, nonce[:], tag[:], message)
	if err != nil {
		return nil, err
	}
	wire := &handshakeWire{
		Nonce:           nonce[:],
		SigSize:         uint8(len(h.IDNonceSig)),
		EphKeySize:      uint8(len(h.EphemeralPubkey)),
		IDNonceSig:      h.IDNonceSig,
		EphemeralPubkey: h.EphemeralPubkey,
		Record:          h.Record,
	}
	header, err := rlp.EncodeToBytes(wire)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, tagSize+len(header)+len(ct))
	out = append(out, tag[:]...)
	out = append(out, header...)
	out = append(out, ct...)
	return out, nil
}

// Decode classifies an inbound datagram and, for ordinary/handshake
// packets, decrypts the payload using the session (which may be nil for a
// WHOAREYOU or an ordinary packet whose session is unknown — in the latter
// case the caller should respond with a fresh WHOAREYOU instead).
func Decode(localID enode.ID, raw []byte, session *Session) (srcID enode.ID, packet Packet, err error) {
	if len(raw) < tagSize {
		return enode.ID{}, nil, ErrPacketTooSmall
	}
	var tag [32]byte
	copy(tag[:], raw[:tagSize])
	srcID = RecoverSourceID(tag, localID)
	rest := raw[tagSize:]

	if bytes.HasPrefix(rest, whoareyouMagic[:]) {
		var w whoareyouWire
		if err := rlp.DecodeBytes(rest[len(whoareyouMagic):], &w); err != nil {
			return srcID, nil, ErrInvalidPacket
		}
		var token Nonce
		copy(token[:], w.Token)
		return srcID, WhoAreYou{Token: token, IDNonce: w.IDNonce, ENRSeq: w.ENRSeq}, nil
	}

	// Both remaining shapes are RLP lists followed by raw ciphertext; try
	// the smaller (ordinary) header first, falling back to the handshake
	// header when that one doesn't account for the whole RLP list cleanly.
	if hdr, ctStart, ok := tryDecodeOrdinary(rest); ok {
		var nonce Nonce
		copy(nonce[:], hdr.AuthTag)
		if session == nil {
			// No session to decrypt under yet; still report the packet shape
			// so the caller can challenge the sender with WHOAREYOU.
			return srcID, Ordinary{AuthTag: nonce}, nil
		}
		pt, err := open(session.readKey, nonce[:], tag[:], rest[ctStart:])
		if err != nil {
			return srcID, nil, ErrDecrypt
		}
		return srcID, Ordinary{AuthTag: nonce, Message: pt}, nil
	}

	hdr, ctStart, ok := tryDecodeHandshake(rest)
	if !ok {
		return srcID, nil, ErrInvalidPacket
	}
	var nonce Nonce
	copy(nonce[:], hdr.Nonce)
	h := &Handshake{
		Nonce:           nonce,
		IDNonceSig:      hdr.IDNonceSig,
		EphemeralPubkey: hdr.EphemeralPubkey,
		Record:          hdr.Record,
	}
	if session != nil {
		pt, err := open(session.readKey, nonce[:], tag[:], rest[ctStart:])
		if err == nil {
			h.Message = pt
		}
	}
	return srcID, *h, nil
}

// tryDecodeOrdinary attempts the single-field ordinary header; returns the
// byte offset where ciphertext begins.
func tryDecodeOrdinary(rest []byte) (ordinaryWire, int, bool) {
	var w ordinaryWire
	n, err := rlpPrefixLen(rest)
	if err != nil {
		return w, 0, false
	}
	if err := rlp.DecodeBytes(rest[:n], &w); err != nil {
		return w, 0, false
	}
	if len(w.AuthTag) != len(Nonce{}) {
		return w, 0, false
	}
	return w, n, true
}

// tryDecodeHandshake decodes the handshake auth header and checks the
// declared SigSize/EphKeySize against the actual field lengths, rejecting a
// header whose sizes were tampered with or corrupted in transit.
func tryDecodeHandshake(rest []byte) (handshakeWire, int, bool) {
	var w handshakeWire
	n, err := rlpPrefixLen(rest)
	if err != nil {
		return w, 0, false
	}
	if err := rlp.DecodeBytes(rest[:n], &w); err != nil {
		return w, 0, false
	}
	if int(w.SigSize) != len(w.IDNonceSig) || int(w.EphKeySize) != len(w.EphemeralPubkey) {
		return w, 0, false
	}
	return w, n, true
}

// rlpPrefixLen reports the byte length of the single leading RLP value in
// buf (a list), using rlp.Stream to find its boundary without assuming the
// overall packet length in advance.
func rlpPrefixLen(buf []byte) (int, error) {
	s := rlp.NewStream(bytes.NewReader(buf), 0)
	_, _, err := s.Kind()
	if err != nil {
		return 0, err
	}
	var raw rlp.RawValue
	if err := s.Decode(&raw); err != nil {
		return 0, err
	}
	return len(raw), nil
}

func seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}
