package v5wire

import (
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/crypto"
)

func pairedSessions(t *testing.T) (a, b *Session) {
	t.Helper()
	a = &Session{writeKey: make([]byte, keyLen), readKey: make([]byte, keyLen)}
	b = &Session{writeKey: make([]byte, keyLen), readKey: make([]byte, keyLen)}
	for i := range a.writeKey {
		a.writeKey[i] = byte(i + 1)
		b.readKey[i] = byte(i + 1)
		a.readKey[i] = byte(i + 100)
		b.writeKey[i] = byte(i + 100)
	}
	return a, b
}

// TestOrdinaryPacketRoundTrip checks that a message encoded by one side's
// session decodes cleanly under the peer's mirrored session (spec §4.D item
// 1, §8 "tag/session round trip").
func TestOrdinaryPacketRoundTrip(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)
	sessionA, sessionB := pairedSessions(t)

	raw, err := EncodeOrdinary(bID, aID, sessionA, []byte("ping"))
	require.NoError(t, err)

	srcID, packet, err := Decode(bID, raw, sessionB)
	require.NoError(t, err)
	require.Equal(t, aID, srcID)
	ord, ok := packet.(Ordinary)
	require.True(t, ok)
	require.Equal(t, []byte("ping"), ord.Message)
}

func TestOrdinaryPacketWrongKeyFailsToDecrypt(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)
	sessionA, _ := pairedSessions(t)
	wrongSession := &Session{writeKey: make([]byte, keyLen), readKey: make([]byte, keyLen)}

	raw, err := EncodeOrdinary(bID, aID, sessionA, []byte("ping"))
	require.NoError(t, err)

	_, _, err = Decode(bID, raw, wrongSession)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOrdinaryPacketNoSessionReportsShapeWithoutMessage(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)
	sessionA, _ := pairedSessions(t)

	raw, err := EncodeOrdinary(bID, aID, sessionA, []byte("ping"))
	require.NoError(t, err)

	srcID, packet, err := Decode(bID, raw, nil)
	require.NoError(t, err)
	require.Equal(t, aID, srcID)
	ord, ok := packet.(Ordinary)
	require.True(t, ok)
	require.Nil(t, ord.Message)
}

func TestWhoAreYouRoundTrip(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)

	w, err := NewWhoAreYou(Nonce{9, 9}, 42)
	require.NoError(t, err)

	raw, err := EncodeWhoAreYou(bID, aID, &w)
	require.NoError(t, err)

	srcID, packet, err := Decode(bID, raw, nil)
	require.NoError(t, err)
	require.Equal(t, aID, srcID)
	got, ok := packet.(WhoAreYou)
	require.True(t, ok)
	require.Equal(t, w.IDNonce, got.IDNonce)
	require.Equal(t, w.ENRSeq, got.ENRSeq)
}

func TestHandshakePacketRoundTrip(t *testing.T) {
	initiatorKey, aID := genIdentity(t)
	_, bID := genIdentity(t)
	sessionA, sessionB := pairedSessions(t)

	ephPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	var idNonce [32]byte
	idNonce[0] = 7
	h, err := BuildHandshakeAuth(idNonce, &ephPriv.PublicKey, initiatorKey, nil, false)
	require.NoError(t, err)

	raw, err := EncodeHandshake(bID, aID, sessionA, h, []byte("auth-msg"))
	require.NoError(t, err)

	srcID, packet, err := Decode(bID, raw, sessionB)
	require.NoError(t, err)
	require.Equal(t, aID, srcID)
	got, ok := packet.(Handshake)
	require.True(t, ok)
	require.Equal(t, h.IDNonceSig, got.IDNonceSig)
	require.Equal(t, h.EphemeralPubkey, got.EphemeralPubkey)
	require.Equal(t, []byte("auth-msg"), got.Message)
}

// TestHandshakePacketRejectsMismatchedSize checks that a handshake header
// whose declared SigSize/EphKeySize disagrees with the actual field lengths
// is rejected rather than silently accepted (spec §4.D handshake auth header).
func TestHandshakePacketRejectsMismatchedSize(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)

	wire := &handshakeWire{
		Nonce:           make([]byte, len(Nonce{})),
		SigSize:         64,
		EphKeySize:      33,
		IDNonceSig:      make([]byte, 64),
		EphemeralPubkey: make([]byte, 32), // one byte short of the declared 33
	}
	header, err := rlp.EncodeToBytes(wire)
	require.NoError(t, err)

	tag := Tag(bID, aID)
	raw := append(append([]byte{}, tag[:]...), header...)

	_, _, err = Decode(bID, raw, nil)
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestTagRoundTrip(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)
	tag := Tag(bID, aID)
	require.Equal(t, aID, RecoverSourceID(tag, bID))
}

func TestDecodeRejectsTooSmallPacket(t *testing.T) {
	_, localID := genIdentity(t)
	_, _, err := Decode(localID, make([]byte, tagSize-1), nil)
	require.ErrorIs(t, err, ErrPacketTooSmall)
}

func TestEncodeRandomIsIndistinguishableShape(t *testing.T) {
	_, aID := genIdentity(t)
	_, bID := genIdentity(t)

	raw, authTag, err := EncodeRandom(bID, aID, 32)
	require.NoError(t, err)
	require.NotEqual(t, Nonce{}, authTag)

	srcID, packet, err := Decode(bID, raw, nil)
	require.NoError(t, err)
	require.Equal(t, aID, srcID)
	ord, ok := packet.(Ordinary)
	require.True(t, ok)
	require.Nil(t, ord.Message)
	require.Equal(t, authTag, ord.AuthTag)
}
