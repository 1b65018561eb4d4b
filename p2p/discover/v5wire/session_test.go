package v5wire

import (
	stdecdsa "crypto/ecdsa"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enode"
)

func genIdentity(t *testing.T) (*stdecdsa.PrivateKey, enode.ID) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return priv, enode.DeriveID(&priv.PublicKey)
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// TestHandshakeDerivesSymmetricKeys checks that the initiator and responder,
// running their respective halves of CompleteAsInitiator/CompleteAsResponder
// against each other's static keys, end up with each side's write key equal
// to the other's read key (spec §4.D: the two HKDF outputs are symmetric).
func TestHandshakeDerivesSymmetricKeys(t *testing.T) {
	initiatorKey, initiatorID := genIdentity(t)
	responderKey, responderID := genIdentity(t)

	responderCache := NewSessionCache(8, responderID, responderKey)
	initiatorCache := NewSessionCache(8, initiatorID, initiatorKey)

	addr := udpAddr(30303)

	challenge, err := NewWhoAreYou(Nonce{1, 2, 3}, 0)
	require.NoError(t, err)
	responderCache.StartHandshake(initiatorID, addr, challenge)

	ephPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	initiatorSession := initiatorCache.CompleteAsInitiator(responderID, addr, ephPriv, challenge.IDNonce, &responderKey.PublicKey)
	require.Equal(t, AfterHandshake, initiatorSession.State)

	auth, err := BuildHandshakeAuth(challenge.IDNonce, &ephPriv.PublicKey, initiatorKey, nil, false)
	require.NoError(t, err)

	responderSession, err := responderCache.CompleteAsResponder(initiatorID, addr, auth, &initiatorKey.PublicKey)
	require.NoError(t, err)
	require.Equal(t, AfterHandshake, responderSession.State)

	require.Equal(t, initiatorSession.writeKey, responderSession.readKey)
	require.Equal(t, initiatorSession.readKey, responderSession.writeKey)
}

func TestCompleteAsResponderRejectsMissingChallenge(t *testing.T) {
	_, responderID := genIdentity(t)
	initiatorKey, initiatorID := genIdentity(t)
	responderKey, _ := genIdentity(t)

	cache := NewSessionCache(8, responderID, responderKey)
	auth := &Handshake{IDNonceSig: []byte("bogus"), EphemeralPubkey: crypto.FromECDSAPub(&initiatorKey.PublicKey)}

	_, err := cache.CompleteAsResponder(initiatorID, udpAddr(1), auth, &initiatorKey.PublicKey)
	require.ErrorIs(t, err, ErrNoHandshake)
}

func TestCompleteAsResponderRejectsBadSignature(t *testing.T) {
	initiatorKey, initiatorID := genIdentity(t)
	responderKey, responderID := genIdentity(t)
	cache := NewSessionCache(8, responderID, responderKey)
	addr := udpAddr(2)

	challenge, err := NewWhoAreYou(Nonce{}, 0)
	require.NoError(t, err)
	cache.StartHandshake(initiatorID, addr, challenge)

	ephPriv, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := BuildHandshakeAuth(challenge.IDNonce, &ephPriv.PublicKey, initiatorKey, nil, false)
	require.NoError(t, err)
	auth.IDNonceSig[0] ^= 0xff // corrupt

	_, err = cache.CompleteAsResponder(initiatorID, addr, auth, &initiatorKey.PublicKey)
	require.ErrorIs(t, err, ErrInvalidAuth)
}

func TestSessionNextNonceIncrementsCounter(t *testing.T) {
	s := &Session{}
	n1, err := s.nextNonce()
	require.NoError(t, err)
	n2, err := s.nextNonce()
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
	require.Equal(t, uint32(2), s.nonceCounter)
}
