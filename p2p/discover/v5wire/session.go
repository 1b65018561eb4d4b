package v5wire

import (
	stdecdsa "crypto/ecdsa"
	"crypto/rand"
	"errors"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
)

// State is the per-peer, per-session handshake state (spec §4.E).
type State int

const (
	BeforeHandshake State = iota
	DuringHandshakeInitiator
	DuringHandshakeResponder
	AfterHandshake
	Closed
)

// handshakeTimeout bounds how long an in-progress handshake challenge is
// remembered before being discarded (spec §4.E).
const handshakeTimeout = 5 * time.Second

// sessionKey identifies a session by the (remote id, remote endpoint) pair
// the spec requires exactly one live session per pair for (§3 Session).
type sessionKey struct {
	id   enode.ID
	addr string
}

func keyFor(id enode.ID, addr *net.UDPAddr) sessionKey {
	return sessionKey{id: id, addr: addr.String()}
}

// Session is the established, post-handshake cryptographic context for one
// peer: directional AES-GCM keys and an outbound nonce counter (spec §3
// Session). It carries no local identifier of its own; the cache keys it by
// (remote id, remote endpoint).
type Session struct {
	Remote       enode.ID
	RemoteAddr   *net.UDPAddr
	Initiator    bool
	State        State
	writeKey     []byte
	readKey      []byte
	nonceCounter uint32
}

// nextNonce allocates the next outbound nonce: a monotonically increasing
// counter in the first 4 bytes, random bytes filling the rest (spec §4.D:
// "nonces ... drawn from a CSPRNG per outbound packet").
func (s *Session) nextNonce() (Nonce, error) {
	s.nonceCounter++
	var n Nonce
	n[0] = byte(s.nonceCounter >> 24)
	n[1] = byte(s.nonceCounter >> 16)
	n[2] = byte(s.nonceCounter >> 8)
	n[3] = byte(s.nonceCounter)
	if _, err := rand.Read(n[4:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

// pendingChallenge is a WHOAREYOU we sent (as responder) and are waiting on
// a handshake response for.
type pendingChallenge struct {
	challenge WhoAreYou
	sentAt    time.Time
}

// SessionCache tracks live sessions and in-flight handshake challenges
// (spec §4.E/§4.F). Completed sessions are bounded by an LRU so a flood of
// one-off peers cannot grow memory without limit; handshakes are bounded by
// handshakeTimeout instead, since they are not worth caching past that.
type SessionCache struct {
	sessions   *lru.Cache // sessionKey -> *Session
	handshakes map[sessionKey]*pendingChallenge
	localID    enode.ID
	localKey   *stdecdsa.PrivateKey
}

// NewSessionCache creates a cache bounded to maxSessions completed sessions.
func NewSessionCache(maxSessions int, localID enode.ID, localKey *stdecdsa.PrivateKey) *SessionCache {
	c, err := lru.New(maxSessions)
	if err != nil {
		panic(err) // maxSessions <= 0 is a programmer error, not a runtime condition
	}
	return &SessionCache{
		sessions:   c,
		handshakes: make(map[sessionKey]*pendingChallenge),
		localID:    localID,
		localKey:   localKey,
	}
}

// Session returns the live session for (id, addr), or nil if none exists.
func (sc *SessionCache) Session(id enode.ID, addr *net.UDPAddr) *Session {
	v, ok := sc.sessions.Get(keyFor(id, addr))
	if !ok {
		return nil
	}
	return v.(*Session)
}

func (sc *SessionCache) storeSession(s *Session) {
	sc.sessions.Add(keyFor(s.Remote, s.RemoteAddr), s)
}

// StartHandshake records a challenge we sent as responder, so
// CompleteAsResponder can recover its id_nonce once the handshake response
// arrives.
func (sc *SessionCache) StartHandshake(id enode.ID, addr *net.UDPAddr, challenge WhoAreYou) {
	sc.gcHandshakes()
	sc.handshakes[keyFor(id, addr)] = &pendingChallenge{challenge: challenge, sentAt: time.Now()}
}

func (sc *SessionCache) takeHandshake(id enode.ID, addr *net.UDPAddr) *pendingChallenge {
	key := keyFor(id, addr)
	p, ok := sc.handshakes[key]
	if !ok {
		return nil
	}
	delete(sc.handshakes, key)
	if time.Since(p.sentAt) > handshakeTimeout {
		return nil
	}
	return p
}

func (sc *SessionCache) gcHandshakes() {
	deadline := time.Now().Add(-handshakeTimeout)
	for k, p := range sc.handshakes {
		if p.sentAt.Before(deadline) {
			delete(sc.handshakes, k)
		}
	}
}

var (
	// ErrNoHandshake is returned when a handshake-response packet arrives
	// with no matching challenge on record (expired, or never sent).
	ErrNoHandshake = errors.New("v5wire: no matching handshake challenge")
	// ErrInvalidAuth is returned when the id-nonce signature in a handshake
	// response does not verify.
	ErrInvalidAuth = errors.New("v5wire: invalid handshake auth signature")
)

// CompleteAsInitiator derives session keys the moment we learn the
// responder's static public key and id_nonce: ECDH is ephemeral-static
// (our fresh ephKey against their long-lived static key), so unlike the
// responder side we don't need to wait for anything to arrive — the
// Handshake packet we are about to send already carries everything the
// responder needs to arrive at the same keys (spec §4.D/§4.E).
func (sc *SessionCache) CompleteAsInitiator(id enode.ID, addr *net.UDPAddr, ephPriv *stdecdsa.PrivateKey, idNonce [32]byte, remoteStaticPub *stdecdsa.PublicKey) *Session {
	secret := sharedSecret(ephPriv, remoteStaticPub)
	keys := deriveKeys(secret, idNonce, sc.localID, id)
	s := &Session{
		Remote:     id,
		RemoteAddr: addr,
		Initiator:  true,
		State:      AfterHandshake,
		writeKey:   keys.initiatorKey,
		readKey:    keys.recipientKey,
	}
	sc.storeSession(s)
	return s
}

// CompleteAsResponder finishes a handshake a peer initiated against us: our
// own long-lived static key against their ephemeral public key (carried in
// the handshake packet) reproduces the same shared secret the initiator
// derived, once we also verify their id-nonce signature against their
// static public key (spec §4.D/§4.E).
func (sc *SessionCache) CompleteAsResponder(id enode.ID, addr *net.UDPAddr, resp *Handshake, remoteStaticPub *stdecdsa.PublicKey) (*Session, error) {
	pending := sc.takeHandshake(id, addr)
	if pending == nil {
		return nil, ErrNoHandshake
	}
	idNonce := pending.challenge.IDNonce
	hash := idNonceSigningHash(idNonce, resp.EphemeralPubkey)
	if !crypto.VerifyIDNonce(remoteStaticPub, hash, resp.IDNonceSig) {
		return nil, ErrInvalidAuth
	}
	ephemeralInitiatorPub := crypto.ToECDSAPub(resp.EphemeralPubkey)
	if ephemeralInitiatorPub == nil {
		return nil, errors.New("v5wire: invalid ephemeral public key")
	}
	secret := sharedSecret(sc.localKey, ephemeralInitiatorPub)
	keys := deriveKeys(secret, idNonce, id, sc.localID)

	s := &Session{
		Remote:     id,
		RemoteAddr: addr,
		Initiator:  false,
		State:      AfterHandshake,
		writeKey:   keys.recipientKey,
		readKey:    keys.initiatorKey,
	}
	sc.storeSession(s)
	return s, nil
}

// NewWhoAreYou builds a fresh challenge, with a random id_nonce, for an
// unrecognised sender.
func NewWhoAreYou(token Nonce, enrSeq uint64) (WhoAreYou, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return WhoAreYou{}, err
	}
	return WhoAreYou{Token: token, IDNonce: nonce, ENRSeq: enrSeq}, nil
}

// BuildHandshakeAuth signs idNonce with our static key and packages the
// ephemeral public key and (optionally) our fresher ENR, ready to go into
// the plaintext auth header of a Handshake packet (see EncodeHandshake).
func BuildHandshakeAuth(idNonce [32]byte, ephPub *stdecdsa.PublicKey, priv *stdecdsa.PrivateKey, ourRecord *enr.Record, includeRecord bool) (*Handshake, error) {
	ephPubBytes := crypto.FromECDSAPub(ephPub)
	hash := idNonceSigningHash(idNonce, ephPubBytes)
	sig, err := crypto.SignIDNonce(hash, priv)
	if err != nil {
		return nil, err
	}
	h := &Handshake{IDNonceSig: sig, EphemeralPubkey: ephPubBytes}
	if includeRecord {
		h.Record = ourRecord
	}
	return h, nil
}
