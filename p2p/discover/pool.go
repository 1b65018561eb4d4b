package discover

import (
	stdecdsa "crypto/ecdsa"
	"net"
	"sync"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/enrdb"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
	"github.com/eth-classic/discv5/p2p/discover/v5wire"
)

// maxSessions caps the pool's completed-session LRU (spec §4.F capacity).
const maxSessions = 1024

// sendQueueCapacity bounds the buffer of plaintext messages held for a
// session still mid-handshake (spec §4.E: "bounded buffer (capacity 4
// recommended)").
const sendQueueCapacity = 4

// poolEvent is emitted on handshake completion or packet-authentication
// failure (spec §4.F).
type poolEvent struct {
	kind    string // "session_handshake_complete" | "packet_discarded"
	peer    enode.ID
	session *v5wire.Session
}

// Pool owns the (remote_node_id, remote_endpoint) -> Session map and routes
// packets to/from the wire (spec §4.F).
type Pool struct {
	mu    sync.Mutex
	cache *v5wire.SessionCache
	queue map[string][][]byte // sessionKey string -> queued plaintext messages

	localID  enode.ID
	localKey *stdecdsa.PrivateKey
	enrDB    *enrdb.DB
	localENR func() *enr.Record

	events chan poolEvent
	send   func(addr *net.UDPAddr, raw []byte) error
}

func NewPool(localID enode.ID, localKey *stdecdsa.PrivateKey, enrDB *enrdb.DB, localENR func() *enr.Record, send func(*net.UDPAddr, []byte) error) *Pool {
	return &Pool{
		cache:    v5wire.NewSessionCache(maxSessions, localID, localKey),
		queue:    make(map[string][][]byte),
		localID:  localID,
		localKey: localKey,
		enrDB:    enrDB,
		localENR: localENR,
		events:   make(chan poolEvent, 64),
		send:     send,
	}
}

// Events exposes the handshake-complete / packet-discarded stream.
func (p *Pool) Events() <-chan poolEvent { return p.events }

func queueKey(id enode.ID, addr *net.UDPAddr) string { return id.String() + "@" + addr.String() }

// SendMessage encrypts message for peer if a session is already established;
// otherwise it starts an initiator handshake and buffers message until it
// completes (spec §4.E outgoing-in-BeforeHandshake rule).
func (p *Pool) SendMessage(peer enode.ID, addr *net.UDPAddr, message []byte) error {
	p.mu.Lock()
	session := p.sessionLocked(peer, addr)
	p.mu.Unlock()

	if session != nil {
		raw, err := v5wire.EncodeOrdinary(peer, p.localID, session, message)
		if err != nil {
			return err
		}
		return p.send(addr, raw)
	}
	return p.startHandshake(peer, addr, message)
}

func (p *Pool) sessionLocked(peer enode.ID, addr *net.UDPAddr) *v5wire.Session {
	return p.cache.Session(peer, addr)
}

func (p *Pool) startHandshake(peer enode.ID, addr *net.UDPAddr, message []byte) error {
	key := queueKey(peer, addr)
	p.mu.Lock()
	q := p.queue[key]
	if len(q) >= sendQueueCapacity {
		q = q[1:] // drop oldest on overflow
	}
	p.queue[key] = append(q, message)
	p.mu.Unlock()

	// A random-data packet of realistic size stands in for the real
	// message while we don't yet have a session to encrypt it under (spec
	// §4.E). The peer either already has a session with us (and ignores
	// the garbage) or challenges us with WHOAREYOU, which drives the rest
	// of the handshake in HandlePacket.
	raw, _, err := v5wire.EncodeRandom(peer, p.localID, len(message))
	if err != nil {
		return err
	}
	return p.send(addr, raw)
}

// HandlePacket decodes one inbound datagram and advances the session state
// machine, returning any fully-decrypted application message.
func (p *Pool) HandlePacket(addr *net.UDPAddr, raw []byte) (peer enode.ID, message []byte, ok bool) {
	// We don't know the sender yet; Decode recovers it from the tag, so we
	// look the session up by the recovered id right after.
	srcID, packet, err := v5wire.Decode(p.localID, raw, nil)
	if err != nil {
		glog.V(logger.Detail).Infof("discover: dropping packet from %s: %v", addr, err)
		p.emit(poolEvent{kind: "packet_discarded", peer: srcID})
		return enode.ID{}, nil, false
	}

	p.mu.Lock()
	session := p.sessionLocked(srcID, addr)
	p.mu.Unlock()

	switch pk := packet.(type) {
	case v5wire.WhoAreYou:
		return p.handleWhoAreYou(srcID, addr, pk)
	case v5wire.Handshake:
		return p.handleHandshake(srcID, addr, &pk, session)
	case v5wire.Ordinary:
		if session == nil {
			p.challengeUnknownSender(srcID, addr, pk.AuthTag)
			return enode.ID{}, nil, false
		}
		_, decoded, err := v5wire.Decode(p.localID, raw, session)
		if err != nil {
			p.emit(poolEvent{kind: "packet_discarded", peer: srcID})
			return enode.ID{}, nil, false
		}
		ord := decoded.(v5wire.Ordinary)
		return srcID, ord.Message, true
	}
	return enode.ID{}, nil, false
}

// challengeUnknownSender replies to a packet from an unrecognised auth tag
// or session with a fresh WHOAREYOU, recording the challenge so the
// eventual handshake response can be completed as responder (spec §4.E
// "incoming random-data / unknown-session packet").
func (p *Pool) challengeUnknownSender(srcID enode.ID, addr *net.UDPAddr, triggerTag v5wire.Nonce) {
	var enrSeq uint64
	if rec, ok, err := p.enrDB.Get(srcID); err == nil && ok {
		enrSeq = rec.Seq()
	}
	w, err := v5wire.NewWhoAreYou(triggerTag, enrSeq)
	if err != nil {
		return
	}
	p.cache.StartHandshake(srcID, addr, w)
	raw, err := v5wire.EncodeWhoAreYou(srcID, p.localID, &w)
	if err != nil {
		return
	}
	if err := p.send(addr, raw); err != nil {
		glog.V(logger.Detail).Infof("discover: sending whoareyou to %s: %v", addr, err)
	}
}

// handleWhoAreYou responds to a challenge by completing the initiator side
// of the handshake: we generate a fresh ephemeral key, derive the session
// keys immediately against the peer's static public key, and send back a
// Handshake packet carrying our ephemeral public key and id_nonce signature
// so the peer (the responder) can arrive at the same keys (spec §4.E
// "incoming WHOAREYOU").
func (p *Pool) handleWhoAreYou(peer enode.ID, addr *net.UDPAddr, w v5wire.WhoAreYou) (enode.ID, []byte, bool) {
	remotePub, known := p.remotePublicKey(peer)
	if !known {
		p.emit(poolEvent{kind: "packet_discarded", peer: peer})
		return enode.ID{}, nil, false
	}
	ephPriv, err := crypto.GenerateKey()
	if err != nil {
		return enode.ID{}, nil, false
	}
	includeRecord := w.ENRSeq < p.localENR().Seq()
	h, err := v5wire.BuildHandshakeAuth(w.IDNonce, &ephPriv.PublicKey, p.localKey, p.localENR(), includeRecord)
	if err != nil {
		return enode.ID{}, nil, false
	}

	session := p.cache.CompleteAsInitiator(peer, addr, ephPriv, w.IDNonce, remotePub)

	key := queueKey(peer, addr)
	p.mu.Lock()
	queued := p.queue[key]
	delete(p.queue, key)
	p.mu.Unlock()

	var firstMsg []byte
	if len(queued) > 0 {
		firstMsg, queued = queued[0], queued[1:]
	}
	raw, err := v5wire.EncodeHandshake(peer, p.localID, session, h, firstMsg)
	if err != nil {
		return enode.ID{}, nil, false
	}
	if err := p.send(addr, raw); err != nil {
		glog.V(logger.Detail).Infof("discover: sending handshake to %s: %v", addr, err)
	}
	p.flushQueued(peer, addr, session, queued)
	p.emit(poolEvent{kind: "session_handshake_complete", peer: peer, session: session})
	return enode.ID{}, nil, false
}

// handleHandshake finishes a handshake the peer initiated against us: we
// sent the WHOAREYOU they are responding to, so we are the responder side
// and derive keys from our own static key against their ephemeral public
// key (spec §4.E "incoming handshake response").
func (p *Pool) handleHandshake(peer enode.ID, addr *net.UDPAddr, h *v5wire.Handshake, existing *v5wire.Session) (enode.ID, []byte, bool) {
	remotePub, known := p.remotePublicKey(peer)
	if h.Record != nil {
		if n, err := enode.New(h.Record); err == nil {
			p.enrDB.SetENR(n.ID(), h.Record)
			if pub, err := h.Record.PublicKey(); err == nil {
				remotePub, known = pub, true
			}
		}
	}
	if !known {
		p.emit(poolEvent{kind: "packet_discarded", peer: peer})
		return enode.ID{}, nil, false
	}

	session, err := p.cache.CompleteAsResponder(peer, addr, h, remotePub)
	if err != nil {
		p.emit(poolEvent{kind: "packet_discarded", peer: peer})
		return enode.ID{}, nil, false
	}
	p.emit(poolEvent{kind: "session_handshake_complete", peer: peer, session: session})

	key := queueKey(peer, addr)
	p.mu.Lock()
	queued := p.queue[key]
	delete(p.queue, key)
	p.mu.Unlock()
	p.flushQueued(peer, addr, session, queued)

	return peer, h.Message, h.Message != nil
}

// flushQueued sends any messages buffered while the handshake was in
// flight, now that session carries live keys (spec §4.E).
func (p *Pool) flushQueued(peer enode.ID, addr *net.UDPAddr, session *v5wire.Session, queued [][]byte) {
	for _, m := range queued {
		raw, err := v5wire.EncodeOrdinary(peer, p.localID, session, m)
		if err != nil {
			continue
		}
		if err := p.send(addr, raw); err != nil {
			glog.V(logger.Detail).Infof("discover: sending queued message to %s: %v", addr, err)
		}
	}
}

func (p *Pool) remotePublicKey(peer enode.ID) (*stdecdsa.PublicKey, bool) {
	rec, ok, err := p.enrDB.Get(peer)
	if err != nil || !ok {
		return nil, false
	}
	pub, err := rec.PublicKey()
	if err != nil {
		return nil, false
	}
	return pub, true
}

func (p *Pool) emit(e poolEvent) {
	select {
	case p.events <- e:
	default:
	}
}
