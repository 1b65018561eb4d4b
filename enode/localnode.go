package enode

import (
	"bytes"
	stdecdsa "crypto/ecdsa"
	"net"
	"sync"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

// LocalNode constructs and maintains the node's own signed ENR, bumping its
// sequence number only when the advertised pairs actually change (spec
// §4.A). It is the single writer of the local record; everything else reads
// a snapshot via Record or Node.
type LocalNode struct {
	mu  sync.Mutex
	key *stdecdsa.PrivateKey
	id  ID

	cur *enr.Record
}

// NewLocalNode builds the minimal identity record {id:"v4",
// secp256k1:<compressed pubkey>, udp:<port>} with sequence_number=1, or
// reuses an existing record's sequence number verbatim if its pairs already
// match (spec §4.A).
func NewLocalNode(key *stdecdsa.PrivateKey, udpPort uint16, existing *enr.Record) (*LocalNode, error) {
	ln := &LocalNode{key: key, id: DeriveID(&key.PublicKey)}
	compressedPub := crypto.CompressPubkey(&key.PublicKey)

	if existing != nil && matchesIdentity(existing, compressedPub, udpPort) {
		ln.cur = existing
		return ln, nil
	}

	wanted := &enr.Record{}
	if err := wanted.Set(enr.KeyUDP, udpPort); err != nil {
		return nil, err
	}
	seq := uint64(1)
	if existing != nil {
		seq = existing.Seq() + 1
		wanted = existing.Merge(wanted)
	}
	wanted.SetSeq(seq)
	if err := wanted.Sign(key); err != nil {
		return nil, err
	}
	ln.cur = wanted
	return ln, nil
}

// matchesIdentity reports whether existing already advertises exactly the
// identity/endpoint pairs we would otherwise construct, letting the caller
// reuse it (and its sequence number) verbatim (spec §4.A).
func matchesIdentity(existing *enr.Record, compressedPub []byte, udpPort uint16) bool {
	var scheme string
	if err := existing.Load(enr.KeyID, &scheme); err != nil || scheme != enr.SchemeV4 {
		return false
	}
	var pub []byte
	if err := existing.Load(enr.KeySecp256k1, &pub); err != nil || !bytes.Equal(pub, compressedPub) {
		return false
	}
	var udp uint16
	if err := existing.Load(enr.KeyUDP, &udp); err != nil || udp != udpPort {
		return false
	}
	return true
}

// ID returns the local node's id (constant for the lifetime of key).
func (ln *LocalNode) ID() ID { return ln.id }

// Record returns the current signed ENR. Safe for concurrent use.
func (ln *LocalNode) Record() *enr.Record {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.cur
}

// Node returns the current record wrapped as a *Node.
func (ln *LocalNode) Node() *Node {
	n, err := New(ln.Record())
	if err != nil {
		panic("enode: local record does not verify: " + err.Error())
	}
	return n
}

// SetIP updates the advertised IP endpoint, merging it into the existing
// record and bumping the sequence number only if the pairs actually changed
// (spec §4.A). A nil ip leaves the record unchanged: an IP already in the
// record is not removed.
func (ln *LocalNode) SetIP(ip net.IP) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delta := &enr.Record{}
	if ip != nil {
		if err := delta.Set(enr.KeyIP, []byte(ip.To4())); err != nil {
			glog.V(logger.Error).Errorf("enode: encoding local IP: %v", err)
			return
		}
	}
	ln.mergeLocked(delta)
}

// SetUDPPort updates the advertised UDP port.
func (ln *LocalNode) SetUDPPort(port uint16) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delta := &enr.Record{}
	if err := delta.Set(enr.KeyUDP, port); err != nil {
		glog.V(logger.Error).Errorf("enode: encoding local UDP port: %v", err)
		return
	}
	ln.mergeLocked(delta)
}

func (ln *LocalNode) mergeLocked(delta *enr.Record) {
	merged := ln.cur.Merge(delta)
	if merged.Equal(ln.cur) {
		return
	}
	merged.SetSeq(ln.cur.Seq() + 1)
	if err := merged.Sign(ln.key); err != nil {
		glog.V(logger.Error).Errorf("enode: re-signing local record: %v", err)
		return
	}
	glog.V(logger.Detail).Infof("enode: local record updated to seq %d", merged.Seq())
	ln.cur = merged
}

// PrivateKey returns the local static key, used by the session/handshake
// layer for ECDH and id-nonce signing (spec §4.D/§4.E).
func (ln *LocalNode) PrivateKey() *stdecdsa.PrivateKey { return ln.key }
