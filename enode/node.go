// Package enode represents Discovery v5 peers: a NodeID, a UDP endpoint and
// the signed ENR backing both (spec §3, §4.A).
package enode

import (
	"encoding/hex"
	stdecdsa "crypto/ecdsa"
	"fmt"
	"net"

	"github.com/eth-classic/discv5/crypto"
	"github.com/eth-classic/discv5/enr"
)

// ID is a 32-byte node identifier derived from the node's public key under
// the "v4" identity scheme (spec §3): Keccak-256 of the uncompressed
// secp256k1 public key (excluding the 0x04 prefix byte).
type ID [32]byte

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the all-zero identifier (never a valid node,
// and used as a sentinel for "no endpoint known").
func (id ID) IsZero() bool { return id == ID{} }

// DeriveID computes a v4-scheme NodeID from a public key.
func DeriveID(pub *stdecdsa.PublicKey) ID {
	full := crypto.FromECDSAPub(pub)
	return ID(crypto.Keccak256Hash(full[1:]))
}

// LogDistance returns the bit length of a XOR b, in [0, 256], 0 when a == b
// (GLOSSARY: log_distance).
func LogDistance(a, b ID) int {
	if a == b {
		return 0
	}
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return (len(a)-i-1)*8 + bitLen8(x)
		}
	}
	return 0
}

func bitLen8(x byte) int {
	n := 0
	for x != 0 {
		n++
		x >>= 1
	}
	return n
}

// Endpoint is a UDP reachability tuple (spec §3).
type Endpoint struct {
	IP  net.IP
	UDP uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.UDP) }

// Node pairs a verified ENR with the NodeID/Endpoint derived from it.
type Node struct {
	id     ID
	record *enr.Record
	ip     net.IP
	udp    uint16
}

// New verifies r's signature and derives a Node from it.
func New(r *enr.Record) (*Node, error) {
	if err := r.Verify(); err != nil {
		return nil, err
	}
	pub, err := r.PublicKey()
	if err != nil {
		return nil, err
	}
	n := &Node{id: DeriveID(pub), record: r}
	var ipBytes []byte
	if err := r.Load(enr.KeyIP, &ipBytes); err == nil {
		n.ip = net.IP(ipBytes)
	}
	var udp uint16
	if err := r.Load(enr.KeyUDP, &udp); err == nil {
		n.udp = udp
	}
	return n, nil
}

func (n *Node) ID() ID               { return n.id }
func (n *Node) Record() *enr.Record  { return n.record }
func (n *Node) Seq() uint64          { return n.record.Seq() }
func (n *Node) IP() net.IP           { return n.ip }
func (n *Node) UDP() uint16          { return n.udp }
func (n *Node) Endpoint() Endpoint   { return Endpoint{IP: n.ip, UDP: n.udp} }
func (n *Node) UDPAddr() *net.UDPAddr {
	if n.ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: n.ip, Port: int(n.udp)}
}

func (n *Node) String() string {
	return fmt.Sprintf("enode://%s@%s", n.id, n.Endpoint())
}
