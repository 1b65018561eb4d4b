package discover

import (
	"errors"
	"net"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth-classic/discv5/enr"
)

// Message type bytes, the first byte of every decrypted v5wire payload.
const (
	typePing byte = iota + 1
	typePong
	typeFindNode
	typeNodes
	typeTalkRequest
	typeTalkResponse
)

// RequestID is the opaque 8-byte identifier correlating a request with its
// response(s) (spec: "Pending request table").
type RequestID [8]byte

// isResponse reports whether a message type marks it as a response, per the
// dispatcher's routing rule (spec §4.G).
func isResponse(t byte) bool { return t == typePong || t == typeNodes || t == typeTalkResponse }

type Ping struct {
	RequestID RequestID
	ENRSeq    uint64
}

type Pong struct {
	RequestID       RequestID
	ENRSeq          uint64
	ObservedIP      net.IP
	ObservedUDPPort uint16
}

type FindNode struct {
	RequestID RequestID
	Distances []uint
}

// Nodes is one page of a (possibly multi-packet) find_nodes response; Total
// tells the caller how many packets make up the full answer.
type Nodes struct {
	RequestID RequestID
	Total     uint8
	Records   []*enr.Record
}

type TalkRequest struct {
	RequestID RequestID
	Protocol  string
	Message   []byte
}

type TalkResponse struct {
	RequestID RequestID
	Message   []byte
}

// maxENRsPerPacket bounds how many records one Nodes packet carries before
// it has to be split (spec §4.H find_nodes: "one or more response packets").
const maxENRsPerPacket = 16

// EncodeMessage prepends the type byte and RLP-encodes msg.
func EncodeMessage(msg interface{}) ([]byte, error) {
	var t byte
	switch msg.(type) {
	case *Ping:
		t = typePing
	case *Pong:
		t = typePong
	case *FindNode:
		t = typeFindNode
	case *Nodes:
		t = typeNodes
	case *TalkRequest:
		t = typeTalkRequest
	case *TalkResponse:
		t = typeTalkResponse
	default:
		return nil, errors.New("discover: unknown message type")
	}
	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	return append([]byte{t}, body...), nil
}

// DecodeMessage parses a type byte + RLP body into the corresponding
// message struct.
func DecodeMessage(raw []byte) (msg interface{}, err error) {
	if len(raw) < 1 {
		return nil, errors.New("discover: empty message")
	}
	body := raw[1:]
	switch raw[0] {
	case typePing:
		var m Ping
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	case typePong:
		var m Pong
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	case typeFindNode:
		var m FindNode
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	case typeNodes:
		var m Nodes
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	case typeTalkRequest:
		var m TalkRequest
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	case typeTalkResponse:
		var m TalkResponse
		err = rlp.DecodeBytes(body, &m)
		msg = &m
	default:
		return nil, errors.New("discover: unknown message type byte")
	}
	return msg, err
}

// requestIDOf extracts the correlation id carried by every message type.
func requestIDOf(msg interface{}) RequestID {
	switch m := msg.(type) {
	case *Ping:
		return m.RequestID
	case *Pong:
		return m.RequestID
	case *FindNode:
		return m.RequestID
	case *Nodes:
		return m.RequestID
	case *TalkRequest:
		return m.RequestID
	case *TalkResponse:
		return m.RequestID
	default:
		return RequestID{}
	}
}

// messageTypeOf returns the wire type byte for msg, for subscriber routing.
func messageTypeOf(msg interface{}) byte {
	switch msg.(type) {
	case *Ping:
		return typePing
	case *Pong:
		return typePong
	case *FindNode:
		return typeFindNode
	case *Nodes:
		return typeNodes
	case *TalkRequest:
		return typeTalkRequest
	case *TalkResponse:
		return typeTalkResponse
	default:
		return 0
	}
}
