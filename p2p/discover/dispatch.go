package discover

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

// subscriberBufferSize bounds each subscriber's stream (spec §4.G).
const subscriberBufferSize = 32

// subscriberSendTimeout is how long the dispatcher waits for a slow
// subscriber before dropping a message just for that subscriber (spec §4.G).
const subscriberSendTimeout = 100 * time.Millisecond

// requestChanCapacity buffers more than one reply per pending request so a
// multi-packet NODES answer (spec §4.H find_nodes: "one or more response
// packets") doesn't stall the dispatch loop between pages.
const requestChanCapacity = 8

// inboundMessage pairs a decoded message with who it came from.
type inboundMessage struct {
	from enode.ID
	addr *net.UDPAddr
	msg  interface{}
}

type pendingRequest struct {
	peer enode.ID
	id   RequestID
	ch   chan *inboundMessage
}

// Dispatcher correlates decrypted inbound messages with pending requests
// and fans requests out to type-scoped subscribers (spec §4.G).
type Dispatcher struct {
	mu          sync.Mutex
	pending     map[enode.ID]map[RequestID]*pendingRequest
	subscribers map[byte][]chan *inboundMessage

	requestsSent     metrics.Counter
	responsesMatched metrics.Counter
	responsesDropped metrics.Counter
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		pending:          make(map[enode.ID]map[RequestID]*pendingRequest),
		subscribers:      make(map[byte][]chan *inboundMessage),
		requestsSent:     metrics.NewRegisteredCounter("discv5/dispatch/requests-sent", nil),
		responsesMatched: metrics.NewRegisteredCounter("discv5/dispatch/responses-matched", nil),
		responsesDropped: metrics.NewRegisteredCounter("discv5/dispatch/responses-dropped", nil),
	}
}

// Subscribe returns a bounded stream of every inbound message of type t
// (spec §4.G subscribe).
func (d *Dispatcher) Subscribe(t byte) <-chan *inboundMessage {
	ch := make(chan *inboundMessage, subscriberBufferSize)
	d.mu.Lock()
	d.subscribers[t] = append(d.subscribers[t], ch)
	d.mu.Unlock()
	return ch
}

// newRequestID draws a fresh random 8-byte id, retrying on collision with
// an already-pending request for the same peer (spec §4.G).
func (d *Dispatcher) newRequestID(peer enode.ID) RequestID {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		var id RequestID
		rand.Read(id[:])
		if byPeer, ok := d.pending[peer]; ok {
			if _, exists := byPeer[id]; exists {
				continue
			}
		}
		return id
	}
}

// RegisterRequest allocates a request id and a channel buffered to
// requestChanCapacity for its reply (several pages for a NODES answer), to
// be used by send_request-style callers in net.go.
func (d *Dispatcher) RegisterRequest(peer enode.ID) (RequestID, chan *inboundMessage) {
	id := d.newRequestID(peer)
	ch := make(chan *inboundMessage, requestChanCapacity)
	d.mu.Lock()
	if d.pending[peer] == nil {
		d.pending[peer] = make(map[RequestID]*pendingRequest)
	}
	d.pending[peer][id] = &pendingRequest{peer: peer, id: id, ch: ch}
	d.mu.Unlock()
	d.requestsSent.Inc(1)
	return id, ch
}

// CancelRequest removes a pending request, used on timeout.
func (d *Dispatcher) CancelRequest(peer enode.ID, id RequestID) {
	d.mu.Lock()
	if byPeer, ok := d.pending[peer]; ok {
		delete(byPeer, id)
		if len(byPeer) == 0 {
			delete(d.pending, peer)
		}
	}
	d.mu.Unlock()
}

// Dispatch routes a decrypted inbound message: to the matching pending
// request if it is a response, otherwise broadcast to subscribers of its
// type. Never blocks the receive loop longer than subscriberSendTimeout per
// subscriber (spec §4.G).
func (d *Dispatcher) Dispatch(from enode.ID, addr *net.UDPAddr, msg interface{}) {
	im := &inboundMessage{from: from, addr: addr, msg: msg}
	t := messageTypeOf(msg)

	if isResponse(t) {
		id := requestIDOf(msg)
		d.mu.Lock()
		var req *pendingRequest
		if byPeer, ok := d.pending[from]; ok {
			req = byPeer[id]
			// NODES answers may span several packets under the same request
			// id; the caller (find_nodes) reads until it has Total pages and
			// cancels explicitly. Every other response type is one-shot.
			if req != nil && t != typeNodes {
				delete(byPeer, id)
			}
		}
		d.mu.Unlock()
		if req == nil {
			glog.V(logger.Detail).Infof("discover: dropping unmatched response from %s", from)
			d.responsesDropped.Inc(1)
			return
		}
		d.responsesMatched.Inc(1)
		req.ch <- im
		return
	}

	d.mu.Lock()
	subs := append([]chan *inboundMessage(nil), d.subscribers[t]...)
	d.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- im:
		case <-time.After(subscriberSendTimeout):
			glog.V(logger.Detail).Infof("discover: dropping message for slow subscriber of type %d", t)
		}
	}
}
