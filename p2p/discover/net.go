package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/enrdb"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

// requestTimeout bounds how long a call waits for its matching response
// before the lookup engine is told the peer is TooSlow (spec §4.H, §7).
const requestTimeout = 500 * time.Millisecond

// maxPacketSize is the largest UDP datagram the transport reads in one
// shot; discv5 packets never approach it (spec §6).
const maxPacketSize = 1280

var (
	// ErrTimeout is returned by a call that received no matching response
	// within requestTimeout.
	ErrTimeout = errors.New("discover: request timed out")
	// ErrBadResponse is returned when a reply arrives but isn't the
	// expected message type for the call.
	ErrBadResponse = errors.New("discover: unexpected response type")
)

// TalkHandler answers an incoming TALKREQ for a registered protocol; its
// return value becomes the TALKRESP payload (spec §4.H talk).
type TalkHandler func(peer enode.ID, payload []byte) []byte

// Network is the node's public API surface (spec §4.H): ping, find_nodes,
// talk and bond all live here, built on top of the session layer (Pool),
// the request/response correlator (Dispatcher) and the routing table.
type Network struct {
	conn  net.PacketConn
	local *enode.LocalNode
	table *Table
	pool  *Pool
	disp  *Dispatcher
	db    *enrdb.DB

	talkMu       sync.Mutex
	talkHandlers map[string]TalkHandler

	// unresponsive is shared across every lookup run on this network, so a
	// peer that TooSlow's one lookup is skipped by the next too (spec §4.I
	// "shared unresponsive cache").
	unresponsive *unresponsiveCache

	// initDone is closed the first time a bond succeeds, marking
	// routing_table_ready (spec §4.H bond, §4.J bootstrap).
	initDone     chan struct{}
	initDoneOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewNetwork wires the transport to the session/dispatch/table layers and
// starts the read loop plus the server-side request handlers (spec §4.H
// serve ping/find_nodes/talk).
func NewNetwork(conn net.PacketConn, local *enode.LocalNode, table *Table, pool *Pool, disp *Dispatcher, db *enrdb.DB) *Network {
	n := &Network{
		conn:         conn,
		local:        local,
		table:        table,
		pool:         pool,
		disp:         disp,
		db:           db,
		talkHandlers: make(map[string]TalkHandler),
		unresponsive: newUnresponsiveCache(),
		initDone:     make(chan struct{}),
		closed:       make(chan struct{}),
	}
	n.wg.Add(4)
	go n.readLoop()
	go n.servePings()
	go n.serveFindNode()
	go n.serveTalk()
	return n
}

// Close stops the read loop and server handlers.
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.conn.Close()
	})
	n.wg.Wait()
}

// Self returns the local node's current signed record wrapped as a Node.
func (n *Network) Self() *enode.Node { return n.local.Node() }

// Table exposes the routing table for the lookup engine and maintenance
// loops.
func (n *Network) Table() *Table { return n.table }

// DB exposes the ENR store for the lookup engine and maintenance loops.
func (n *Network) DB() *enrdb.DB { return n.db }

// RoutingTableReady returns a channel that is closed the first time a bond
// succeeds, i.e. once the routing table holds at least one confirmed entry
// (spec §4.H bond: "on success... marks routing_table_ready"; §4.J
// bootstrap: "repeat until at least one succeeds (routing_table_ready)").
// Unlike Bootstrap's return value, this condition is queryable by any
// consumer, not just Bootstrap's direct caller.
func (n *Network) RoutingTableReady() <-chan struct{} { return n.initDone }

func (n *Network) markRoutingTableReady() {
	n.initDoneOnce.Do(func() { close(n.initDone) })
}

func (n *Network) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		size, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			glog.V(logger.Detail).Infof("discover: read error: %v", err)
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		raw := make([]byte, size)
		copy(raw, buf[:size])

		peer, payload, ok := n.pool.HandlePacket(udpAddr, raw)
		if !ok || payload == nil {
			continue
		}
		msg, err := DecodeMessage(payload)
		if err != nil {
			glog.V(logger.Detail).Infof("discover: dropping malformed message from %s: %v", peer, err)
			continue
		}
		n.disp.Dispatch(peer, udpAddr, msg)
	}
}

// Ping calls PING on peer and waits for the matching PONG (spec §4.H ping).
func (n *Network) Ping(ctx context.Context, peer *enode.Node) (*Pong, error) {
	req := &Ping{ENRSeq: n.local.Record().Seq()}
	id, ch := n.disp.RegisterRequest(peer.ID())
	req.RequestID = id

	raw, err := EncodeMessage(req)
	if err != nil {
		n.disp.CancelRequest(peer.ID(), id)
		return nil, err
	}
	if err := n.pool.SendMessage(peer.ID(), peer.UDPAddr(), raw); err != nil {
		n.disp.CancelRequest(peer.ID(), id)
		return nil, err
	}

	select {
	case im := <-ch:
		pong, ok := im.msg.(*Pong)
		if !ok {
			return nil, ErrBadResponse
		}
		return pong, nil
	case <-ctx.Done():
		n.disp.CancelRequest(peer.ID(), id)
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		n.disp.CancelRequest(peer.ID(), id)
		return nil, ErrTimeout
	}
}

// FindNode calls FINDNODE for the given distances and collects every NODES
// page, validating each returned record actually sits at one of the
// requested distances from peer before keeping it (spec §4.H find_nodes,
// §7 "validation error... unresponsive for this lookup").
func (n *Network) FindNode(ctx context.Context, peer *enode.Node, distances []uint) ([]*enr.Record, error) {
	req := &FindNode{Distances: distances}
	id, ch := n.disp.RegisterRequest(peer.ID())
	req.RequestID = id
	defer n.disp.CancelRequest(peer.ID(), id)

	raw, err := EncodeMessage(req)
	if err != nil {
		return nil, err
	}
	if err := n.pool.SendMessage(peer.ID(), peer.UDPAddr(), raw); err != nil {
		return nil, err
	}

	var (
		records  []*enr.Record
		total    uint8 = 1
		received uint8
	)
	timeout := time.After(requestTimeout)
	for received < total {
		select {
		case im := <-ch:
			nodes, ok := im.msg.(*Nodes)
			if !ok {
				continue
			}
			received++
			if nodes.Total > 0 {
				total = nodes.Total
			}
			for _, rec := range nodes.Records {
				node, err := enode.New(rec)
				if err != nil {
					glog.V(logger.Detail).Infof("discover: find_nodes record from %s failed to verify: %v", peer.ID(), err)
					continue
				}
				d := enode.LogDistance(peer.ID(), node.ID())
				if !containsDistance(distances, d) {
					glog.V(logger.Detail).Infof("discover: find_nodes record from %s at distance %d, not requested", peer.ID(), d)
					continue
				}
				records = append(records, rec)
			}
		case <-ctx.Done():
			return records, ctx.Err()
		case <-timeout:
			if received == 0 {
				return nil, ErrTimeout
			}
			return records, nil
		}
	}
	return records, nil
}

func containsDistance(distances []uint, d int) bool {
	for _, want := range distances {
		if int(want) == d {
			return true
		}
	}
	return false
}

// Talk calls TALKREQ with protocol/payload and returns the TALKRESP message
// (spec §4.H talk), which may be empty if the peer doesn't support the
// protocol.
func (n *Network) Talk(ctx context.Context, peer *enode.Node, protocol string, payload []byte) ([]byte, error) {
	req := &TalkRequest{Protocol: protocol, Message: payload}
	id, ch := n.disp.RegisterRequest(peer.ID())
	req.RequestID = id

	raw, err := EncodeMessage(req)
	if err != nil {
		n.disp.CancelRequest(peer.ID(), id)
		return nil, err
	}
	if err := n.pool.SendMessage(peer.ID(), peer.UDPAddr(), raw); err != nil {
		n.disp.CancelRequest(peer.ID(), id)
		return nil, err
	}

	select {
	case im := <-ch:
		resp, ok := im.msg.(*TalkResponse)
		if !ok {
			return nil, ErrBadResponse
		}
		return resp.Message, nil
	case <-ctx.Done():
		n.disp.CancelRequest(peer.ID(), id)
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		n.disp.CancelRequest(peer.ID(), id)
		return nil, ErrTimeout
	}
}

// LookupENR resolves peer's current record, skipping the network round trip
// if the cached copy already meets minSeq (spec §4.H lookup_enr).
func (n *Network) LookupENR(ctx context.Context, peer *enode.Node, minSeq uint64) (*enr.Record, error) {
	if rec, ok, err := n.db.Get(peer.ID()); err == nil && ok && rec.Seq() >= minSeq {
		return rec, nil
	}
	records, err := n.FindNode(ctx, peer, []uint{0})
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("discover: lookup_enr: %d records in distance-0 response from %s", len(records), peer.ID())
	}
	rec := records[0]
	node, err := enode.New(rec)
	if err != nil {
		return nil, err
	}
	if node.ID() != peer.ID() {
		return nil, fmt.Errorf("discover: lookup_enr: record id mismatch for %s", peer.ID())
	}
	if err := n.db.SetENR(node.ID(), rec); err != nil && !errors.Is(err, enrdb.ErrOldSequence) {
		glog.V(logger.Detail).Infof("discover: storing record for %s: %v", node.ID(), err)
	}
	return rec, nil
}

// Bond pings peer and folds in its latest ENR if the PONG advertises a
// newer sequence number, then records the contact in the routing table,
// probing the bucket's eviction candidate if bumping it displaced one
// (spec §4.H bond, §4.C eviction).
func (n *Network) Bond(ctx context.Context, peer *enode.Node) (*enode.Node, error) {
	pong, err := n.Ping(ctx, peer)
	if err != nil {
		return nil, err
	}

	updated := peer
	if pong.ENRSeq > updated.Seq() {
		if rec, err := n.LookupENR(ctx, peer, pong.ENRSeq); err == nil {
			if fresh, err := enode.New(rec); err == nil {
				updated = fresh
			}
		}
	}

	if evicted, has := n.table.Update(updated.ID(), updated.IP()); has {
		n.probeEviction(evicted)
	}
	n.markRoutingTableReady()
	return updated, nil
}

// probeEviction re-pings a bucket's eviction candidate in the background and
// removes it if it fails to answer; a candidate with no stored record, or
// one that does not verify, is removed at once without a ping. An answering
// candidate keeps its slot (spec §4.C: "least-recently-seen is preferred
// over newly discovered").
func (n *Network) probeEviction(id enode.ID) {
	rec, ok, err := n.db.Get(id)
	if err != nil || !ok {
		n.table.Remove(id)
		return
	}
	node, err := enode.New(rec)
	if err != nil {
		n.table.Remove(id)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := n.Ping(ctx, node); err != nil {
			n.table.Remove(id)
		}
	}()
}

// RegisterTalkHandler binds a protocol string to a handler. Registering the
// same protocol twice is a programming error and is fatal at startup (spec
// §7: "duplicate protocol registration... fatal at init only").
func (n *Network) RegisterTalkHandler(protocol string, handler TalkHandler) {
	n.talkMu.Lock()
	defer n.talkMu.Unlock()
	if _, exists := n.talkHandlers[protocol]; exists {
		glog.Fatalf("discover: talk protocol %q registered twice", protocol)
	}
	n.talkHandlers[protocol] = handler
}

func (n *Network) servePings() {
	defer n.wg.Done()
	sub := n.disp.Subscribe(typePing)
	for {
		select {
		case im := <-sub:
			if ping, ok := im.msg.(*Ping); ok {
				n.handlePing(im.from, im.addr, ping)
			}
		case <-n.closed:
			return
		}
	}
}

func (n *Network) handlePing(from enode.ID, addr *net.UDPAddr, ping *Ping) {
	pong := &Pong{
		RequestID:       ping.RequestID,
		ENRSeq:          n.local.Record().Seq(),
		ObservedIP:      addr.IP,
		ObservedUDPPort: uint16(addr.Port),
	}
	raw, err := EncodeMessage(pong)
	if err != nil {
		return
	}
	if err := n.pool.SendMessage(from, addr, raw); err != nil {
		glog.V(logger.Detail).Infof("discover: sending pong to %s: %v", from, err)
	}
	go n.bondFromPing(from, ping.ENRSeq)
}

// bondFromPing resolves the sender's current ENR and folds it into the
// routing table, completing the passive side of a bond (spec §4.J serve
// ping: "asynchronously lookup_enr the sender to add to our routing
// table"). A session could only be established in the first place if the
// sender's record was already known, so it is fetched from the local store
// rather than re-derived from the ping's source address.
func (n *Network) bondFromPing(from enode.ID, seq uint64) {
	rec, ok, err := n.db.Get(from)
	if err != nil || !ok {
		return
	}
	node, err := enode.New(rec)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if fresh, err := n.LookupENR(ctx, node, seq); err == nil {
		if updated, err := enode.New(fresh); err == nil {
			node = updated
		}
	}

	if evicted, has := n.table.Update(node.ID(), node.IP()); has {
		n.probeEviction(evicted)
	}
	n.markRoutingTableReady()
}

func (n *Network) serveFindNode() {
	defer n.wg.Done()
	sub := n.disp.Subscribe(typeFindNode)
	for {
		select {
		case im := <-sub:
			if fn, ok := im.msg.(*FindNode); ok {
				n.handleFindNode(im.from, im.addr, fn)
			}
		case <-n.closed:
			return
		}
	}
}

// handleFindNode answers with our own record for distance 0 and bucket
// contents for every other requested distance (spec §4.H find_nodes
// server side). Requests whose Distances slice is empty, contains
// duplicates, or carries a value outside [0, 256] are dropped (spec §4.J
// serve find_nodes).
func (n *Network) handleFindNode(from enode.ID, addr *net.UDPAddr, fn *FindNode) {
	if !validDistances(fn.Distances) {
		glog.V(logger.Detail).Infof("discover: dropping find_nodes from %s: invalid distances %v", from, fn.Distances)
		return
	}

	var records []*enr.Record
	for _, d := range fn.Distances {
		if d == 0 {
			records = append(records, n.local.Record())
			continue
		}
		for _, id := range n.table.GetNodesAtLogDistance(int(d)) {
			if rec, ok, err := n.db.Get(id); err == nil && ok {
				records = append(records, rec)
			}
		}
	}
	n.sendNodes(from, addr, fn.RequestID, records)
}

// validDistances checks the three constraints the spec places on an
// incoming find_nodes request's Distances slice (spec §4.J serve
// find_nodes: "non-empty, contains no duplicates, and all values ∈ [0,
// 256]").
func validDistances(distances []uint) bool {
	if len(distances) == 0 {
		return false
	}
	seen := make(map[uint]bool, len(distances))
	for _, d := range distances {
		if d > 256 || seen[d] {
			return false
		}
		seen[d] = true
	}
	return true
}

// sendNodes chunks records into maxENRsPerPacket-sized NODES pages (spec
// §4.H find_nodes: "one or more response packets").
func (n *Network) sendNodes(to enode.ID, addr *net.UDPAddr, reqID RequestID, records []*enr.Record) {
	if len(records) == 0 {
		if raw, err := EncodeMessage(&Nodes{RequestID: reqID, Total: 1}); err == nil {
			n.pool.SendMessage(to, addr, raw)
		}
		return
	}
	total := uint8((len(records) + maxENRsPerPacket - 1) / maxENRsPerPacket)
	for i := 0; i < len(records); i += maxENRsPerPacket {
		end := i + maxENRsPerPacket
		if end > len(records) {
			end = len(records)
		}
		page := &Nodes{RequestID: reqID, Total: total, Records: records[i:end]}
		raw, err := EncodeMessage(page)
		if err != nil {
			continue
		}
		if err := n.pool.SendMessage(to, addr, raw); err != nil {
			glog.V(logger.Detail).Infof("discover: sending nodes to %s: %v", to, err)
		}
	}
}

func (n *Network) serveTalk() {
	defer n.wg.Done()
	sub := n.disp.Subscribe(typeTalkRequest)
	for {
		select {
		case im := <-sub:
			if tr, ok := im.msg.(*TalkRequest); ok {
				n.handleTalk(im.from, im.addr, tr)
			}
		case <-n.closed:
			return
		}
	}
}

// handleTalk answers with an empty TALKRESP for unregistered protocols
// (spec §7 "unhandled TalkRequest").
func (n *Network) handleTalk(from enode.ID, addr *net.UDPAddr, tr *TalkRequest) {
	n.talkMu.Lock()
	handler, ok := n.talkHandlers[tr.Protocol]
	n.talkMu.Unlock()

	var payload []byte
	if ok {
		payload = handler(from, tr.Message)
	}
	raw, err := EncodeMessage(&TalkResponse{RequestID: tr.RequestID, Message: payload})
	if err != nil {
		return
	}
	if err := n.pool.SendMessage(from, addr, raw); err != nil {
		glog.V(logger.Detail).Infof("discover: sending talk response to %s: %v", from, err)
	}
}
