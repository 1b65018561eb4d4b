package discover

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchMatchesPendingRequest(t *testing.T) {
	d := NewDispatcher()
	peer := randomID(t)

	id, ch := d.RegisterRequest(peer)
	defer d.CancelRequest(peer, id)

	pong := &Pong{RequestID: id, ENRSeq: 7}
	d.Dispatch(peer, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, pong)

	select {
	case im := <-ch:
		got, ok := im.msg.(*Pong)
		require.True(t, ok)
		require.Equal(t, uint64(7), got.ENRSeq)
	case <-time.After(time.Second):
		t.Fatal("matching response never arrived")
	}
}

func TestDispatchDropsUnmatchedResponse(t *testing.T) {
	d := NewDispatcher()
	peer := randomID(t)

	// No RegisterRequest call, so there is nothing pending for this peer.
	pong := &Pong{RequestID: RequestID{1}}
	d.Dispatch(peer, &net.UDPAddr{}, pong)

	require.EqualValues(t, 0, d.responsesMatched.Count())
	require.EqualValues(t, 1, d.responsesDropped.Count())
}

func TestDispatchKeepsNodesRequestPendingAcrossPages(t *testing.T) {
	d := NewDispatcher()
	peer := randomID(t)
	id, ch := d.RegisterRequest(peer)

	page1 := &Nodes{RequestID: id, Total: 2}
	page2 := &Nodes{RequestID: id, Total: 2}
	d.Dispatch(peer, &net.UDPAddr{}, page1)
	d.Dispatch(peer, &net.UDPAddr{}, page2)

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("page %d never arrived", i+1)
		}
	}
	d.CancelRequest(peer, id)

	// A further page after cancellation has nothing to match against.
	d.Dispatch(peer, &net.UDPAddr{}, &Nodes{RequestID: id, Total: 2})
	require.EqualValues(t, 1, d.responsesDropped.Count())
}

func TestDispatchOneShotResponseClearsPendingEntry(t *testing.T) {
	d := NewDispatcher()
	peer := randomID(t)
	id, ch := d.RegisterRequest(peer)

	d.Dispatch(peer, &net.UDPAddr{}, &Pong{RequestID: id})
	<-ch

	// The entry was deleted on first match, so a duplicate PONG is dropped.
	d.Dispatch(peer, &net.UDPAddr{}, &Pong{RequestID: id})
	require.EqualValues(t, 1, d.responsesDropped.Count())
}

func TestSubscribeBroadcastsRequests(t *testing.T) {
	d := NewDispatcher()
	sub := d.Subscribe(typePing)
	from := randomID(t)

	d.Dispatch(from, &net.UDPAddr{}, &Ping{RequestID: RequestID{9}})

	select {
	case im := <-sub:
		require.Equal(t, from, im.from)
		_, ok := im.msg.(*Ping)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the ping")
	}
}

func TestSubscribeDoesNotSeeOtherTypes(t *testing.T) {
	d := NewDispatcher()
	sub := d.Subscribe(typeFindNode)
	from := randomID(t)

	d.Dispatch(from, &net.UDPAddr{}, &Ping{RequestID: RequestID{1}})

	select {
	case <-sub:
		t.Fatal("subscriber of FindNode received a Ping")
	case <-time.After(50 * time.Millisecond):
	}
}
