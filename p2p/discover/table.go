// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package discover implements the Node Discovery v5 protocol: a Kademlia
// routing table, the packet/session layer, and the network loops that keep
// both alive.
package discover

import (
	"crypto/rand"
	"net"
	"sync"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/p2p/distip"
)

const (
	bucketSize      = 16  // Kademlia bucket size (spec §3: "typically 16")
	numBuckets      = 256 // one bucket per possible log-distance (spec §4.C)
	maxReplacements = bucketSize

	// IP diversity limits, same role as in the v4 table this one is adapted
	// from: cap how many entries from one /24 may occupy a bucket/table.
	bucketIPLimit, bucketSubnet = 2, 24
	tableIPLimit, tableSubnet   = 10, 24
)

// Table is the local node's view of the network: 256 buckets indexed by log
// distance from the local id (spec §3 RoutingTable, §4.C). The table itself
// never performs network I/O — callers (the Network component) probe
// eviction candidates and call Update/Remove based on the result, per the
// "network is the sole mutator" rule.
type Table struct {
	mu      sync.Mutex
	self    enode.ID
	buckets [numBuckets]*bucket
	ips     distip.DistinctNetSet
}

// NewTable creates an empty routing table for the given local node id.
func NewTable(self enode.ID) *Table {
	t := &Table{
		self: self,
		ips:  distip.DistinctNetSet{Subnet: tableSubnet, Limit: tableIPLimit},
	}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) BucketSize() int { return bucketSize }
func (t *Table) NumBuckets() int { return numBuckets }

// bucketIndex returns the bucket slot (0-based) for the given log distance
// from self, or -1 for id == self (never stored).
func (t *Table) bucketIndex(id enode.ID) int {
	d := enode.LogDistance(t.self, id)
	if d == 0 {
		return -1
	}
	return d - 1
}

// Update records a successful contact with id (spec §4.C): moves it to the
// tail of its bucket if present, appends it if the bucket has room,
// otherwise pushes it into the replacement cache and returns the head
// (oldest) entry of the bucket as an eviction candidate for the caller to
// probe. A new id whose ip would exceed the per-bucket or table-wide /24
// limit is not stored, and no eviction candidate is returned.
func (t *Table) Update(id enode.ID, ip net.IP) (evicted enode.ID, hasEvicted bool) {
	if id == t.self {
		return enode.ID{}, false
	}
	idx := t.bucketIndex(id)
	if idx < 0 {
		return enode.ID{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]

	if b.bump(id) {
		return enode.ID{}, false
	}
	if b.hasRoom() {
		if !addIP(&t.ips, ip) {
			return enode.ID{}, false
		}
		if !addIP(&b.ips, ip) {
			removeIP(&t.ips, ip)
			return enode.ID{}, false
		}
		b.entries = append(b.entries, entry{id: id, ip: ip})
		return enode.ID{}, false
	}
	b.pushReplacement(entry{id: id, ip: ip})
	return b.entries[0].id, true
}

// Remove drops id from its bucket (spec §4.C), promoting the head of the
// replacement cache into the vacated tail slot if one exists.
func (t *Table) Remove(id enode.ID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	removed := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	removeIP(&t.ips, removed.ip)
	removeIP(&b.ips, removed.ip)

	if rep, ok := b.popReplacement(); ok {
		b.entries = append(b.entries, rep)
	}
}

// GetNodesAtLogDistance returns the bucket at log distance d, head (oldest)
// to tail (newest) — spec §4.C. d is in [1, 256].
func (t *Table) GetNodesAtLogDistance(d int) []enode.ID {
	if d < 1 || d > numBuckets {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[d-1]
	out := make([]enode.ID, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.id
	}
	return out
}

// IterClosest returns every known id ordered by ascending XOR distance to
// target, ties broken by the raw XOR value (spec §4.C).
func (t *Table) IterClosest(target enode.ID) []enode.ID {
	t.mu.Lock()
	all := make([]entry, 0, t.lenLocked())
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.Unlock()

	dist := func(id enode.ID) [32]byte {
		var out [32]byte
		for i := range id {
			out[i] = id[i] ^ target[i]
		}
		return out
	}
	sortByDistance(all, dist)

	out := make([]enode.ID, len(all))
	for i, e := range all {
		out[i] = e.id
	}
	return out
}

func sortByDistance(entries []entry, dist func(enode.ID) [32]byte) {
	// insertion sort: table occupancy is small (<= bucketSize*numBuckets)
	// and this keeps the comparator simple and allocation-free.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 {
			a, b := dist(entries[j].id), dist(entries[j-1].id)
			less := false
			for k := range a {
				if a[k] != b[k] {
					less = a[k] < b[k]
					break
				}
			}
			if !less {
				break
			}
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}

// IterAllRandom returns every known id in a randomized order, for aging
// probes (spec §4.C).
func (t *Table) IterAllRandom() []enode.ID {
	t.mu.Lock()
	all := make([]enode.ID, 0, t.lenLocked())
	for _, b := range t.buckets {
		for _, e := range b.entries {
			all = append(all, e.id)
		}
	}
	t.mu.Unlock()

	for i := len(all) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		all[i], all[j] = all[j], all[i]
	}
	return all
}

func (t *Table) lenLocked() (n int) {
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// Len returns the total number of entries currently held across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

func randIntn(max int) int {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	rand.Read(b[:])
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return int(v % uint64(max))
}
