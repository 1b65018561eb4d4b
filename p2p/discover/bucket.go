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

package discover

import (
	"net"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/p2p/distip"
)

// entry is a single routing-table occupant: its NodeID plus the endpoint IP
// used for the table-wide and per-bucket IP-diversity limits.
type entry struct {
	id enode.ID
	ip net.IP
}

// bucket holds NodeIDs ordered by time of last activity: the entry that was
// most recently witnessed is the last element, the least-recently witnessed
// is the first (spec §3: "least-recently witnessed first, most-recently
// witnessed last").
type bucket struct {
	entries      []entry
	replacements []entry
	ips          distip.DistinctNetSet
}

func newBucket() *bucket {
	return &bucket{ips: distip.DistinctNetSet{Subnet: bucketSubnet, Limit: bucketIPLimit}}
}

func (b *bucket) indexOf(id enode.ID) int {
	for i := range b.entries {
		if b.entries[i].id == id {
			return i
		}
	}
	return -1
}

func (b *bucket) replacementIndexOf(id enode.ID) int {
	for i := range b.replacements {
		if b.replacements[i].id == id {
			return i
		}
	}
	return -1
}

// bump moves id to the tail (most-recently witnessed) if present, reporting
// whether it was found.
func (b *bucket) bump(id enode.ID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append(b.entries, e)
	return true
}

// hasRoom reports whether the bucket has room for one more live entry.
func (b *bucket) hasRoom() bool { return len(b.entries) < bucketSize }

// pushReplacement inserts e at the head of the replacement cache (most
// recently seen replacement first), dropping the oldest if the cache is
// already full.
func (b *bucket) pushReplacement(e entry) {
	if i := b.replacementIndexOf(e.id); i >= 0 {
		b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
	}
	b.replacements = append([]entry{e}, b.replacements...)
	if len(b.replacements) > maxReplacements {
		dropped := b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
		removeIP(&b.ips, dropped.ip)
	}
}

// popReplacement removes and returns the head (most recently seen) of the
// replacement cache, or ok=false if it is empty.
func (b *bucket) popReplacement() (e entry, ok bool) {
	if len(b.replacements) == 0 {
		return entry{}, false
	}
	e = b.replacements[0]
	b.replacements = b.replacements[1:]
	return e, true
}

func addIP(set *distip.DistinctNetSet, ip net.IP) bool {
	if ip == nil || distip.IsLAN(ip) {
		return true
	}
	return set.Add(ip)
}

func removeIP(set *distip.DistinctNetSet, ip net.IP) {
	if ip == nil || distip.IsLAN(ip) {
		return
	}
	set.Remove(ip)
}
