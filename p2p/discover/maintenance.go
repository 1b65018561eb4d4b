package discover

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enr"
	"github.com/eth-classic/discv5/enrdb"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

const (
	// bootstrapWindow is how long one bootstrap round waits for its
	// parallel bond attempts before giving up and retrying (spec §4.J
	// bootstrap: "parallel bond attempts within a 20s window").
	bootstrapWindow = 20 * time.Second

	// bootstrapRetryInterval separates bootstrap rounds when none of the
	// configured bootnodes answered.
	bootstrapRetryInterval = 5 * time.Second

	// refreshTokenInterval/refreshTokenBurst parameterize the bucket
	// refresh rate limiter (spec §4.J: "token bucket 1/30s burst 10").
	refreshTokenInterval   = 30 * time.Second
	refreshTokenBurst      = 10
	refreshCandidateBucketCount = 16 // of the 16 largest non-full buckets

	// keepaliveInterval is how often the oldest contact in every bucket is
	// re-pinged (spec §4.J keepalive).
	keepaliveInterval = 15 * time.Second
)

// tokenBucket is a minimal token bucket: no rate-limiter library appeared
// in any example repo's go.mod, so this is hand-rolled per spec §4.J's
// exact "1/30s burst 10" parameters.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64 // tokens per second
	last   time.Time
}

func newTokenBucket(interval time.Duration, burst int) *tokenBucket {
	return &tokenBucket{
		tokens: float64(burst),
		max:    float64(burst),
		rate:   1 / interval.Seconds(),
		last:   time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	tb.last = now
	if tb.tokens > tb.max {
		tb.tokens = tb.max
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Bootstrap repeatedly bonds with every configured bootnode in parallel,
// within a bounded window per round, until routing_table_ready (spec §4.J
// bootstrap: "repeat until at least one succeeds (routing_table_ready)").
// Every bond Bootstrap performs closes Network.RoutingTableReady on success,
// so the loop's termination condition and that channel are the same event.
func (n *Network) Bootstrap(ctx context.Context, bootnodes []*enr.Record) error {
	for {
		select {
		case <-n.RoutingTableReady():
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		roundCtx, cancel := context.WithTimeout(ctx, bootstrapWindow)
		ok := n.bootstrapRound(roundCtx, bootnodes)
		cancel()
		if ok {
			return nil
		}
		glog.V(logger.Warn).Infof("discover: bootstrap round reached no bootnode, retrying")
		select {
		case <-time.After(bootstrapRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Network) bootstrapRound(ctx context.Context, bootnodes []*enr.Record) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := false

	for _, rec := range bootnodes {
		node, err := enode.New(rec)
		if err != nil {
			glog.V(logger.Error).Errorf("discover: invalid bootnode record: %v", err)
			continue
		}
		if err := n.db.SetENR(node.ID(), rec); err != nil && !errors.Is(err, enrdb.ErrOldSequence) {
			glog.V(logger.Detail).Infof("discover: storing bootnode record for %s: %v", node.ID(), err)
		}

		wg.Add(1)
		go func(node *enode.Node) {
			defer wg.Done()
			if _, err := n.Bond(ctx, node); err != nil {
				glog.V(logger.Detail).Infof("discover: bonding with bootnode %s: %v", node.ID(), err)
				return
			}
			mu.Lock()
			succeeded = true
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return succeeded
}

// BucketRefresh runs until ctx is cancelled: at most once per token, it
// picks one of the largest non-full buckets (weighted toward the largest
// distances) and runs a recursive find_nodes toward a random id at that
// distance, bonding with whatever it turns up (spec §4.J bucket refresh).
func (n *Network) BucketRefresh(ctx context.Context) {
	limiter := newTokenBucket(refreshTokenInterval, refreshTokenBurst)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !limiter.allow() {
				continue
			}
			n.refreshOnce(ctx)
		}
	}
}

func (n *Network) refreshOnce(ctx context.Context) {
	d, ok := n.pickRefreshDistance()
	if !ok {
		return
	}
	target := randomIDAtDistance(n.Self().ID(), d)
	for node := range n.RecursiveFindNodes(ctx, target) {
		if _, err := n.Bond(ctx, node); err != nil {
			glog.V(logger.Detail).Infof("discover: bonding during refresh with %s: %v", node.ID(), err)
		}
	}
}

// pickRefreshDistance weighted-randomly selects one of the 16 largest
// non-full bucket distances, weight proportional to the distance itself
// so the (far more populous) largest buckets are refreshed more often
// (spec §4.J).
func (n *Network) pickRefreshDistance() (int, bool) {
	type candidate struct {
		distance int
		weight   int
	}
	var candidates []candidate
	for d := numBuckets; d > numBuckets-refreshCandidateBucketCount && d >= 1; d-- {
		if len(n.table.GetNodesAtLogDistance(d)) < bucketSize {
			candidates = append(candidates, candidate{distance: d, weight: d})
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	total := 0
	for _, c := range candidates {
		total += c.weight
	}
	var raw [8]byte
	rand.Read(raw[:])
	r := int(binary.BigEndian.Uint64(raw[:]) % uint64(total))
	for _, c := range candidates {
		if r < c.weight {
			return c.distance, true
		}
		r -= c.weight
	}
	return candidates[len(candidates)-1].distance, true
}

// randomIDAtDistance constructs an id x with enode.LogDistance(self, x) ==
// d exactly, by fixing every byte more significant than the differing one
// to match self, forcing the differing byte's top relevant bit, and
// randomizing everything below it. Inverse of enode.LogDistance's bit
// accounting.
func randomIDAtDistance(self enode.ID, d int) enode.ID {
	if d <= 0 || d > 256 {
		return self
	}
	m := (d - 1) / 8
	bitLen := d - m*8 // in [1,8]
	byteIdx := 31 - m

	var out enode.ID
	copy(out[:byteIdx], self[:byteIdx])

	x := byte(1) << uint(bitLen-1)
	if bitLen > 1 {
		var rb [1]byte
		rand.Read(rb[:])
		mask := byte(1<<uint(bitLen-1)) - 1
		x |= rb[0] & mask
	}
	out[byteIdx] = self[byteIdx] ^ x
	if byteIdx+1 < len(out) {
		rand.Read(out[byteIdx+1:])
	}
	return out
}

// Keepalive periodically re-pings the oldest-contacted entry in every
// occupied bucket (bucket entries are already ordered oldest-to-newest,
// spec §3), removing it on failure and letting Bond's table.Update bump it
// to the tail on success (spec §4.J keepalive).
func (n *Network) Keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.keepaliveRound(ctx)
		}
	}
}

func (n *Network) keepaliveRound(ctx context.Context) {
	for d := 1; d <= numBuckets; d++ {
		ids := n.table.GetNodesAtLogDistance(d)
		if len(ids) == 0 {
			continue
		}
		oldest := ids[0]
		rec, ok, err := n.db.Get(oldest)
		if err != nil || !ok {
			n.table.Remove(oldest)
			continue
		}
		node, err := enode.New(rec)
		if err != nil {
			n.table.Remove(oldest)
			continue
		}
		if _, err := n.Bond(ctx, node); err != nil {
			glog.V(logger.Detail).Infof("discover: keepalive ping to %s failed, removing: %v", oldest, err)
			n.table.Remove(oldest)
		}
	}
}
