package discover

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	set "gopkg.in/fatih/set.v0"
	"gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/eth-classic/discv5/enode"
	"github.com/eth-classic/discv5/enrdb"
	"github.com/eth-classic/discv5/logger"
	"github.com/eth-classic/discv5/logger/glog"
)

const (
	// lookupConcurrency is the number of FINDNODE calls in flight at once
	// during a recursive lookup (spec §4.I "concurrency=3 workers").
	lookupConcurrency = 3

	// lookupRequestLimit bounds how many distances one FINDNODE call asks
	// for, adjacent to the candidate's exact log-distance from the target
	// (grounds a single call's answer in more than one bucket row).
	lookupRequestLimit = 3

	// lookupWatchdogTimeout aborts a stalled lookup outright (spec §4.I
	// "60s deadlock watchdog").
	lookupWatchdogTimeout = 60 * time.Second

	// unresponsiveTTL bounds how long a peer marked unresponsive is
	// excluded from candidate selection before it's given another chance
	// (spec §4.I "shared unresponsive cache with 300s TTL").
	unresponsiveTTL = 300 * time.Second

	// unresponsiveCacheSize bounds the shared cache's memory footprint.
	unresponsiveCacheSize = 4096

	// timeoutVariance and timeoutThreshold parameterize the adaptive
	// per-call timeout (spec §4.I: "max(min_timeout, variance ×
	// fastest_response_so_far), threshold=1, variance=2").
	timeoutVariance  = 2
	timeoutThreshold = 1

	// lookupMinTimeout is the timeout floor once enough samples exist to
	// compute an adaptive value.
	lookupMinTimeout = 50 * time.Millisecond

	// lookupInitialTimeout is used for the first timeoutThreshold calls,
	// before there's a fastest-response sample to scale from.
	lookupInitialTimeout = requestTimeout
)

// unresponsiveCache tracks peers that recently failed to answer a lookup
// call, shared across every Lookup run on a Network so that one lookup's
// findings benefit the next (spec §4.I).
type unresponsiveCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

func newUnresponsiveCache() *unresponsiveCache {
	c, err := lru.New(unresponsiveCacheSize)
	if err != nil {
		panic("discover: building unresponsive cache: " + err.Error())
	}
	return &unresponsiveCache{lru: c}
}

func (c *unresponsiveCache) mark(id enode.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(id, time.Now())
}

func (c *unresponsiveCache) isUnresponsive(id enode.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(id)
	if !ok {
		return false
	}
	if time.Since(v.(time.Time)) > unresponsiveTTL {
		c.lru.Remove(id)
		return false
	}
	return true
}

// lookupDistances picks the distances to ask dest for: logdist(target,
// dest) plus the adjacent rows on either side, so a single call can return
// results from more than one bucket.
func lookupDistances(target, dest enode.ID) []uint {
	td := enode.LogDistance(target, dest)
	dists := []uint{uint(td)}
	for i := 1; len(dists) < lookupRequestLimit; i++ {
		if td+i <= 256 {
			dists = append(dists, uint(td+i))
		}
		if td-i > 0 {
			dists = append(dists, uint(td-i))
		}
	}
	return dists
}

// workerResult is one query's outcome, handed back to the lookup's driver
// loop over a plain channel.
type workerResult struct {
	id      enode.ID
	nodes   []*enode.Node
	elapsed time.Duration
	err     error
}

// Lookup drives one recursive find_nodes run toward target (spec §4.I): a
// bounded worker pool queries the closest known candidates, folding newly
// discovered nodes back into the candidate queue until it runs dry.
type Lookup struct {
	net    *Network
	target enode.ID

	queried      *set.Set // peers already queried this lookup
	inFlight     *set.Set // peers with a call currently outstanding
	received     *set.Set // peers already seen as a FINDNODE result or seed
	unresponsive *set.Set // peers that TooSlow'd or errored this lookup
	queuedIDs    *set.Set // peers already pushed into candidates

	candidates *prque.Prque // priority = -logdist(target, id): closest first

	resultCh chan *enode.Node
	ctx      context.Context
	cancel   context.CancelFunc

	fastestMu sync.Mutex
	fastest   time.Duration
	samples   int
}

func newLookup(ctx context.Context, net *Network, target enode.ID) *Lookup {
	ctx, cancel := context.WithCancel(ctx)
	return &Lookup{
		net:          net,
		target:       target,
		queried:      set.New(),
		inFlight:     set.New(),
		received:     set.New(),
		unresponsive: set.New(),
		queuedIDs:    set.New(),
		candidates:   prque.New(),
		resultCh:     make(chan *enode.Node, bucketSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RecursiveFindNodes runs a recursive find_nodes lookup toward target,
// lazily streaming newly discovered nodes as they're confirmed (spec
// §4.I). The channel closes when the lookup converges, the 60s watchdog
// fires, or ctx is cancelled; cancelling ctx stops the lookup early.
func (n *Network) RecursiveFindNodes(ctx context.Context, target enode.ID) <-chan *enode.Node {
	l := newLookup(ctx, n, target)
	go l.run()
	return l.resultCh
}

// seed primes the candidate queue with the closest nodes already in the
// routing table (spec §4.I "candidates = closest bucket_size peers from
// received ∪ routing_table").
func (l *Lookup) seed() {
	self := l.net.Self().ID()
	count := 0
	for _, id := range l.net.Table().IterClosest(l.target) {
		if id == self {
			continue
		}
		l.received.Add(id)
		l.pushCandidate(id)
		count++
		if count >= bucketSize {
			break
		}
	}
}

func (l *Lookup) pushCandidate(id enode.ID) {
	if l.queuedIDs.Has(id) || l.queried.Has(id) || l.unresponsive.Has(id) {
		return
	}
	if l.net.unresponsive.isUnresponsive(id) {
		return
	}
	l.queuedIDs.Add(id)
	d := enode.LogDistance(l.target, id)
	l.candidates.Push(id, -float32(d))
}

func (l *Lookup) nextCandidate() (enode.ID, bool) {
	for !l.candidates.Empty() {
		v, _ := l.candidates.Pop()
		id := v.(enode.ID)
		if l.queried.Has(id) || l.inFlight.Has(id) || l.unresponsive.Has(id) {
			continue
		}
		if l.net.unresponsive.isUnresponsive(id) {
			continue
		}
		return id, true
	}
	return enode.ID{}, false
}

func (l *Lookup) markUnresponsive(id enode.ID) {
	l.unresponsive.Add(id)
	l.net.unresponsive.mark(id)
}

// adaptiveTimeout implements spec §4.I's per-call timeout formula.
func (l *Lookup) adaptiveTimeout() time.Duration {
	l.fastestMu.Lock()
	defer l.fastestMu.Unlock()
	if l.samples < timeoutThreshold {
		return lookupInitialTimeout
	}
	t := timeoutVariance * l.fastest
	if t < lookupMinTimeout {
		return lookupMinTimeout
	}
	return t
}

func (l *Lookup) recordLatency(d time.Duration) {
	l.fastestMu.Lock()
	defer l.fastestMu.Unlock()
	l.samples++
	if l.fastest == 0 || d < l.fastest {
		l.fastest = d
	}
}

// run is the lookup's driver loop: keep lookupConcurrency calls in flight,
// fold each answer's new nodes into the candidate queue, and stream
// confirmed nodes out until candidates run dry (spec §4.I).
func (l *Lookup) run() {
	defer close(l.resultCh)
	defer l.cancel()

	l.seed()

	watchdog := time.NewTimer(lookupWatchdogTimeout)
	defer watchdog.Stop()

	results := make(chan workerResult)
	active := 0

	for {
		for active < lookupConcurrency {
			id, ok := l.nextCandidate()
			if !ok {
				break
			}
			l.inFlight.Add(id)
			active++
			go l.query(id, results)
		}

		if active == 0 {
			return
		}

		select {
		case res := <-results:
			active--
			l.inFlight.Remove(res.id)
			l.queried.Add(res.id)

			if res.err != nil {
				glog.V(logger.Detail).Infof("discover: lookup %s: %s unresponsive: %v", l.target, res.id, res.err)
				l.markUnresponsive(res.id)
				continue
			}
			l.recordLatency(res.elapsed)

			for _, node := range res.nodes {
				if node.ID() == l.net.Self().ID() || l.received.Has(node.ID()) {
					continue
				}
				l.received.Add(node.ID())
				// A node only learned through a FINDNODE answer has no stored
				// record yet; query requires one (see query below), so store it
				// before the node can be queued as a candidate (spec §4.I step 7).
				if err := l.net.DB().SetENR(node.ID(), node.Record()); err != nil && !errors.Is(err, enrdb.ErrOldSequence) {
					glog.V(logger.Detail).Infof("discover: lookup %s: storing record for %s: %v", l.target, node.ID(), err)
				}
				l.pushCandidate(node.ID())
				select {
				case l.resultCh <- node:
				case <-l.ctx.Done():
					return
				}
			}
		case <-watchdog.C:
			glog.V(logger.Warn).Infof("discover: lookup for %s hit the deadlock watchdog, aborting", l.target)
			return
		case <-l.ctx.Done():
			return
		}
		watchdog.Reset(lookupWatchdogTimeout)
	}
}

func (l *Lookup) query(id enode.ID, out chan<- workerResult) {
	rec, ok, err := l.net.DB().Get(id)
	if err != nil || !ok {
		out <- workerResult{id: id, err: errors.New("discover: no stored record for candidate")}
		return
	}
	node, err := enode.New(rec)
	if err != nil {
		out <- workerResult{id: id, err: err}
		return
	}

	ctx, cancel := context.WithTimeout(l.ctx, l.adaptiveTimeout())
	defer cancel()

	start := time.Now()
	records, err := l.net.FindNode(ctx, node, lookupDistances(l.target, id))
	elapsed := time.Since(start)
	if err != nil {
		out <- workerResult{id: id, err: err}
		return
	}

	nodes := make([]*enode.Node, 0, len(records))
	for _, r := range records {
		if n, err := enode.New(r); err == nil {
			nodes = append(nodes, n)
		}
	}
	out <- workerResult{id: id, nodes: nodes, elapsed: elapsed}
}
