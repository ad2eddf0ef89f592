package memtext

import (
	"sync"
	"time"

	"github.com/kvcache/memtext/dlog"
)

// availEntry is an idle connection sitting in a host's available set.
type availEntry struct {
	conn         *connection
	lastActivity time.Time
}

// busyEntry is a connection currently checked out by a caller.
type busyEntry struct {
	conn      *connection
	checkedAt time.Time
}

// PoolStats is a point-in-time snapshot of one host's pool state, exposed
// for operational visibility.
type PoolStats struct {
	Host        string
	Available   int
	Busy        int
	CreateShift int
	DeadUntil   time.Time // zero if no connect failure is recorded; in the past once the backoff window has elapsed
}

// Pool maintains, per configured host, a set of available and busy
// connections, dead-host backoff state, and a background maintenance
// worker that keeps pool size within [MinConn, MaxConn] and reclaims
// checkouts held past MaxBusyTime. Pools are looked up by name via
// GetPool and shared by every Client built against that name.
type Pool struct {
	name string

	mu          sync.Mutex
	cfg         Config
	buckets     []string
	availByHost map[string][]availEntry
	busyByHost  map[string][]busyEntry
	deadSince   map[string]time.Time
	deadDur     map[string]time.Duration
	createShift map[string]int
	initialized bool

	maintStop chan struct{}
	maintDone chan struct{}

	nowFunc func() time.Time
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Pool{}
)

// GetPool returns the pool registered under name, creating an
// uninitialized one if none exists yet. The registry is process-wide
// shared state; callers sharing a name share a pool.
func GetPool(name string) *Pool {
	registryMu.Lock()
	defer registryMu.Unlock()

	if p, ok := registry[name]; ok {
		return p
	}
	p := &Pool{name: name}
	registry[name] = p
	return p
}

func (p *Pool) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}
	return time.Now()
}

// buildBuckets expands the weighted server list into the flat bucket
// vector used for modulo hashing: server S appears W_S times contiguously.
func buildBuckets(servers []ServerConfig) []string {
	buckets := make([]string, 0, len(servers))
	for _, s := range servers {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			buckets = append(buckets, s.Addr)
		}
	}
	return buckets
}

// Initialize must be called once before any checkout. It builds the
// bucket vector, eagerly opens InitConn connections per host (tolerating
// per-connection failures), and starts the maintenance worker if
// MaintSleep > 0. Calling Initialize on an already-initialized pool logs
// and returns nil.
func (p *Pool) Initialize(cfg Config) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		dlog.Info("pool already initialized, skipping", dlog.F("pool", p.name))
		return nil
	}

	if len(cfg.Servers) == 0 {
		p.mu.Unlock()
		return newErr(KindConfig, "", "Initialize requires at least one server")
	}

	p.cfg = cfg
	p.buckets = buildBuckets(cfg.Servers)
	p.availByHost = make(map[string][]availEntry)
	p.busyByHost = make(map[string][]busyEntry)
	p.deadSince = make(map[string]time.Time)
	p.deadDur = make(map[string]time.Duration)
	p.createShift = make(map[string]int)

	hosts := uniqueHosts(p.buckets)
	for _, h := range hosts {
		p.availByHost[h] = nil
		p.busyByHost[h] = nil
	}
	p.initialized = true
	p.mu.Unlock()

	for _, h := range hosts {
		for i := 0; i < cfg.InitConn; i++ {
			conn, err := p.createConnection(h)
			if err != nil {
				dlog.Info("eager connect failed", dlog.F("host", h), dlog.F("err", err))
				continue
			}
			p.mu.Lock()
			p.availByHost[h] = append(p.availByHost[h], availEntry{conn: conn, lastActivity: p.now()})
			p.mu.Unlock()
		}
	}

	if cfg.MaintSleep > 0 {
		p.maintStop = make(chan struct{})
		p.maintDone = make(chan struct{})
		go p.maintenanceLoop(cfg.MaintSleep)
	} else {
		p.maintStop = nil
		p.maintDone = nil
	}

	return nil
}

func uniqueHosts(buckets []string) []string {
	seen := make(map[string]bool, len(buckets))
	out := make([]string, 0, len(buckets))
	for _, h := range buckets {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// IsInitialized reports whether Initialize has succeeded and Shutdown has
// not yet been called.
func (p *Pool) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// createConnection dials host, subject to dead-host backoff. On success
// it clears any backoff state for host; on failure it sets/doubles it and
// drops the host's available sockets, since a host that just refused a
// connection is unlikely to serve the existing ones either.
func (p *Pool) createConnection(host string) (*connection, error) {
	p.mu.Lock()
	if p.cfg.Failover {
		if since, ok := p.deadSince[host]; ok {
			if p.now().Before(since.Add(p.deadDur[host])) {
				p.mu.Unlock()
				return nil, newErr(KindDeadHost, host, "host is in backoff window")
			}
		}
	}
	connTimeout := p.cfg.ConnTimeout
	readTimeout := p.cfg.ReadTimeout
	nagle := p.cfg.Nagle
	p.mu.Unlock()

	conn, err := dialConnection(host, connTimeout, readTimeout, nagle)
	if err != nil {
		p.mu.Lock()
		prev, ok := p.deadDur[host]
		if !ok {
			prev = initialDeadDuration / 2
		}
		p.deadDur[host] = prev * 2
		p.deadSince[host] = p.now()
		victims := p.availByHost[host]
		p.availByHost[host] = nil
		p.mu.Unlock()

		for _, v := range victims {
			_ = v.conn.trueClose()
		}
		return nil, wrapErr(KindIO, host, err, "connect failed")
	}

	p.mu.Lock()
	delete(p.deadSince, host)
	delete(p.deadDur, host)
	p.mu.Unlock()

	return conn, nil
}

// getConnection returns a checked-out connection to host, reusing an idle
// one if available or creating a batch of new ones per the createShift
// admission-control schedule otherwise.
func (p *Pool) getConnection(host string) (*connection, error) {
	p.mu.Lock()
	avail := p.availByHost[host]
	var chosen *connection
	i := 0
	for i < len(avail) {
		if avail[i].conn.isConnected() {
			chosen = avail[i].conn
			avail = append(avail[:i], avail[i+1:]...)
			break
		}
		// Drop the dead entry and keep scanning.
		stale := avail[i].conn
		avail = append(avail[:i], avail[i+1:]...)
		go stale.trueClose()
	}
	p.availByHost[host] = avail
	if chosen != nil {
		p.busyByHost[host] = append(p.busyByHost[host], busyEntry{conn: chosen, checkedAt: p.now()})
		p.mu.Unlock()
		return chosen, nil
	}

	maxCreate := p.cfg.maxCreate()
	shift := p.createShift[host]
	create := 1 << shift
	if create > maxCreate {
		create = maxCreate
	}
	if create < maxCreate {
		p.createShift[host] = shift + 1
	}
	p.mu.Unlock()

	created := make([]*connection, 0, create)
	for i := 0; i < create; i++ {
		conn, err := p.createConnection(host)
		if err != nil {
			break
		}
		created = append(created, conn)
	}

	if len(created) == 0 {
		return nil, newErr(KindIO, host, "unable to create any connection")
	}

	last := created[len(created)-1]
	rest := created[:len(created)-1]

	p.mu.Lock()
	now := p.now()
	for _, c := range rest {
		p.availByHost[host] = append(p.availByHost[host], availEntry{conn: c, lastActivity: now})
	}
	p.busyByHost[host] = append(p.busyByHost[host], busyEntry{conn: last, checkedAt: now})
	p.mu.Unlock()

	return last, nil
}

// checkIn returns conn to host's available set, unless addToAvail is
// false or the connection is no longer live, in which case it is simply
// dropped from busy (the caller must already have trueClose'd it).
func (p *Pool) checkIn(host string, conn *connection, addToAvail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := p.busyByHost[host]
	for i, b := range busy {
		if b.conn == conn {
			busy = append(busy[:i], busy[i+1:]...)
			break
		}
	}
	p.busyByHost[host] = busy

	if addToAvail && conn.isConnected() {
		p.availByHost[host] = append(p.availByHost[host], availEntry{conn: conn, lastActivity: p.now()})
	}
}

// getSockForKey resolves key to a bucket and checks out a connection to
// that bucket's host, rehashing and retrying on other buckets up to
// len(buckets) times when Failover is enabled and the first choice is
// unreachable.
func (p *Pool) getSockForKey(key string, optionalHashCode *int32) (*connection, string, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, "", newErr(KindConfig, "", "pool is not initialized")
	}
	buckets := p.buckets
	failover := p.cfg.Failover
	alg := p.cfg.HashAlg
	p.mu.Unlock()

	n := len(buckets)
	if n == 0 {
		return nil, "", newErr(KindConfig, "", "pool has no configured servers")
	}
	if n == 1 {
		conn, err := p.getConnection(buckets[0])
		return conn, buckets[0], err
	}

	var hv int32
	if optionalHashCode != nil {
		hv = *optionalHashCode
	} else {
		hv = hashKey(alg, key)
	}

	idx := bucketIndex(hv, n)
	conn, err := p.getConnection(buckets[idx])
	if err == nil {
		return conn, buckets[idx], nil
	}
	if !failover {
		return nil, buckets[idx], err
	}

	for t := 1; t <= n; t++ {
		hv += hashKey(alg, failoverKey(t, key))
		idx = bucketIndex(hv, n)
		conn, err = p.getConnection(buckets[idx])
		if err == nil {
			return conn, buckets[idx], nil
		}
	}
	return nil, "", wrapErr(KindIO, "", err, "exhausted failover retries")
}

// resolveHost computes the single first-choice host key hashes to,
// without performing any failover rehash or checkout. GetMulti uses this
// to group keys by host before issuing one batched get per host.
func (p *Pool) resolveHost(key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return "", newErr(KindConfig, "", "pool is not initialized")
	}
	n := len(p.buckets)
	if n == 0 {
		return "", newErr(KindConfig, "", "pool has no configured servers")
	}
	if n == 1 {
		return p.buckets[0], nil
	}
	idx := bucketIndex(hashKey(p.cfg.HashAlg, key), n)
	return p.buckets[idx], nil
}

// allHosts returns the pool's configured hosts in bucket order, de-duplicated.
func (p *Pool) allHosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uniqueHosts(p.buckets)
}

// Stats returns a point-in-time snapshot of host's pool state.
func (p *Pool) Stats(host string) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Host:        host,
		Available:   len(p.availByHost[host]),
		Busy:        len(p.busyByHost[host]),
		CreateShift: p.createShift[host],
	}
	if since, ok := p.deadSince[host]; ok {
		stats.DeadUntil = since.Add(p.deadDur[host])
	}
	return stats
}

func (p *Pool) maintenanceLoop(sleep time.Duration) {
	defer close(p.maintDone)
	ticker := time.NewTicker(sleep)
	defer ticker.Stop()

	for {
		select {
		case <-p.maintStop:
			return
		case <-ticker.C:
			p.selfMaint()
		}
	}
}

// selfMaint enforces [MinConn, MaxConn] availability per host and
// reclaims checkouts held past MaxBusyTime. Victim connections are
// snapshotted under the pool lock, then closed outside it so maintenance
// never holds the lock across blocking socket I/O.
func (p *Pool) selfMaint() {
	p.mu.Lock()
	hosts := make([]string, 0, len(p.availByHost))
	for h := range p.availByHost {
		hosts = append(hosts, h)
	}
	cfg := p.cfg
	p.mu.Unlock()

	for _, h := range hosts {
		p.refillHost(h, cfg)
		p.trimIdleHost(h, cfg)

		p.mu.Lock()
		p.createShift[h] = 0
		p.mu.Unlock()
	}

	p.reclaimHungCheckouts(cfg)
}

func (p *Pool) refillHost(host string, cfg Config) {
	p.mu.Lock()
	deficit := cfg.MinConn - len(p.availByHost[host])
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		conn, err := p.createConnection(host)
		if err != nil {
			dlog.Info("maintenance refill stopped", dlog.F("host", host), dlog.F("err", err))
			return
		}
		p.mu.Lock()
		p.availByHost[host] = append(p.availByHost[host], availEntry{conn: conn, lastActivity: p.now()})
		p.mu.Unlock()
	}
}

func (p *Pool) trimIdleHost(host string, cfg Config) {
	p.mu.Lock()
	avail := p.availByHost[host]
	diff := len(avail) - cfg.MaxConn
	if diff <= 0 {
		p.mu.Unlock()
		return
	}
	needToClose := diff
	if diff > defaultPoolMultiplier {
		needToClose = diff / defaultPoolMultiplier
	}

	now := p.now()
	kept := avail[:0:0]
	var victims []*connection
	for _, e := range avail {
		if needToClose > 0 && e.lastActivity.Add(cfg.MaxIdleTime).Before(now) {
			victims = append(victims, e.conn)
			needToClose--
			continue
		}
		kept = append(kept, e)
	}
	p.availByHost[host] = kept
	p.mu.Unlock()

	for _, v := range victims {
		_ = v.trueClose()
	}
}

func (p *Pool) reclaimHungCheckouts(cfg Config) {
	p.mu.Lock()
	now := p.now()
	type victim struct {
		host string
		conn *connection
	}
	var victims []victim
	for host, busy := range p.busyByHost {
		kept := busy[:0:0]
		for _, b := range busy {
			if b.checkedAt.Add(cfg.MaxBusyTime).Before(now) {
				victims = append(victims, victim{host: host, conn: b.conn})
				continue
			}
			kept = append(kept, b)
		}
		p.busyByHost[host] = kept
	}
	p.mu.Unlock()

	for _, v := range victims {
		dlog.Info("reclaiming checkout held past MaxBusyTime", dlog.F("host", v.host))
		_ = v.conn.trueClose()
	}
}

// Shutdown stops the maintenance worker and closes every connection the
// pool owns. A subsequent Initialize call starts a fresh pool with only
// the new Config carried over.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	if p.maintStop != nil {
		close(p.maintStop)
	}
	avail := p.availByHost
	busy := p.busyByHost
	p.availByHost = nil
	p.busyByHost = nil
	p.deadSince = nil
	p.deadDur = nil
	p.createShift = nil
	p.buckets = nil
	p.initialized = false
	maintDone := p.maintDone
	p.mu.Unlock()

	if maintDone != nil {
		<-maintDone
	}

	for _, entries := range avail {
		for _, e := range entries {
			_ = e.conn.trueClose()
		}
	}
	for _, entries := range busy {
		for _, e := range entries {
			_ = e.conn.trueClose()
		}
	}
}
