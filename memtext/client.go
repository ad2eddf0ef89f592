package memtext

import "time"

// Client is the user-facing façade: a pool name plus the codec/format
// settings (PrimitiveAsString, CompressEnable, CompressThreshold,
// DefaultTextEncoding) layered on top of a Pool's connection management.
// All methods are safe to call from multiple concurrent callers, and a
// Client may be shared by callers that share its underlying Pool.
type Client struct {
	poolName string
	pool     *Pool
	cfg      Config
	eng      *engine
}

// NewClient wraps an already-Initialized Pool in a Client using cfg for
// codec and protocol behavior. Multiple Clients may wrap the same Pool.
func NewClient(pool *Pool, cfg Config) *Client {
	return &Client{
		poolName: pool.name,
		pool:     pool,
		cfg:      cfg,
		eng:      newEngine(pool, cfg),
	}
}

// New is a convenience constructor: it looks up (or creates) the named
// pool, Initializes it with cfg, and returns a Client wrapping it.
func New(poolName string, cfg Config) (*Client, error) {
	pool := GetPool(poolName)
	if err := pool.Initialize(cfg); err != nil {
		return nil, err
	}
	return NewClient(pool, cfg), nil
}

// Set stores item unconditionally.
func (c *Client) Set(item *Item) (bool, error) { return c.eng.Set(item) }

// Add stores item only if its key does not already exist.
func (c *Client) Add(item *Item) (bool, error) { return c.eng.Add(item) }

// Replace stores item only if its key already exists.
func (c *Client) Replace(item *Item) (bool, error) { return c.eng.Replace(item) }

// Append appends value to the bytes already stored at key.
func (c *Client) Append(key string, value interface{}) (bool, error) {
	return c.eng.Append(key, value)
}

// Prepend prepends value to the bytes already stored at key.
func (c *Client) Prepend(key string, value interface{}) (bool, error) {
	return c.eng.Prepend(key, value)
}

// Get fetches key, returning nil with no error on a cache miss.
func (c *Client) Get(key string) (interface{}, error) {
	return c.eng.Get(key, false)
}

// GetAsString fetches key and returns its raw text form, bypassing the
// native-handler tag interpretation.
func (c *Client) GetAsString(key string) (string, error) {
	v, err := c.eng.Get(key, true)
	if err != nil || v == nil {
		return "", err
	}
	return v.(string), nil
}

// GetMulti fetches multiple keys in as few round trips as the bucket
// layout allows (one "get" per distinct host).
func (c *Client) GetMulti(keys []string) (map[string]interface{}, error) {
	return c.eng.GetMulti(keys, false)
}

// Delete removes key. A missing key is reported as (false, nil).
func (c *Client) Delete(key string) (bool, error) { return c.eng.Delete(key) }

// Touch updates key's expiration without altering its value.
func (c *Client) Touch(key string, expiration time.Duration) (bool, error) {
	return c.eng.Touch(key, expiration)
}

// Increment adds delta to the counter at key, returning -1 if key is
// absent.
func (c *Client) Increment(key string, delta uint64) (int64, error) {
	return c.eng.Increment(key, delta)
}

// Decrement subtracts delta from the counter at key, clamped at 0
// server-side, returning -1 if key is absent.
func (c *Client) Decrement(key string, delta uint64) (int64, error) {
	return c.eng.Decrement(key, delta)
}

// StoreCounter writes n as a plain-text counter value, independent of
// the Client's PrimitiveAsString setting.
func (c *Client) StoreCounter(key string, n int64) error {
	return c.eng.StoreCounter(key, n)
}

// GetCounter reads key as a plain-text counter value, returning -1 on any
// lookup or parse failure.
func (c *Client) GetCounter(key string) (int64, error) {
	return c.eng.GetCounter(key)
}

// FlushAll issues flush_all against every configured host, or just hosts
// if non-empty. It reports true only if every targeted host confirmed OK.
func (c *Client) FlushAll(hosts ...string) (bool, error) {
	return c.eng.FlushAll(hosts)
}

// Stats returns per-host stat maps for every configured host, or just
// hosts if non-empty.
func (c *Client) Stats(hosts ...string) (map[string]map[string]string, error) {
	return c.eng.Stats(hosts)
}

// Version returns the server version string reported by each configured
// host.
func (c *Client) Version() (map[string]string, error) {
	return c.eng.Version()
}

// PoolStats returns the Pool's point-in-time snapshot for host.
func (c *Client) PoolStats(host string) PoolStats {
	return c.pool.Stats(host)
}

// Close shuts down the underlying Pool. Callers sharing the same pool
// name should coordinate before calling Close, since Shutdown tears down
// the pool for every Client built on top of it.
func (c *Client) Close() {
	c.pool.Shutdown()
}
