// Package memtext implements a client for the memcached ASCII text
// protocol: key routing across a weighted server list, a per-host
// connection pool with dead-host backoff and background maintenance, and
// a value codec supporting tagged native types, opaque serialization, and
// gzip compression above a size threshold.
//
// A typical caller obtains a named Pool, Initializes it with a Config,
// and wraps it in a Client:
//
//	pool := memtext.GetPool("default")
//	if err := pool.Initialize(cfg); err != nil {
//		// handle error
//	}
//	defer pool.Shutdown()
//	client := memtext.NewClient(pool, cfg)
//	client.Set(&memtext.Item{Key: "k", Value: []byte("hello")})
package memtext
