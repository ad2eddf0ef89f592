package memtext

import "time"

// HashAlg selects the key-to-bucket hash function used for server
// selection. The three algorithms are mutually incompatible on the wire:
// changing HashAlg for an existing deployment re-routes every key.
type HashAlg int

const (
	// HashAlgNative hashes with murmur3, the process's native string hash.
	HashAlgNative HashAlg = iota
	// HashAlgOldCompat reproduces a DJB-style ×33 rolling hash over the
	// key's UTF-16 code units.
	HashAlgOldCompat
	// HashAlgNewCompat folds a CRC32 of the key's UTF-8 bytes.
	HashAlgNewCompat
)

const (
	defaultPoolMultiplier = 4

	// Lower bound on the exponential dead-host backoff, applied after the
	// first connect failure for a host.
	initialDeadDuration = 1000 * time.Millisecond
)

// ServerConfig names one memcached endpoint and its relative weight in the
// bucket vector. A zero Weight is treated as 1.
type ServerConfig struct {
	Addr   string // host:port
	Weight int
}

// Config enumerates every tunable of a Pool and the Client built on top of
// it. DefaultConfig returns one with every field at its default; a Config
// passed to Initialize is used as given, and zero-value fields are not
// filled in.
type Config struct {
	Servers []ServerConfig

	InitConn     int           // connections eagerly opened per host at Initialize
	MinConn      int           // floor maintained per host by the maintenance worker
	MaxConn      int           // ceiling maintained per host by the maintenance worker
	MaxIdleTime  time.Duration // idle connections older than this are reclaimed
	MaxBusyTime  time.Duration // checkouts held longer than this are reclaimed
	MaintSleep   time.Duration // maintenance worker period; 0 disables it
	ReadTimeout  time.Duration
	ConnTimeout  time.Duration // 0 means a blocking connect

	Failover bool // rehash to the next bucket on a dead/unreachable host
	Nagle    bool // false sets TCP_NODELAY

	HashAlg HashAlg

	CompressEnable    bool
	CompressThreshold int // bytes; payloads at or above this are gzipped

	PrimitiveAsString bool // store native primitives as plain text, no tag byte

	DefaultTextEncoding string
}

// DefaultConfig returns a Config with the same defaults spec.md enumerates
// for an unconfigured pool, with Servers left empty for the caller to fill
// in.
func DefaultConfig() Config {
	return Config{
		InitConn:            3,
		MinConn:             3,
		MaxConn:             10,
		MaxIdleTime:         3 * time.Minute,
		MaxBusyTime:         5 * time.Minute,
		MaintSleep:          5 * time.Second,
		ReadTimeout:         10 * time.Second,
		ConnTimeout:         0,
		Failover:            true,
		Nagle:               true,
		HashAlg:             HashAlgNative,
		CompressEnable:      true,
		CompressThreshold:   30720,
		PrimitiveAsString:   false,
		DefaultTextEncoding: "UTF-8",
	}
}

func (c Config) maxCreate() int {
	v := c.MinConn / defaultPoolMultiplier
	if v < 1 {
		v = 1
	}
	return v
}
