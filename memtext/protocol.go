package memtext

import (
	"strconv"
	"strings"
	"time"

	"github.com/kvcache/memtext/dlog"
	"github.com/valyala/bytebufferpool"
)

// Item is a single key/value pair as stored in or retrieved from
// memcached, plus the flags word the wire protocol carries alongside it.
type Item struct {
	Key        string
	Value      interface{}
	Flags      uint32
	Expiration time.Duration // 0 means never; capped at 30 days on the wire
}

// expSeconds resolves an Expiration duration to memcached's wire format:
// 0 for "never", otherwise seconds from now capped at 30 days.
func expSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	const thirtyDays = 30 * 24 * time.Hour
	if d > thirtyDays {
		d = thirtyDays
	}
	return uint32(d / time.Second)
}

// engine drives the wire protocol for a Pool using a shared Config. It is
// the layer Client delegates every operation to.
type engine struct {
	pool *Pool
	cfg  Config
}

func newEngine(pool *Pool, cfg Config) *engine {
	return &engine{pool: pool, cfg: cfg}
}

// withConn checks out a connection for key, runs fn, and checks the
// connection back in (or discards it, per spec's io-error rule) based on
// whether fn reports an io-kind failure.
func (e *engine) withConn(key string, fn func(conn *connection) error) error {
	conn, host, err := e.pool.getSockForKey(key, nil)
	if err != nil {
		return err
	}

	opErr := fn(conn)
	e.release(host, conn, opErr)
	return opErr
}

func (e *engine) release(host string, conn *connection, opErr error) {
	if kind, ok := KindOf(opErr); ok && kind == KindIO {
		_ = conn.trueClose()
		e.pool.checkIn(host, conn, false)
		return
	}
	e.pool.checkIn(host, conn, true)
}

// storeCommand implements set/add/replace/append/prepend, all of which
// share the "<cmd> <key> <flags> <exptime> <len>\r\n<data>\r\n" framing
// and STORED/NOT_STORED response handling.
func (e *engine) storeCommand(cmd string, item *Item) (bool, error) {
	var payload []byte
	var flags uint32
	var err error

	if cmd == "append" || cmd == "prepend" {
		payload, err = appendPrependPayload(item.Value)
		flags = 0
	} else {
		payload, flags, err = encodeValue(e.cfg, item.Value)
	}
	if err != nil {
		return false, err
	}

	return e.storeRaw(cmd, item.Key, flags, item.Expiration, payload)
}

// storeRaw issues cmd against key with an already-encoded payload,
// bypassing encodeValue entirely. StoreCounter uses this directly so the
// decimal text it writes is never given a native-handler tag byte.
func (e *engine) storeRaw(cmd, key string, flags uint32, expiration time.Duration, payload []byte) (bool, error) {
	var stored bool
	writeErr := e.withConn(key, func(conn *connection) error {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)

		_, _ = buf.WriteString(cmd)
		_, _ = buf.WriteString(" ")
		_, _ = buf.WriteString(key)
		_, _ = buf.WriteString(" ")
		_, _ = buf.WriteString(strconv.FormatUint(uint64(flags), 10))
		_, _ = buf.WriteString(" ")
		_, _ = buf.WriteString(strconv.FormatUint(uint64(expSeconds(expiration)), 10))
		_, _ = buf.WriteString(" ")
		_, _ = buf.WriteString(strconv.Itoa(len(payload)))
		_, _ = buf.WriteString("\r\n")
		buf.Write(payload)
		_, _ = buf.WriteString("\r\n")

		if err := conn.writeBytes(buf.Bytes()); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}

		line, err := conn.readLine()
		if err != nil {
			return err
		}

		switch line {
		case "STORED":
			stored = true
			return nil
		case "NOT_STORED", "EXISTS":
			stored = false
			return nil
		default:
			dlog.Error("unexpected store response", dlog.F("cmd", cmd), dlog.F("line", line))
			return newErr(KindProtocol, "", line)
		}
	})
	if writeErr != nil {
		return false, writeErr
	}
	return stored, nil
}

func appendPrependPayload(v interface{}) ([]byte, error) {
	if s, ok := primitiveToString(v); ok {
		return []byte(s), nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, newErr(KindCodec, "", "append/prepend value must be a string, byte slice, or primitive")
}

// Set stores item unconditionally.
func (e *engine) Set(item *Item) (bool, error) { return e.storeCommand("set", item) }

// Add stores item only if the key does not already exist.
func (e *engine) Add(item *Item) (bool, error) { return e.storeCommand("add", item) }

// Replace stores item only if the key already exists.
func (e *engine) Replace(item *Item) (bool, error) { return e.storeCommand("replace", item) }

// Append appends value to the bytes already stored at key.
func (e *engine) Append(key string, value interface{}) (bool, error) {
	return e.storeCommand("append", &Item{Key: key, Value: value})
}

// Prepend prepends value to the bytes already stored at key.
func (e *engine) Prepend(key string, value interface{}) (bool, error) {
	return e.storeCommand("prepend", &Item{Key: key, Value: value})
}

// Get fetches a single key, returning (nil, nil) on a cache miss.
func (e *engine) Get(key string, asString bool) (interface{}, error) {
	results, err := e.GetMulti([]string{key}, asString)
	if err != nil {
		return nil, err
	}
	return results[key], nil
}

// GetMulti fetches multiple keys, grouping them by the host their hash
// resolves to and issuing exactly one "get k1 k2 ... kn" per host. A
// failure on one host's exchange excludes that host's keys from the
// result but does not affect other hosts.
func (e *engine) GetMulti(keys []string, asString bool) (map[string]interface{}, error) {
	results := make(map[string]interface{}, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	byHost := make(map[string][]string)
	for _, k := range keys {
		host, err := e.pool.resolveHost(k)
		if err != nil {
			continue
		}
		byHost[host] = append(byHost[host], k)
	}

	type hostResult struct {
		host string
		vals map[string]interface{}
		err  error
	}
	resultCh := make(chan hostResult, len(byHost))

	for host, hostKeys := range byHost {
		go func(host string, hostKeys []string) {
			vals, err := e.getFromHost(host, hostKeys, asString)
			resultCh <- hostResult{host: host, vals: vals, err: err}
		}(host, hostKeys)
	}

	for i := 0; i < len(byHost); i++ {
		r := <-resultCh
		if r.err != nil {
			dlog.Info("multi-get against host failed", dlog.F("host", r.host), dlog.F("err", r.err))
			continue
		}
		for k, v := range r.vals {
			results[k] = v
		}
	}

	return results, nil
}

func (e *engine) getFromHost(host string, keys []string, asString bool) (map[string]interface{}, error) {
	conn, err := e.pool.getConnection(host)
	if err != nil {
		return nil, err
	}

	vals := make(map[string]interface{}, len(keys))
	opErr := e.readGetExchange(conn, keys, asString, vals)
	e.release(host, conn, opErr)
	return vals, opErr
}

func (e *engine) readGetExchange(conn *connection, keys []string, asString bool, out map[string]interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString("get")
	for _, k := range keys {
		_, _ = buf.WriteString(" ")
		_, _ = buf.WriteString(k)
	}
	_, _ = buf.WriteString("\r\n")

	if err := conn.writeBytes(buf.Bytes()); err != nil {
		return err
	}
	if err := conn.flush(); err != nil {
		return err
	}

	for {
		line, err := conn.readLine()
		if err != nil {
			return err
		}
		if line == "END" {
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) != 4 || fields[0] != "VALUE" {
			return newErrf(KindProtocol, "", "malformed VALUE line: %q", line)
		}
		key := fields[1]
		flags64, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return wrapErr(KindProtocol, "", err, "bad flags in VALUE line")
		}
		size, err := strconv.Atoi(fields[3])
		if err != nil {
			return wrapErr(KindProtocol, "", err, "bad length in VALUE line")
		}

		body := make([]byte, size)
		if err := conn.readN(body); err != nil {
			return err
		}
		if err := conn.clearEOL(); err != nil {
			return err
		}

		v, err := decodeValue(body, uint32(flags64), asString)
		if err != nil {
			return err
		}
		out[key] = v
	}
}

// Delete removes key. A missing key is reported as (false, nil), not an
// error.
func (e *engine) Delete(key string) (bool, error) {
	var deleted bool
	err := e.withConn(key, func(conn *connection) error {
		if err := conn.writeBytes([]byte("delete " + key + "\r\n")); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}
		line, err := conn.readLine()
		if err != nil {
			return err
		}
		switch line {
		case "DELETED":
			deleted = true
			return nil
		case "NOT_FOUND":
			deleted = false
			return nil
		default:
			dlog.Error("unexpected delete response", dlog.F("line", line))
			return newErr(KindProtocol, "", line)
		}
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Touch updates key's expiration without altering its value.
func (e *engine) Touch(key string, expiration time.Duration) (bool, error) {
	var touched bool
	err := e.withConn(key, func(conn *connection) error {
		cmd := "touch " + key + " " + strconv.FormatUint(uint64(expSeconds(expiration)), 10) + "\r\n"
		if err := conn.writeBytes([]byte(cmd)); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}
		line, err := conn.readLine()
		if err != nil {
			return err
		}
		switch line {
		case "TOUCHED":
			touched = true
			return nil
		case "NOT_FOUND":
			touched = false
			return nil
		default:
			return newErr(KindProtocol, "", line)
		}
	})
	return touched, err
}

func (e *engine) countCommand(cmd string, key string, delta uint64) (int64, error) {
	var result int64 = -1
	err := e.withConn(key, func(conn *connection) error {
		line := cmd + " " + key + " " + strconv.FormatUint(delta, 10) + "\r\n"
		if err := conn.writeBytes([]byte(line)); err != nil {
			return err
		}
		if err := conn.flush(); err != nil {
			return err
		}
		resp, err := conn.readLine()
		if err != nil {
			return err
		}
		if resp == "NOT_FOUND" {
			result = -1
			return nil
		}
		n, err := strconv.ParseInt(resp, 10, 64)
		if err != nil {
			dlog.Error("unexpected counter response", dlog.F("cmd", cmd), dlog.F("resp", resp))
			result = -1
			return nil
		}
		result = n
		return nil
	})
	if err != nil {
		return -1, err
	}
	return result, nil
}

// Increment adds delta to the counter at key, returning its new value or
// -1 if key doesn't exist.
func (e *engine) Increment(key string, delta uint64) (int64, error) {
	return e.countCommand("incr", key, delta)
}

// Decrement subtracts delta from the counter at key. memcached clamps the
// result at 0 server-side.
func (e *engine) Decrement(key string, delta uint64) (int64, error) {
	return e.countCommand("decr", key, delta)
}

// StoreCounter writes n as plain text with no tag byte and no flags,
// regardless of the Config's PrimitiveAsString setting: counters must
// always be readable by the server's own incr/decr as an ASCII number.
func (e *engine) StoreCounter(key string, n int64) error {
	_, err := e.storeRaw("set", key, 0, 0, []byte(strconv.FormatInt(n, 10)))
	return err
}

// GetCounter reads key as text and parses it as an int64, returning -1 on
// any lookup or parse failure.
func (e *engine) GetCounter(key string) (int64, error) {
	v, err := e.Get(key, true)
	if err != nil {
		return -1, err
	}
	if v == nil {
		return -1, nil
	}
	s, ok := v.(string)
	if !ok {
		return -1, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1, nil
	}
	return n, nil
}

// FlushAll issues flush_all against every configured host, or just hosts
// if non-empty. It succeeds only if every targeted host replies OK.
func (e *engine) FlushAll(hosts []string) (bool, error) {
	targets := hosts
	if len(targets) == 0 {
		targets = e.pool.allHosts()
	}

	ok := true
	for _, host := range targets {
		conn, err := e.pool.getConnection(host)
		if err != nil {
			ok = false
			continue
		}
		opErr := func() error {
			if err := conn.writeBytes([]byte("flush_all\r\n")); err != nil {
				return err
			}
			if err := conn.flush(); err != nil {
				return err
			}
			line, err := conn.readLine()
			if err != nil {
				return err
			}
			if line != "OK" {
				return newErr(KindProtocol, host, line)
			}
			return nil
		}()
		e.release(host, conn, opErr)
		if opErr != nil {
			ok = false
		}
	}
	return ok, nil
}

// Stats returns per-host stat maps for every configured host, or just
// hosts if non-empty.
func (e *engine) Stats(hosts []string) (map[string]map[string]string, error) {
	targets := hosts
	if len(targets) == 0 {
		targets = e.pool.allHosts()
	}

	out := make(map[string]map[string]string, len(targets))
	for _, host := range targets {
		conn, err := e.pool.getConnection(host)
		if err != nil {
			continue
		}
		entries := make(map[string]string)
		opErr := func() error {
			if err := conn.writeBytes([]byte("stats\r\n")); err != nil {
				return err
			}
			if err := conn.flush(); err != nil {
				return err
			}
			for {
				line, err := conn.readLine()
				if err != nil {
					return err
				}
				if line == "END" {
					return nil
				}
				fields := strings.SplitN(line, " ", 3)
				if len(fields) != 3 || fields[0] != "STAT" {
					return newErrf(KindProtocol, host, "malformed STAT line: %q", line)
				}
				entries[fields[1]] = fields[2]
			}
		}()
		e.release(host, conn, opErr)
		if opErr == nil {
			out[host] = entries
		}
	}
	return out, nil
}

// Version returns the server version string reported by each configured
// host.
func (e *engine) Version() (map[string]string, error) {
	hosts := e.pool.allHosts()
	out := make(map[string]string, len(hosts))
	for _, host := range hosts {
		conn, err := e.pool.getConnection(host)
		if err != nil {
			continue
		}
		var version string
		opErr := func() error {
			if err := conn.writeBytes([]byte("version\r\n")); err != nil {
				return err
			}
			if err := conn.flush(); err != nil {
				return err
			}
			line, err := conn.readLine()
			if err != nil {
				return err
			}
			if !strings.HasPrefix(line, "VERSION ") {
				return newErr(KindProtocol, host, line)
			}
			version = strings.TrimPrefix(line, "VERSION ")
			return nil
		}()
		e.release(host, conn, opErr)
		if opErr == nil {
			out[host] = version
		}
	}
	return out, nil
}
