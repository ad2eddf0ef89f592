package memtext

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMemcached is a minimal in-process memcached-alike server backing
// the protocol-level tests. It implements just enough of the ASCII
// protocol (set/add/replace/append/prepend/get/delete/incr/decr/
// flush_all/stats/version/touch) to exercise engine's wire handling
// end-to-end without a real memcached binary.
type fakeMemcached struct {
	mu   sync.Mutex
	data map[string]fakeEntry
}

type fakeEntry struct {
	flags uint32
	value []byte
	exp   uint32
}

func newFakeMemcached() *fakeMemcached {
	return &fakeMemcached{data: make(map[string]fakeEntry)}
}

func (f *fakeMemcached) listen(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeMemcached) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return
		}

		switch fields[0] {
		case "set", "add", "replace", "append", "prepend", "cas":
			f.handleStore(fields, r, w)
		case "get", "gets":
			f.handleGet(fields, w)
		case "delete":
			f.handleDelete(fields, w)
		case "incr", "decr":
			f.handleCount(fields, w)
		case "touch":
			f.handleTouch(fields, w)
		case "flush_all":
			f.mu.Lock()
			f.data = make(map[string]fakeEntry)
			f.mu.Unlock()
			_, _ = w.WriteString("OK\r\n")
		case "stats":
			_, _ = w.WriteString("STAT pid 1\r\n")
			_, _ = w.WriteString("STAT curr_items " + strconv.Itoa(len(f.data)) + "\r\n")
			_, _ = w.WriteString("END\r\n")
		case "version":
			_, _ = w.WriteString("VERSION fake-1.0\r\n")
		default:
			_, _ = w.WriteString("ERROR\r\n")
		}
		_ = w.Flush()
	}
}

func (f *fakeMemcached) handleStore(fields []string, r *bufio.Reader, w *bufio.Writer) {
	if len(fields) < 5 {
		_, _ = w.WriteString("ERROR\r\n")
		return
	}
	key := fields[1]
	flags64, _ := strconv.ParseUint(fields[2], 10, 32)
	exp64, _ := strconv.ParseUint(fields[3], 10, 32)
	size, err := strconv.Atoi(fields[4])
	if err != nil {
		_, _ = w.WriteString("ERROR\r\n")
		return
	}

	body := make([]byte, size+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return
	}
	body = body[:size]

	f.mu.Lock()
	existing, exists := f.data[key]
	switch fields[0] {
	case "add":
		if exists {
			f.mu.Unlock()
			_, _ = w.WriteString("NOT_STORED\r\n")
			return
		}
		f.data[key] = fakeEntry{flags: uint32(flags64), value: body, exp: uint32(exp64)}
	case "replace":
		if !exists {
			f.mu.Unlock()
			_, _ = w.WriteString("NOT_STORED\r\n")
			return
		}
		f.data[key] = fakeEntry{flags: uint32(flags64), value: body, exp: uint32(exp64)}
	case "append":
		if !exists {
			f.mu.Unlock()
			_, _ = w.WriteString("NOT_STORED\r\n")
			return
		}
		existing.value = append(existing.value, body...)
		f.data[key] = existing
	case "prepend":
		if !exists {
			f.mu.Unlock()
			_, _ = w.WriteString("NOT_STORED\r\n")
			return
		}
		existing.value = append(append([]byte{}, body...), existing.value...)
		f.data[key] = existing
	default: // set, cas
		f.data[key] = fakeEntry{flags: uint32(flags64), value: body, exp: uint32(exp64)}
	}
	f.mu.Unlock()
	_, _ = w.WriteString("STORED\r\n")
}

func (f *fakeMemcached) handleGet(fields []string, w *bufio.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range fields[1:] {
		entry, ok := f.data[key]
		if !ok {
			continue
		}
		_, _ = w.WriteString("VALUE " + key + " " + strconv.FormatUint(uint64(entry.flags), 10) + " " + strconv.Itoa(len(entry.value)) + "\r\n")
		_, _ = w.Write(entry.value)
		_, _ = w.WriteString("\r\n")
	}
	_, _ = w.WriteString("END\r\n")
}

func (f *fakeMemcached) handleDelete(fields []string, w *bufio.Writer) {
	key := fields[1]
	f.mu.Lock()
	_, ok := f.data[key]
	delete(f.data, key)
	f.mu.Unlock()
	if ok {
		_, _ = w.WriteString("DELETED\r\n")
	} else {
		_, _ = w.WriteString("NOT_FOUND\r\n")
	}
}

func (f *fakeMemcached) handleCount(fields []string, w *bufio.Writer) {
	key := fields[1]
	delta, _ := strconv.ParseInt(fields[2], 10, 64)

	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		_, _ = w.WriteString("NOT_FOUND\r\n")
		return
	}
	n, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		_, _ = w.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return
	}
	if fields[0] == "incr" {
		n += delta
	} else {
		n -= delta
		if n < 0 {
			n = 0
		}
	}
	entry.value = []byte(strconv.FormatInt(n, 10))
	f.data[key] = entry
	_, _ = w.WriteString(strconv.FormatInt(n, 10) + "\r\n")
}

func (f *fakeMemcached) handleTouch(fields []string, w *bufio.Writer) {
	key := fields[1]
	f.mu.Lock()
	entry, ok := f.data[key]
	if ok {
		exp64, _ := strconv.ParseUint(fields[2], 10, 32)
		entry.exp = uint32(exp64)
		f.data[key] = entry
	}
	f.mu.Unlock()
	if ok {
		_, _ = w.WriteString("TOUCHED\r\n")
	} else {
		_, _ = w.WriteString("NOT_FOUND\r\n")
	}
}

func newTestEngine(t *testing.T, servers ...string) (*engine, *Pool) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaintSleep = 0
	cfg.InitConn = 1
	cfg.MinConn = 1
	cfg.MaxConn = 4
	for _, s := range servers {
		cfg.Servers = append(cfg.Servers, ServerConfig{Addr: s, Weight: 1})
	}

	p := GetPool(t.Name())
	if err := p.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return newEngine(p, cfg), p
}

func TestBasicSetGet(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	stored, err := e.Set(&Item{Key: "k", Value: "hello"})
	if err != nil || !stored {
		t.Fatalf("Set: stored=%v err=%v", stored, err)
	}

	v, err := e.Get("k", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "hello" {
		t.Errorf("got %v, want hello", v)
	}
}

func TestGetMissingKeyReturnsNilNoError(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	v, err := e.Get("missing", false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
}

func TestAddFailsWhenKeyExists(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	if _, err := e.Set(&Item{Key: "k", Value: "v1"}); err != nil {
		t.Fatal(err)
	}
	stored, err := e.Add(&Item{Key: "k", Value: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("expected Add to fail for an existing key")
	}
}

func TestDeleteMissingKeyIsNotAnError(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	deleted, err := e.Delete("missing")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Error("expected Delete of missing key to return false")
	}
}

func TestEmptyValueRoundTrips(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	stored, err := e.Set(&Item{Key: "empty", Value: ""})
	if err != nil || !stored {
		t.Fatalf("Set empty: stored=%v err=%v", stored, err)
	}
	v, err := e.Get("empty", false)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("got %q, want empty string", v)
	}
}

func TestCounterRoundTrip(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	if err := e.StoreCounter("c", 10); err != nil {
		t.Fatalf("StoreCounter: %v", err)
	}
	n, err := e.Increment("c", 5)
	if err != nil || n != 15 {
		t.Fatalf("Increment: n=%d err=%v", n, err)
	}
	n, err = e.Decrement("c", 100)
	if err != nil || n != 0 {
		t.Fatalf("Decrement underflow: n=%d err=%v", n, err)
	}
	got, err := e.GetCounter("c")
	if err != nil || got != 0 {
		t.Fatalf("GetCounter: got=%d err=%v", got, err)
	}
}

func TestAppendPrepend(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	if _, err := e.Set(&Item{Key: "k", Value: "middle"}); err != nil {
		t.Fatal(err)
	}
	if ok, err := e.Append("k", "-end"); err != nil || !ok {
		t.Fatalf("Append: ok=%v err=%v", ok, err)
	}
	if ok, err := e.Prepend("k", "start-"); err != nil || !ok {
		t.Fatalf("Prepend: ok=%v err=%v", ok, err)
	}

	v, err := e.Get("k", true)
	if err != nil {
		t.Fatal(err)
	}
	if v != "start-middle-end" {
		t.Errorf("got %q", v)
	}
}

func TestTouch(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	if _, err := e.Set(&Item{Key: "k", Value: "v"}); err != nil {
		t.Fatal(err)
	}
	touched, err := e.Touch("k", time.Minute)
	if err != nil || !touched {
		t.Fatalf("Touch existing: touched=%v err=%v", touched, err)
	}
	touched, err = e.Touch("missing", time.Minute)
	if err != nil || touched {
		t.Fatalf("Touch missing: touched=%v err=%v", touched, err)
	}
}

func TestFlushAllAndStatsAndVersion(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	e, _ := newTestEngine(t, addr)

	if _, err := e.Set(&Item{Key: "k", Value: "v"}); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Stats(nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats[addr]["curr_items"] != "1" {
		t.Errorf("expected curr_items=1, got %v", stats[addr])
	}

	versions, err := e.Version()
	if err != nil {
		t.Fatal(err)
	}
	if versions[addr] != "fake-1.0" {
		t.Errorf("got version %q", versions[addr])
	}

	ok, err := e.FlushAll(nil)
	if err != nil || !ok {
		t.Fatalf("FlushAll: ok=%v err=%v", ok, err)
	}

	v, err := e.Get("k", false)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("expected key to be gone after flush_all, got %v", v)
	}
}

func TestMultiGetAcrossTwoHosts(t *testing.T) {
	addr1 := newFakeMemcached().listen(t)
	addr2 := newFakeMemcached().listen(t)
	e, p := newTestEngine(t, addr1, addr2)

	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, k := range keys {
		if _, err := e.Set(&Item{Key: k, Value: "v-" + k}); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	results, err := e.GetMulti(keys, false)
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	for _, k := range keys {
		if results[k] != "v-"+k {
			t.Errorf("key %s: got %v, want v-%s", k, results[k], k)
		}
	}
	_ = p
}

func TestCompressedValueRoundTripsOverWire(t *testing.T) {
	addr := newFakeMemcached().listen(t)
	cfg := DefaultConfig()
	cfg.MaintSleep = 0
	cfg.CompressEnable = true
	cfg.CompressThreshold = 50
	cfg.Servers = []ServerConfig{{Addr: addr, Weight: 1}}

	p := GetPool(t.Name())
	if err := p.Initialize(cfg); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Shutdown)
	e := newEngine(p, cfg)

	big := strings.Repeat("y", 200)
	if _, err := e.Set(&Item{Key: "big", Value: big}); err != nil {
		t.Fatal(err)
	}
	v, err := e.Get("big", false)
	if err != nil {
		t.Fatal(err)
	}
	if v != big {
		t.Errorf("round trip mismatch: got len %d, want len %d", len(v.(string)), len(big))
	}
}
