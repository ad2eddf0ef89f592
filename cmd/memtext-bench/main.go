// Command memtext-bench drives Set/Get/Increment traffic against a live
// memcached (or memcached-compatible) endpoint for ad hoc load testing.
// It requires a real server; it does not spin one up itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kvcache/memtext/dlog"
	"github.com/kvcache/memtext/memtext"
)

func main() {
	addr := flag.String("addr", "localhost:11211", "memcached host:port")
	n := flag.Int("n", 10000, "number of operations per benchmark")
	valueSize := flag.Int("value-size", 100, "value size in bytes for Set benchmarks")
	flag.Parse()

	cfg := memtext.DefaultConfig()
	cfg.Servers = []memtext.ServerConfig{{Addr: *addr, Weight: 1}}

	client, err := memtext.New("memtext-bench", cfg)
	if err != nil {
		dlog.Errorf("failed to initialize client: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i % 256)
	}

	runBenchmark("Set", *n, func(i int) error {
		_, err := client.Set(&memtext.Item{Key: "bench_set_" + strconv.Itoa(i%1000), Value: string(value)})
		return err
	})

	runBenchmark("Get", *n, func(i int) error {
		_, err := client.Get("bench_set_" + strconv.Itoa(i%1000))
		return err
	})

	if err := client.StoreCounter("bench_counter", 0); err != nil {
		dlog.Errorf("failed to seed counter: %v", err)
		os.Exit(1)
	}
	runBenchmark("Increment", *n, func(i int) error {
		_, err := client.Increment("bench_counter", 1)
		return err
	})
}

func runBenchmark(name string, n int, op func(i int) error) {
	start := time.Now()
	errs := 0
	for i := 0; i < n; i++ {
		if err := op(i); err != nil {
			errs++
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%-10s n=%-8d elapsed=%-12s ops/sec=%-10.0f errors=%d\n",
		name, n, elapsed, float64(n)/elapsed.Seconds(), errs)
}
