// Command localcache-bench drives a synthetic Zipfian workload against
// this module's Cache and reports hit ratio and memory footprint, the way
// the teacher's benchmarks/cmd/mem_* commands compared competing cache
// libraries; this one measures this repository's own cache instead of a
// field of competitors.
package main

import (
	"context"
	"flag"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/relstorage-go/localcache"
	"github.com/relstorage-go/localcache/internal/workload"
)

func main() {
	capacityMB := flag.Float64("size-mb", 8, "cache size limit, in megabytes")
	ops := flag.Int("ops", 200_000, "number of lookup/insert operations")
	keySpace := flag.Int("keyspace", 50_000, "distinct object IDs")
	valSize := flag.Int("val-size", 512, "synthetic state size in bytes")
	theta := flag.Float64("theta", 0.99, "Zipfian skew; higher concentrates access on fewer IDs")
	flag.Parse()

	runtime.GC()
	debug.FreeOSMemory()

	ctx := context.Background()
	cache, err := localcache.New(ctx, localcache.WithSizeMB(*capacityMB))
	if err != nil {
		panic(err)
	}
	defer cache.Close()

	ids := workload.ZipfObjectIDs(*ops, *keySpace, *theta, 1)
	state := make([]byte, *valSize)

	for i, oid := range ids {
		version := uint64(i) //nolint:gosec // G115: i bounded by *ops, a small benchmark parameter
		if _, _, ok := cache.Lookup(oid, version); !ok {
			if err := cache.Insert(oid, version, state, version); err != nil {
				panic(err)
			}
		}
	}

	stats := cache.Stats()

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	runtime.GC()
	debug.FreeOSMemory()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Printf(
		`{"name":"localcache","items":%d,"hits":%d,"misses":%d,"ratio":%.4f,"bytes":%d}`+"\n",
		cache.Len(), stats.Hits, stats.Misses, stats.Ratio(), mem.Alloc,
	)
}
