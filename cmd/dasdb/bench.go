package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/datacratic/dasdb"
)

// runBench drives a write-heavy load against a scratch region, with the
// aggregate op rate capped by a token bucket so the tool can be pointed at
// shared storage without flooding it.
func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	file := fs.String("file", "", "backing file path (created if absent)")
	n := fs.Int("n", 100_000, "total operations")
	workers := fs.Int("workers", 4, "concurrent workers")
	opRate := fs.Float64("rate", 0, "max operations per second, 0 = unlimited")
	region := fs.Uint("region", 4242, "scratch region id")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("bench: -file is required")
	}

	db, err := dasdb.Open(*file, dasdb.Create())
	if err != nil {
		return err
	}
	defer db.Close()

	id := uint32(*region)
	if err := db.AllocateRegion(id); err != nil {
		return err
	}
	defer func() { _ = db.DeallocateRegion(id) }()

	m, err := dasdb.OpenMap[uint64, uint64](db, id)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *opRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(*opRate), int(*opRate/10)+1)
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	perWorker := *n / *workers
	for w := 0; w < *workers; w++ {
		seed := int64(w + 1)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				key := rng.Uint64()
				if _, err := m.Set(key, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	count, err := m.Len()
	if err != nil {
		return err
	}
	fmt.Printf("bench: %d sets in %s (%.0f ops/s), %d entries, file %d bytes\n",
		*n, elapsed.Round(time.Millisecond), float64(*n)/elapsed.Seconds(), count, db.Size())
	return nil
}
