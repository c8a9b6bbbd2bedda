package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// newBenchClient returns a Redis client connected to localhost:6379.
// Benchmarks are skipped if Redis is not reachable.
func newBenchClient(b *testing.B) *redis.Client {
	b.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DialTimeout:  1 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		b.Skipf("Redis not available at localhost:6379: %v", err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

func benchEntry() *domain.Entry {
	at := time.Now().Add(-time.Second).UTC()
	e := domain.NewEntry("bench", domain.NewTimedConfiguration(at))
	e.NextRunAt = &at
	e.CreatedAt, e.UpdatedAt = at, at
	return e
}

// BenchmarkEntryStore_Save measures a WATCH/MULTI upsert with index upkeep.
func BenchmarkEntryStore_Save(b *testing.B) {
	s := NewEntryStore(newBenchClient(b))
	ctx := context.Background()
	e := benchEntry()
	e.ID = "bench-entry-save"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Save(ctx, e); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEntryStore_Get measures a single MGET plus decode.
func BenchmarkEntryStore_Get(b *testing.B) {
	s := NewEntryStore(newBenchClient(b))
	ctx := context.Background()
	e := benchEntry()
	e.ID = "bench-entry-get"
	if err := s.Save(ctx, e); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Get(ctx, e.ID); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEntryStore_Claim_Parallel stresses the Lua compare-and-set with
// many goroutines racing over a small set of entries.
func BenchmarkEntryStore_Claim_Parallel(b *testing.B) {
	s := NewEntryStore(newBenchClient(b))
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		e := benchEntry()
		e.ID = fmt.Sprintf("bench-entry-claim-%d", i)
		if err := s.Save(ctx, e); err != nil {
			b.Fatal(err)
		}
		ids[i] = e.ID
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := ids[i%n]
			i++
			if _, err := s.Claim(ctx, id, domain.StatusPending, domain.StatusRunning); err != nil {
				b.Fatal(err)
			}
			if _, err := s.Claim(ctx, id, domain.StatusRunning, domain.StatusPending); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkRateLimiter_Allow measures the sliding-window pipeline.
func BenchmarkRateLimiter_Allow(b *testing.B) {
	l := NewRateLimiter(newBenchClient(b), 1_000_000, time.Minute)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Allow(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}
