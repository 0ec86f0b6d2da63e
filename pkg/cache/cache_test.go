package cache_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/pkg/cache"
)

var _ = Describe("Memory", func() {
	var (
		ctx   context.Context
		now   time.Time
		store *cache.Memory
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
		store = cache.NewMemoryWithClock(10*time.Second, func() time.Time { return now })
	})

	It("should return the latest reading", func() {
		Expect(store.Put(ctx, "b1", "g1", cache.Reading{RSSI: -60, ReceivedAt: now})).To(Succeed())
		Expect(store.Put(ctx, "b1", "g1", cache.Reading{RSSI: -62, ReceivedAt: now})).To(Succeed())

		r, err := store.Get(ctx, "b1", "g1")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.RSSI).To(Equal(-62))
	})

	It("should report missing pairs", func() {
		_, err := store.Get(ctx, "b1", "g2")
		Expect(err).To(MatchError(cache.ErrNotFound))
	})

	It("should hide readings past the horizon", func() {
		Expect(store.Put(ctx, "b1", "g1", cache.Reading{RSSI: -60, ReceivedAt: now})).To(Succeed())
		now = now.Add(11 * time.Second)

		_, err := store.Get(ctx, "b1", "g1")
		Expect(err).To(MatchError(cache.ErrNotFound))
	})

	It("should sweep stale readings", func() {
		Expect(store.Put(ctx, "b1", "g1", cache.Reading{RSSI: -60, ReceivedAt: now})).To(Succeed())
		Expect(store.Put(ctx, "b2", "g1", cache.Reading{RSSI: -70, ReceivedAt: now.Add(8 * time.Second)})).To(Succeed())

		removed, err := store.Sweep(ctx, now.Add(12*time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(Equal(1))
	})
})

var _ = Describe("Redis", func() {
	It("should require an address", func() {
		_, err := cache.NewRedis(context.Background(), cache.RedisConfig{})
		Expect(err).To(MatchError(ContainSubstring("cannot be empty")))
	})

	It("should fail fast when redis is unreachable", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: "127.0.0.1:1"})
		Expect(err).To(MatchError(ContainSubstring("failed to connect to redis")))
	})
})
