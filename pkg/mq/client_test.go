package mq_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/mq"
)

func unreachable() mq.Config {
	return mq.Config{
		URL:         "amqp://invalid:5672",
		Exchange:    "proximity-test",
		Queue:       "uplink-test",
		BindingKeys: []string{mq.UplinkBinding},
	}
}

var _ = Describe("MQ Client", func() {
	Describe("New", func() {
		It("should create a client and start reconnecting in the background", func() {
			client := mq.New(unreachable(), logger.Discard())
			Expect(client).NotTo(BeNil())
			Expect(client.IsReady()).To(BeFalse())
			_ = client.Close()
		})
	})

	Describe("Publish", func() {
		Context("when not connected", func() {
			It("should retry with backoff until the context expires", func() {
				client := mq.New(unreachable(), logger.Discard())
				defer func() { _ = client.Close() }()

				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				defer cancel()

				start := time.Now()
				err := client.Publish(ctx, mq.UplinkKey("AC233FC00001"), []byte(`{"msg":"alive"}`))
				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))
			})

			It("should stop retrying when the client is closed", func() {
				client := mq.New(unreachable(), logger.Discard())

				errCh := make(chan error, 1)
				go func() {
					errCh <- client.Publish(context.Background(), "k", []byte("x"))
				}()

				time.Sleep(150 * time.Millisecond)
				_ = client.Close()
				Eventually(errCh, 2*time.Second).Should(Receive(MatchError(ContainSubstring("shutting down"))))
			})
		})
	})

	Describe("UnsafePublish", func() {
		It("should fail fast when not connected", func() {
			client := mq.New(unreachable(), logger.Discard())
			defer func() { _ = client.Close() }()

			err := client.UnsafePublish(context.Background(), "k", []byte("x"))
			Expect(err).To(MatchError(ContainSubstring("not connected")))
		})
	})

	Describe("Consume", func() {
		It("should fail when not connected", func() {
			client := mq.New(unreachable(), logger.Discard())
			defer func() { _ = client.Close() }()

			_, err := client.Consume()
			Expect(err).To(MatchError(ContainSubstring("not connected")))
		})

		It("should refuse to consume on a publish-only client", func() {
			cfg := unreachable()
			cfg.Queue = ""
			client := mq.New(cfg, logger.Discard())
			defer func() { _ = client.Close() }()

			_, err := client.Consume()
			Expect(err).To(MatchError(ContainSubstring("no queue")))
		})
	})

	Describe("WaitReady", func() {
		It("should honour the context deadline", func() {
			client := mq.New(unreachable(), logger.Discard())
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(client.WaitReady(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Close", func() {
		It("should report already closed when never connected, twice", func() {
			client := mq.New(unreachable(), logger.Discard())
			Expect(client.Close()).To(MatchError(ContainSubstring("already closed")))
			Expect(client.Close()).To(MatchError(ContainSubstring("already closed")))
		})

		It("should handle concurrent Close attempts safely", func() {
			client := mq.New(unreachable(), logger.Discard())
			done := make(chan bool, 3)
			for i := 0; i < 3; i++ {
				go func() {
					_ = client.Close()
					done <- true
				}()
			}
			for i := 0; i < 3; i++ {
				Eventually(done).Should(Receive())
			}
		})
	})

	Describe("routing keys", func() {
		It("should scope uplink and command keys by gateway", func() {
			Expect(mq.UplinkKey("AC233FC00001")).To(Equal("gateway.AC233FC00001.uplink"))
			Expect(mq.CommandKey("AC233FC00001")).To(Equal("gateway.AC233FC00001.command"))
		})
	})
})
