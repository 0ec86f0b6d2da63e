package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/proximity-engine/internal/engine"
	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq/mock"
)

type recordingHandler struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (h *recordingHandler) HandleDelivery(_ context.Context, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies = append(h.bodies, string(body))
	return h.err
}

func (h *recordingHandler) Bodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bodies...)
}

var _ = Describe("Consumer", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		client  *mock.MockClient
		handler *recordingHandler
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		client = mock.NewMockClient()
		handler = &recordingHandler{}
	})

	AfterEach(func() {
		cancel()
	})

	newConsumer := func() *engine.Consumer {
		c, err := engine.NewConsumer(&engine.ConsumerConfig{
			Name:    "uplink",
			Logger:  logger.Discard(),
			Client:  client,
			Handler: handler,
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("NewConsumer", func() {
		It("rejects a nil config", func() {
			_, err := engine.NewConsumer(nil)
			Expect(err).To(MatchError("consumer config cannot be nil"))
		})

		It("requires a client", func() {
			_, err := engine.NewConsumer(&engine.ConsumerConfig{Logger: logger.Discard(), Handler: handler})
			Expect(err).To(MatchError("mq client cannot be nil"))
		})

		It("requires a handler", func() {
			_, err := engine.NewConsumer(&engine.ConsumerConfig{Logger: logger.Discard(), Client: client})
			Expect(err).To(MatchError("handler cannot be nil"))
		})
	})

	It("fails to start when the broker never becomes ready", func() {
		client.WaitReadyError = context.DeadlineExceeded
		Expect(newConsumer().Start(ctx)).To(MatchError(ContainSubstring("not ready")))
	})

	It("hands bodies to the handler in order and acks them", func() {
		c := newConsumer()
		Expect(c.Start(ctx)).To(Succeed())

		ack := &fakeAcknowledger{}
		for i := range 3 {
			client.ConsumeChannel <- delivery(ack, []byte(fmt.Sprintf("m%d", i)))
		}

		Eventually(handler.Bodies).Should(Equal([]string{"m0", "m1", "m2"}))
		Eventually(func() int { a, _ := ack.Counts(); return a }).Should(Equal(3))
	})

	It("acks payloads the handler rejects", func() {
		handler.err = errors.New("bad payload")
		c := newConsumer()
		Expect(c.Start(ctx)).To(Succeed())

		ack := &fakeAcknowledger{}
		client.ConsumeChannel <- delivery(ack, []byte("junk"))

		Eventually(func() int { a, _ := ack.Counts(); return a }).Should(Equal(1))
		_, nacks := ack.Counts()
		Expect(nacks).To(BeZero())
	})

	It("requeues on retryable failures", func() {
		handler.err = fmt.Errorf("%w: db down", engine.ErrRequeue)
		c := newConsumer()
		Expect(c.Start(ctx)).To(Succeed())

		ack := &fakeAcknowledger{}
		client.ConsumeChannel <- delivery(ack, []byte("{}"))

		Eventually(func() int { _, n := ack.Counts(); return n }).Should(Equal(1))
		ack.mu.Lock()
		Expect(ack.requeue).To(BeTrue())
		ack.mu.Unlock()
	})

	It("counts deliveries and failures per consumer", func() {
		m := metrics.NewMQMetrics("test", prometheus.NewRegistry())
		c, err := engine.NewConsumer(&engine.ConsumerConfig{
			Name:    "registry",
			Logger:  logger.Discard(),
			Client:  client,
			Handler: handler,
			Metrics: m,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Start(ctx)).To(Succeed())

		ack := &fakeAcknowledger{}
		client.ConsumeChannel <- delivery(ack, []byte("{}"))
		Eventually(func() int { a, _ := ack.Counts(); return a }).Should(Equal(1))

		handler.mu.Lock()
		handler.err = errors.New("bad payload")
		handler.mu.Unlock()
		client.ConsumeChannel <- delivery(ack, []byte("junk"))
		Eventually(func() int { a, _ := ack.Counts(); return a }).Should(Equal(2))

		Expect(testutil.ToFloat64(m.MessagesConsumed.WithLabelValues("registry"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(m.ConsumptionFailures.WithLabelValues("registry", "discarded"))).To(Equal(1.0))
	})

	It("stops when the deliveries channel closes", func() {
		c := newConsumer()
		Expect(c.Start(ctx)).To(Succeed())

		close(client.ConsumeChannel)
		Eventually(c.Done()).Should(BeClosed())
		Expect(c.Stop()).To(Succeed())
		Expect(client.CloseCalls).To(Equal(1))
	})

	It("stops when the context is cancelled", func() {
		c := newConsumer()
		Expect(c.Start(ctx)).To(Succeed())

		cancel()
		Eventually(c.Done()).Should(BeClosed())
	})
})
