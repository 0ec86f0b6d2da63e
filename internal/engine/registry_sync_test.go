package engine_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/internal/distance"
	"procodus.dev/proximity-engine/internal/engine"
	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/logger"
)

var _ = Describe("RegistrySync", func() {
	var (
		ctx      context.Context
		writer   *fakeWriter
		refreshs int
		syncer   *engine.RegistrySync
	)

	BeforeEach(func() {
		ctx = context.Background()
		writer = &fakeWriter{}
		refreshs = 0
		var err error
		syncer, err = engine.NewRegistrySync(logger.Discard(), writer, func(context.Context) error {
			refreshs++
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("requires a writer", func() {
		_, err := engine.NewRegistrySync(logger.Discard(), nil, nil)
		Expect(err).To(MatchError("device writer cannot be nil"))
	})

	It("upserts beacons with the default tx power", func() {
		body := []byte(`{"kind":"beacon","mac":"dd:33:0a:11:22:33","name":"worker-1"}`)
		Expect(syncer.HandleDelivery(ctx, body)).To(Succeed())

		Expect(writer.beacons).To(HaveLen(1))
		Expect(writer.beacons[0].MAC).To(Equal("DD330A112233"))
		Expect(writer.beacons[0].TxPower).To(Equal(distance.DefaultTxPower))
		Expect(refreshs).To(Equal(1))
	})

	It("upserts gateways with their alert settings", func() {
		body := []byte(`{"kind":"gateway","mac":"AC233FC00001","location":"press hall","alertThreshold":3.5,"autoActuate":true}`)
		Expect(syncer.HandleDelivery(ctx, body)).To(Succeed())

		Expect(writer.gateways).To(HaveLen(1))
		Expect(writer.gateways[0].AlertThreshold).To(Equal(3.5))
		Expect(writer.gateways[0].AutoActuate).To(BeTrue())
		Expect(writer.gateways[0].Location).To(Equal("press hall"))
	})

	It("returns a non-retryable error for malformed records", func() {
		err := syncer.HandleDelivery(ctx, []byte(`{"kind":"forklift","mac":"AA"}`))
		Expect(err).To(MatchError(frame.ErrUnknownType))
		Expect(errors.Is(err, engine.ErrRequeue)).To(BeFalse())
		Expect(refreshs).To(BeZero())
	})

	It("asks for redelivery when the store fails", func() {
		writer.err = errStoreDown
		err := syncer.HandleDelivery(ctx, []byte(`{"kind":"beacon","mac":"DD330A112233"}`))
		Expect(errors.Is(err, engine.ErrRequeue)).To(BeTrue())
		Expect(errors.Is(err, errStoreDown)).To(BeTrue())
		Expect(refreshs).To(BeZero())
	})
})
