package registry_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/internal/registry"
	"procodus.dev/proximity-engine/pkg/logger"
)

type fakeSource struct {
	beacons  []registry.Beacon
	gateways []registry.Gateway
	err      error
}

func (f *fakeSource) ListBeacons(context.Context) ([]registry.Beacon, error) {
	return f.beacons, f.err
}

func (f *fakeSource) ListGateways(context.Context) ([]registry.Gateway, error) {
	return f.gateways, f.err
}

var _ = Describe("Cache", func() {
	var (
		ctx    context.Context
		source *fakeSource
		cache  *registry.Cache
	)

	BeforeEach(func() {
		ctx = context.Background()
		source = &fakeSource{
			beacons:  []registry.Beacon{{ID: "b1", MAC: "dd:33:0a:11:22:33", TxPower: -59}},
			gateways: []registry.Gateway{{ID: "g1", MAC: "AC233FC00001", AlertThreshold: 3, AutoActuate: true}},
		}
		var err error
		cache, err = registry.NewCache(source, logger.Discard())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should validate its dependencies", func() {
		_, err := registry.NewCache(nil, logger.Discard())
		Expect(err).To(MatchError("source cannot be nil"))
		_, err = registry.NewCache(source, nil)
		Expect(err).To(MatchError("logger cannot be nil"))
	})

	It("should refuse lookups before the first load", func() {
		_, err := cache.BeaconByMAC(ctx, "DD330A112233")
		Expect(err).To(MatchError(registry.ErrNotLoaded))
		Expect(cache.LoadedAt().IsZero()).To(BeTrue())
	})

	Context("after reload", func() {
		BeforeEach(func() {
			Expect(cache.Reload(ctx)).To(Succeed())
		})

		It("should resolve normalised MAC addresses", func() {
			b, err := cache.BeaconByMAC(ctx, "DD330A112233")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.ID).To(Equal("b1"))

			g, err := cache.GatewayByMAC(ctx, "ac:23:3f:c0:00:01")
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Threshold()).To(Equal(3.0))
		})

		It("should return nil for unknown devices", func() {
			b, err := cache.BeaconByMAC(ctx, "FFFFFFFFFFFF")
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeNil())
		})

		It("should keep the old snapshot when reload fails", func() {
			loadedAt := cache.LoadedAt()
			source.err = errors.New("db down")
			Expect(cache.Reload(ctx)).To(MatchError(ContainSubstring("db down")))

			g, err := cache.GatewayByMAC(ctx, "AC233FC00001")
			Expect(err).NotTo(HaveOccurred())
			Expect(g).NotTo(BeNil())
			Expect(g.AutoActuate).To(BeTrue())
			Expect(cache.LoadedAt()).To(Equal(loadedAt))
		})
	})

	DescribeTable("Gateway.Threshold",
		func(configured, expected float64) {
			g := registry.Gateway{AlertThreshold: configured}
			Expect(g.Threshold()).To(Equal(expected))
		},
		Entry("configured", 2.5, 2.5),
		Entry("unset", 0.0, registry.DefaultAlertThreshold),
		Entry("negative", -1.0, registry.DefaultAlertThreshold),
	)
})
