package distance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/internal/distance"
)

var _ = Describe("Estimate", func() {
	It("should return roughly one metre at the reference power", func() {
		// ratio == 1 takes the far branch: 0.89976 + 0.111
		Expect(distance.Estimate(-59, -59)).To(BeNumerically("~", 1.01076, 1e-4))
	})

	It("should use the near-field branch for strong signals", func() {
		// (-50/-59)^10
		Expect(distance.Estimate(-50, -59)).To(BeNumerically("~", 0.1911, 1e-3))
	})

	It("should grow with weaker signals", func() {
		near := distance.Estimate(-65, -59)
		far := distance.Estimate(-80, -59)
		Expect(far).To(BeNumerically(">", near))
	})

	It("should fall back to the default tx power", func() {
		Expect(distance.Estimate(-70, 0)).To(Equal(distance.Estimate(-70, distance.DefaultTxPower)))
	})

	DescribeTable("should clamp to the valid range",
		func(rssi int, expected float64) {
			Expect(distance.Estimate(rssi, -59)).To(Equal(expected))
		},
		Entry("very strong signal", -10, distance.MinDistance),
		Entry("zero rssi", 0, distance.MinDistance),
		Entry("very weak signal", -200, distance.MaxDistance),
	)
})
