package generator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/pkg/generator"
)

var _ = Describe("Generator", func() {
	It("creates beacons with normalized MACs", func() {
		b := generator.NewBeacon()
		Expect(b).NotTo(BeNil())
		Expect(b.ID).NotTo(BeEmpty())
		Expect(b.MAC).To(MatchRegexp(`^[0-9A-F]{12}$`))
		Expect(b.TxPower).To(BeNumerically(">=", -62))
		Expect(b.TxPower).To(BeNumerically("<=", -56))
	})

	It("creates auto-actuating gateways", func() {
		g := generator.NewGateway()
		Expect(g).NotTo(BeNil())
		Expect(g.MAC).To(MatchRegexp(`^[0-9A-F]{12}$`))
		Expect(g.AutoActuate).To(BeTrue())
		Expect(g.AlertThreshold).To(BeNumerically(">=", 3))
		Expect(g.AlertThreshold).To(BeNumerically("<=", 6))
	})

	Describe("RSSIAt", func() {
		It("returns tx power at one metre", func() {
			Expect(generator.RSSIAt(1, -59, 0)).To(Equal(-59))
		})

		It("loses 20 dB per decade", func() {
			Expect(generator.RSSIAt(10, -59, 0)).To(Equal(-79))
		})

		It("clamps to the valid range", func() {
			Expect(generator.RSSIAt(1e9, -59, 0)).To(Equal(-100))
			Expect(generator.RSSIAt(0.1, 10, 0)).To(Equal(0))
		})
	})

	Describe("Walk", func() {
		It("stays within bounds and moves no faster than its speed", func() {
			w := generator.NewWalk(5, 0.5, 15, 1.0, 42)
			prev := w.Distance()
			for range 1000 {
				d := w.Step(500 * time.Millisecond)
				Expect(d).To(BeNumerically(">=", 0.5))
				Expect(d).To(BeNumerically("<=", 15))
				Expect(d - prev).To(BeNumerically("~", 0, 0.5+1e-9))
				prev = d
			}
		})

		It("clamps the starting distance", func() {
			Expect(generator.NewWalk(50, 0.5, 15, 1, 1).Distance()).To(Equal(15.0))
		})
	})

	It("produces plausible board temperatures", func() {
		t := generator.Temperature(time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC), 40)
		Expect(t).To(BeNumerically("~", 40, 7))
	})
})
