package smoothing_test

import (
	"math"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/proximity-engine/internal/smoothing"
)

var _ = Describe("Smoother", func() {
	var (
		s    *smoothing.Smoother
		base time.Time
	)

	BeforeEach(func() {
		s = smoothing.New(smoothing.DefaultConfig())
		base = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	})

	It("should return the raw first sample", func() {
		res := s.Add("b1", base, -60, 2.5)
		Expect(res.Valid).To(BeTrue())
		Expect(res.Distance).To(Equal(2.5))
		Expect(res.RSSI).To(Equal(-60.0))
		Expect(res.Samples).To(Equal(1))
	})

	It("should average with exponential time weights", func() {
		s.Add("b1", base, -60, 2.0)
		res := s.Add("b1", base.Add(time.Second), -64, 2.5)

		w := math.Exp(-0.5)
		Expect(res.Valid).To(BeTrue())
		Expect(res.Samples).To(Equal(2))
		Expect(res.Distance).To(BeNumerically("~", (w*2.0+2.5)/(w+1), 1e-9))
		Expect(res.RSSI).To(BeNumerically("~", (w*-60+-64)/(w+1), 1e-9))
	})

	It("should reject implausible jumps and return the last valid value", func() {
		first := s.Add("b1", base, -60, 2.0)
		res := s.Add("b1", base.Add(500*time.Millisecond), -40, 0.3)

		Expect(res.Valid).To(BeFalse())
		Expect(res.Distance).To(Equal(first.Distance))
		Expect(res.RSSI).To(Equal(first.RSSI))

		history := s.History("b1")
		Expect(history).To(HaveLen(2))
		Expect(history[1].Rejected).To(BeTrue())
	})

	It("should accept movement that follows a rejected sample", func() {
		s.Add("b1", base, -60, 2.0)
		rejected := s.Add("b1", base.Add(500*time.Millisecond), -45, 0.5)
		Expect(rejected.Valid).To(BeFalse())

		// compared against the rejected entry, 0.4 m in 1 s is plausible
		res := s.Add("b1", base.Add(1500*time.Millisecond), -44, 0.4)
		Expect(res.Valid).To(BeTrue())
		// the rejected entry is excluded from the average
		Expect(res.Samples).To(Equal(2))
	})

	It("should keep beacons independent", func() {
		s.Add("b1", base, -60, 2.0)
		res := s.Add("b2", base.Add(100*time.Millisecond), -40, 0.3)
		Expect(res.Valid).To(BeTrue())
		Expect(res.Distance).To(Equal(0.3))
	})

	It("should drop entries older than the window", func() {
		s.Add("b1", base, -60, 2.0)
		s.Add("b1", base.Add(time.Second), -60, 2.0)
		res := s.Add("b1", base.Add(5*time.Second), -62, 2.2)

		Expect(s.History("b1")).To(HaveLen(1))
		Expect(res.Samples).To(Equal(1))
		Expect(res.Distance).To(Equal(2.2))
	})

	It("should bound history by count and age under random input", func() {
		cfg := smoothing.DefaultConfig()
		rng := rand.New(rand.NewSource(42))
		at := base
		d := 3.0
		for i := 0; i < 500; i++ {
			at = at.Add(time.Duration(rng.Intn(400)+1) * time.Millisecond)
			d = math.Max(0.1, d+(rng.Float64()-0.5)*2)
			s.Add("b1", at, -50-rng.Intn(40), d)

			history := s.History("b1")
			Expect(len(history)).To(BeNumerically("<=", cfg.MaxEntries))
			for _, e := range history {
				Expect(at.Sub(e.At)).To(BeNumerically("<=", cfg.Window))
			}
		}
	})

	Describe("Sweep", func() {
		It("should forget idle beacons only", func() {
			s.Add("idle", base, -60, 2.0)
			s.Add("active", base.Add(9*time.Second), -60, 2.0)

			removed := s.Sweep(base.Add(10 * time.Second))
			Expect(removed).To(Equal(1))
			Expect(s.Len()).To(Equal(1))
			Expect(s.History("idle")).To(BeNil())
		})
	})
})
