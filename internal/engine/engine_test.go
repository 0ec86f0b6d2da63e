package engine_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/proximity-engine/internal/calibration"
	"procodus.dev/proximity-engine/internal/engine"
	"procodus.dev/proximity-engine/internal/proximity"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
	"procodus.dev/proximity-engine/pkg/mq/mock"
)

func advData(mac string, rssi int) []byte {
	return []byte(fmt.Sprintf(
		`{"msg":"advData","gmac":"%s","obj":[{"dmac":"%s","rssi":%d,"time":"2026-10-15T11:00:00Z"}]}`,
		gatewayMAC, mac, rssi,
	))
}

// ackingPublisher answers every command with a successful ack fed back
// through the uplink path.
func ackingPublisher(publisher *mock.MockClient, eng **engine.Engine) {
	publisher.PublishFunc = func(ctx context.Context, _ string, data []byte) error {
		msg, err := frame.Decode(data)
		if err != nil {
			return err
		}
		cmd := msg.(*frame.Command)
		ack := fmt.Sprintf(`{"msg":"ack","dmac":"%s","seq":%d,"result":0,"gmac":"%s"}`,
			cmd.DeviceMAC, cmd.Sequence, gatewayMAC)
		return (*eng).HandlePayload(ctx, []byte(ack))
	}
}

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		repo      *fakeRepository
		publisher *mock.MockClient
		m         *metrics.EngineMetrics
		eng       *engine.Engine
	)

	newEngine := func() *engine.Engine {
		e, err := engine.New(&engine.Config{
			Logger:            logger.Discard(),
			Repository:        repo,
			Publisher:         publisher,
			Latest:            cache.NewMemory(time.Minute),
			Metrics:           m,
			HTTPMetrics:       metrics.NewHTTPMetrics("test", prometheus.NewRegistry()),
			AckTimeout:        time.Second,
			ReloadInterval:    time.Hour,
			SweepInterval:     time.Hour,
			RetentionInterval: time.Hour,
		})
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		repo = newFakeRepository()
		publisher = mock.NewMockClient()
		m = metrics.NewEngineMetrics("test", prometheus.NewRegistry())
		eng = newEngine()
		ackingPublisher(publisher, &eng)
	})

	AfterEach(func() {
		cancel()
		eng.Stop()
	})

	Describe("New", func() {
		It("rejects a nil config", func() {
			_, err := engine.New(nil)
			Expect(err).To(MatchError("config cannot be nil"))
		})

		It("requires a logger", func() {
			_, err := engine.New(&engine.Config{Repository: repo, Publisher: publisher})
			Expect(err).To(MatchError("logger cannot be nil"))
		})

		It("requires a repository", func() {
			_, err := engine.New(&engine.Config{Logger: logger.Discard(), Publisher: publisher})
			Expect(err).To(MatchError("repository cannot be nil"))
		})

		It("requires a publisher", func() {
			_, err := engine.New(&engine.Config{Logger: logger.Discard(), Repository: repo})
			Expect(err).To(MatchError("publisher cannot be nil"))
		})

		It("rejects inverted bands", func() {
			_, err := engine.New(&engine.Config{
				Logger:     logger.Discard(),
				Repository: repo,
				Publisher:  publisher,
				Bands:      proximity.Bands{Danger: 6, Warning: 3},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RetentionInterval", func() {
		It("sweeps daily in production and every minute under test", func() {
			Expect(engine.RetentionInterval(engine.ProfileProduction)).To(Equal(24 * time.Hour))
			Expect(engine.RetentionInterval(engine.ProfileTest)).To(Equal(time.Minute))
		})
	})

	Context("when started", func() {
		BeforeEach(func() {
			Expect(eng.Start(ctx)).To(Succeed())
		})

		It("runs the retention sweep on start", func() {
			Eventually(repo.retentionCh).Should(Receive())
		})

		It("turns a close reading into a persisted alert and rings the beacon", func() {
			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -59))).To(Succeed())

			events := repo.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].BeaconID).To(Equal("b1"))
			Expect(events[0].GatewayID).To(Equal("g1"))
			Expect(events[0].IsAlert).To(BeTrue())
			Expect(events[0].DangerLevel).To(Equal(proximity.LevelDanger))
			Expect(events[0].Method).To(Equal(calibration.MethodFallback))

			Eventually(publisher.Published).Should(HaveLen(1))
			Expect(publisher.Published()[0].RoutingKey).To(Equal(mq.CommandKey(gatewayMAC)))

			Eventually(repo.Commands).Should(HaveLen(1))
			Expect(repo.Commands()[0].Outcome).To(Equal("acked"))
			Expect(testutil.ToFloat64(m.CommandsTotal.WithLabelValues("acked"))).To(Equal(1.0))
		})

		It("records a safe decision without actuating", func() {
			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -90))).To(Succeed())

			events := repo.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].IsAlert).To(BeFalse())
			Expect(events[0].DangerLevel).To(Equal(proximity.LevelSafe))
			Consistently(publisher.Published, 100*time.Millisecond).Should(BeEmpty())
		})

		It("ignores beacons that are not registered", func() {
			Expect(eng.HandlePayload(ctx, advData("DD330A999999", -59))).To(Succeed())
			Expect(repo.Events()).To(BeEmpty())
		})

		It("returns decode errors for malformed payloads", func() {
			Expect(eng.HandlePayload(ctx, []byte(`{"msg":"bogus"}`))).To(HaveOccurred())
		})

		It("records gateway heartbeats", func() {
			hb := fmt.Sprintf(`{"msg":"alive","gmac":"%s","ver":"1.2.0","temp":41.5}`, gatewayMAC)
			Expect(eng.HandlePayload(ctx, []byte(hb))).To(Succeed())
			Expect(repo.Heartbeats()).To(Equal(1))
		})

		It("answers the distance query from the latest reading", func() {
			_, err := eng.CurrentDistance(ctx, "b1", "g1")
			Expect(err).To(MatchError(cache.ErrNotFound))

			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -59))).To(Succeed())

			reading, err := eng.CurrentDistance(ctx, "b1", "g1")
			Expect(err).NotTo(HaveOccurred())
			Expect(reading.RSSI).To(Equal(-59))
			Expect(reading.Distance).To(BeNumerically("~", 1.0108, 0.001))
			Expect(reading.Method).To(Equal(calibration.MethodFallback))
		})
	})

	Describe("AddCalibrationPoint", func() {
		It("stores and persists an explicit measurement", func() {
			rssi := -65
			p, err := eng.AddCalibrationPoint(ctx, "b1", "g1", 2.0, &rssi)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.RSSI).To(Equal(-65.0))
			Expect(repo.Saved()).To(HaveLen(1))

			report := eng.Calibration("b1", "g1")
			Expect(report.Points).To(HaveLen(1))
			Expect(report.Quality.PointCount).To(Equal(1))
		})

		It("uses the latest reading when rssi is omitted", func() {
			Expect(eng.Start(ctx)).To(Succeed())
			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -70))).To(Succeed())

			p, err := eng.AddCalibrationPoint(ctx, "b1", "g1", 4.0, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.RSSI).To(Equal(-70.0))
		})

		It("fails without a live reading", func() {
			_, err := eng.AddCalibrationPoint(ctx, "b1", "g1", 4.0, nil)
			Expect(err).To(MatchError(cache.ErrNotFound))
		})

		It("keeps the point in memory when persistence fails", func() {
			repo.saveErr = errStoreDown
			rssi := -65
			_, err := eng.AddCalibrationPoint(ctx, "b1", "g1", 2.0, &rssi)
			Expect(err).NotTo(HaveOccurred())
			Expect(eng.Calibration("b1", "g1").Points).To(HaveLen(1))
			Expect(testutil.ToFloat64(m.PersistErrors.WithLabelValues("calibration_points"))).To(Equal(1.0))
		})

		It("rejects invalid distances", func() {
			rssi := -65
			_, err := eng.AddCalibrationPoint(ctx, "b1", "g1", -1, &rssi)
			Expect(err).To(MatchError(calibration.ErrInvalidDistance))
		})
	})

	Describe("Reload", func() {
		It("merges persisted calibration into memory", func() {
			repo.records = []calibration.Record{{
				Key: calibration.Key{BeaconID: "b1", GatewayID: "g1"},
				Points: []calibration.Point{
					{Distance: 1, RSSI: -55, SampleCount: 3, LastMeasuredAt: time.Now()},
					{Distance: 3, RSSI: -68, SampleCount: 3, LastMeasuredAt: time.Now()},
				},
			}}

			Expect(eng.Reload(ctx)).To(Succeed())
			Expect(eng.Calibration("b1", "g1").Points).To(HaveLen(2))
		})
	})

	Describe("SweepRetention", func() {
		It("counts deleted rows per table", func() {
			repo.retention = map[string]int64{"monitoring_logs": 4}
			Expect(eng.SweepRetention(ctx)).To(Succeed())
			Expect(testutil.ToFloat64(m.RetentionRowsDeleted.WithLabelValues("monitoring_logs"))).To(Equal(4.0))
		})
	})

	Describe("SweepMemory", func() {
		It("runs without error on empty state", func() {
			Expect(eng.SweepMemory(ctx)).To(Succeed())
		})
	})
})
