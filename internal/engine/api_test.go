package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/proximity-engine/internal/engine"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq/mock"
)

var _ = Describe("Router", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		repo      *fakeRepository
		publisher *mock.MockClient
		httpm     *metrics.HTTPMetrics
		eng       *engine.Engine
		router    http.Handler
		healthErr error
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		repo = newFakeRepository()
		publisher = mock.NewMockClient()
		httpm = metrics.NewHTTPMetrics("test", prometheus.NewRegistry())
		healthErr = nil

		var err error
		eng, err = engine.New(&engine.Config{
			Logger:            logger.Discard(),
			Repository:        repo,
			Publisher:         publisher,
			Latest:            cache.NewMemory(time.Minute),
			HTTPMetrics:       httpm,
			ReloadInterval:    time.Hour,
			SweepInterval:     time.Hour,
			RetentionInterval: time.Hour,
		})
		Expect(err).NotTo(HaveOccurred())
		ackingPublisher(publisher, &eng)
		Expect(eng.Start(ctx)).To(Succeed())

		router = eng.Router(func() error { return healthErr })
	})

	AfterEach(func() {
		cancel()
		eng.Stop()
	})

	Describe("GET /healthz", func() {
		type health struct {
			Status           string     `json:"status"`
			Error            string     `json:"error"`
			RegistryLoadedAt *time.Time `json:"registryLoadedAt"`
			CalibratedPairs  int        `json:"calibratedPairs"`
		}

		It("reports ok with the registry load time", func() {
			rec := do(http.MethodGet, "/healthz", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body health
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Status).To(Equal("ok"))
			Expect(body.RegistryLoadedAt).NotTo(BeNil())
			Expect(*body.RegistryLoadedAt).To(BeTemporally("~", time.Now(), time.Minute))
			Expect(body.CalibratedPairs).To(BeZero())
		})

		It("counts calibrated pairs", func() {
			rssi := -59
			_, err := eng.AddCalibrationPoint(ctx, "b1", "g1", 1.0, &rssi)
			Expect(err).NotTo(HaveOccurred())

			var body health
			Expect(json.Unmarshal(do(http.MethodGet, "/healthz", "").Body.Bytes(), &body)).To(Succeed())
			Expect(body.CalibratedPairs).To(Equal(1))
		})

		It("reports unavailable when the health check fails", func() {
			healthErr = errors.New("db unreachable")
			rec := do(http.MethodGet, "/healthz", "")
			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))

			var body health
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Status).To(Equal("unavailable"))
			Expect(body.Error).To(Equal("db unreachable"))
		})
	})

	Describe("GET /api/v1/distance", func() {
		It("returns 404 for a silent pair", func() {
			rec := do(http.MethodGet, "/api/v1/distance/b1/g1", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("returns the calibrated distance of the latest reading", func() {
			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -59))).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/distance/b1/g1", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body engine.DistanceReading
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.RSSI).To(Equal(-59))
			Expect(body.Distance).To(BeNumerically("~", 1.0108, 0.001))
		})

		It("labels metrics with the route pattern", func() {
			do(http.MethodGet, "/api/v1/distance/b1/g1", "")
			Expect(testutil.ToFloat64(httpm.RequestsTotal.WithLabelValues(
				http.MethodGet, "/api/v1/distance/{beaconID}/{gatewayID}", "404",
			))).To(Equal(1.0))
		})
	})

	Describe("calibration endpoints", func() {
		It("adds a point and reports it with a quality score", func() {
			rec := do(http.MethodPost, "/api/v1/calibration/b1/g1/points", `{"distance":2,"rssi":-65}`)
			Expect(rec.Code).To(Equal(http.StatusCreated))

			rec = do(http.MethodGet, "/api/v1/calibration/b1/g1", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var report engine.CalibrationReport
			Expect(json.Unmarshal(rec.Body.Bytes(), &report)).To(Succeed())
			Expect(report.Points).To(HaveLen(1))
			Expect(report.Quality.PointCount).To(Equal(1))
		})

		It("rejects malformed bodies", func() {
			rec := do(http.MethodPost, "/api/v1/calibration/b1/g1/points", `{`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects out-of-range values", func() {
			rec := do(http.MethodPost, "/api/v1/calibration/b1/g1/points", `{"distance":0,"rssi":-65}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("conflicts when no rssi is given and none is live", func() {
			rec := do(http.MethodPost, "/api/v1/calibration/b1/g1/points", `{"distance":2}`)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("GET /api/v1/events", func() {
		It("lists recent decisions newest first", func() {
			Expect(eng.HandlePayload(ctx, advData(beaconMAC, -90))).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/events?beacon=b1&limit=10", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var events []map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &events)).To(Succeed())
			Expect(events).To(HaveLen(1))
			Expect(events[0]["beaconId"]).To(Equal("b1"))
			Expect(events[0]["dangerLevel"]).To(Equal("safe"))
		})

		It("rejects a bad limit", func() {
			rec := do(http.MethodGet, "/api/v1/events?limit=-3", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
