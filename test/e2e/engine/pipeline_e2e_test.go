package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/proximity-engine/internal/store"
	"procodus.dev/proximity-engine/pkg/frame"
	"procodus.dev/proximity-engine/pkg/mq"
)

const (
	beaconID   = "e2e-beacon-1"
	beaconMAC  = "DD330A112233"
	gatewayID  = "e2e-gateway-1"
	gatewayMAC = "AC233FC00001"
)

func publish(ctx context.Context, key string, m any) {
	var (
		body []byte
		err  error
	)
	if msg, ok := m.(frame.Message); ok {
		body, err = frame.Encode(msg)
	} else {
		body, err = json.Marshal(m)
	}
	Expect(err).NotTo(HaveOccurred())
	Expect(publisher.Publish(ctx, key, body)).To(Succeed())
}

func scan(ctx context.Context, rssi int) {
	publish(ctx, mq.UplinkKey(gatewayMAC), &frame.ScanReport{
		GatewayMAC: gatewayMAC,
		Objects: []frame.ScanObject{
			{DeviceMAC: beaconMAC, RSSI: rssi, ScanTime: frame.Timestamp{Time: time.Now().UTC()}},
		},
	})
}

func getJSON(path string, out any) int {
	resp, err := http.Get(baseURL + path)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

type eventBody struct {
	BeaconID    string  `json:"beaconId"`
	GatewayID   string  `json:"gatewayId"`
	Distance    float64 `json:"distance"`
	IsAlert     bool    `json:"isAlert"`
	DangerLevel string  `json:"dangerLevel"`
}

var _ = Describe("Engine E2E", Ordered, func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		gateway  *mq.Client
		commands <-chan amqp.Delivery
	)

	BeforeAll(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)

		gateway = mq.New(mq.Config{
			URL:         rabbitURL,
			Exchange:    exchange,
			Queue:       "e2e.gateway.commands",
			BindingKeys: []string{mq.CommandKey(gatewayMAC)},
		}, testLogger)
		Expect(gateway.WaitReady(ctx)).To(Succeed())

		var err error
		commands, err = gateway.Consume()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		_ = gateway.Close()
		cancel()
	})

	It("should register devices from the registry exchange", func() {
		publish(ctx, mq.RegistryBeaconKey, frame.RegistryMessage{
			Kind:    frame.KindBeacon,
			ID:      beaconID,
			MAC:     "dd:33:0a:11:22:33",
			Name:    "Ada Lovelace",
			TxPower: -59,
		})
		publish(ctx, mq.RegistryGatewayKey, frame.RegistryMessage{
			Kind:           frame.KindGateway,
			ID:             gatewayID,
			MAC:            gatewayMAC,
			Name:           "press-0001",
			AlertThreshold: 5,
			AutoActuate:    true,
		})

		Eventually(func() int64 {
			var n int64
			db.Model(&store.Gateway{}).Where("id = ?", gatewayID).Count(&n)
			return n
		}, 10*time.Second, 200*time.Millisecond).Should(Equal(int64(1)))
	})

	It("should record gateway heartbeats", func() {
		publish(ctx, mq.UplinkKey(gatewayMAC), &frame.Heartbeat{GatewayMAC: gatewayMAC, Firmware: "3.1.4"})

		Eventually(func() string {
			var gw store.Gateway
			db.Where("id = ?", gatewayID).First(&gw)
			return gw.Firmware
		}, 10*time.Second, 200*time.Millisecond).Should(Equal("3.1.4"))
	})

	It("should alert and ring the beacon when it comes close", func() {
		// Registry messages are consumed asynchronously, so keep scanning until a decision lands.
		rssi := -58
		Eventually(func() []eventBody {
			rssi--
			scan(ctx, rssi)
			var events []eventBody
			getJSON("/api/v1/events?beacon="+beaconID, &events)
			return events
		}, 20*time.Second, 500*time.Millisecond).Should(ContainElement(And(
			HaveField("GatewayID", gatewayID),
			HaveField("IsAlert", true),
		)))

		var d amqp.Delivery
		Eventually(commands, 10*time.Second).Should(Receive(&d))
		Expect(d.Ack(false)).To(Succeed())
		Expect(d.RoutingKey).To(Equal(mq.CommandKey(gatewayMAC)))

		msg, err := frame.Decode(d.Body)
		Expect(err).NotTo(HaveOccurred())
		cmd, ok := msg.(*frame.Command)
		Expect(ok).To(BeTrue())
		Expect(cmd.DeviceMAC).To(Equal(beaconMAC))
		Expect(cmd.Auth).To(Equal("e2e-secret"))
		Expect(cmd.Sequence).NotTo(BeZero())

		publish(ctx, mq.UplinkKey(gatewayMAC), &frame.Ack{
			DeviceMAC:  beaconMAC,
			Sequence:   cmd.Sequence,
			Result:     frame.ResultSuccess,
			GatewayMAC: gatewayMAC,
		})

		Eventually(func() []string {
			var logs []store.MonitoringLog
			db.Where("kind = ? AND sequence = ?", store.KindCommand, cmd.Sequence).Find(&logs)
			outcomes := make([]string, len(logs))
			for i, l := range logs {
				outcomes[i] = l.Outcome
			}
			return outcomes
		}, 10*time.Second, 200*time.Millisecond).Should(ContainElement("acked"))
	})

	It("should answer distance queries from the latest reading", func() {
		var reading struct {
			RSSI     int     `json:"rssi"`
			Distance float64 `json:"distance"`
			Method   string  `json:"method"`
		}
		Expect(getJSON(fmt.Sprintf("/api/v1/distance/%s/%s", beaconID, gatewayID), &reading)).To(Equal(http.StatusOK))
		Expect(reading.RSSI).To(BeNumerically("<", -58))
		Expect(reading.Distance).To(BeNumerically(">", 0))
		Expect(reading.Method).To(Equal("fallback"))

		Expect(getJSON(fmt.Sprintf("/api/v1/distance/%s/unknown", beaconID), nil)).To(Equal(http.StatusNotFound))
	})

	It("should persist calibration points taken from live readings", func() {
		resp, err := http.Post(
			fmt.Sprintf("%s/api/v1/calibration/%s/%s/points", baseURL, beaconID, gatewayID),
			"application/json",
			bytes.NewBufferString(`{"distance":1.5}`),
		)
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var report struct {
			Points []struct {
				Distance float64 `json:"distance"`
			} `json:"points"`
		}
		Expect(getJSON(fmt.Sprintf("/api/v1/calibration/%s/%s", beaconID, gatewayID), &report)).To(Equal(http.StatusOK))
		Expect(report.Points).To(HaveLen(1))
		Expect(report.Points[0].Distance).To(Equal(1.5))

		var n int64
		Expect(db.Model(&store.CalibrationPoint{}).Where("beacon_id = ?", beaconID).Count(&n).Error).To(Succeed())
		Expect(n).To(Equal(int64(1)))
	})

	It("should expose engine metrics", func() {
		resp, err := http.Get(baseURL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring("proximity_"))
	})
})
