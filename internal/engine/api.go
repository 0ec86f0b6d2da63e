package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"procodus.dev/proximity-engine/internal/calibration"
	"procodus.dev/proximity-engine/internal/store"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/metrics"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Router builds the HTTP surface: health, metrics, the alert stream and the
// query API.
func (e *Engine) Router(health func() error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(e.logger))
	if e.httpMetric != nil {
		r.Use(instrument(e.httpMetric))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		view := healthView{
			Status:          "ok",
			CalibratedPairs: len(e.calibration.Keys()),
		}
		if at := e.registry.LoadedAt(); !at.IsZero() {
			view.RegistryLoadedAt = &at
		}
		if health != nil {
			if err := health(); err != nil {
				view.Status = "unavailable"
				view.Error = err.Error()
				writeJSON(w, e.logger, http.StatusServiceUnavailable, view)
				return
			}
		}
		writeJSON(w, e.logger, http.StatusOK, view)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws/alerts", e.hub)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/distance/{beaconID}/{gatewayID}", e.handleDistance)
		r.Get("/calibration/{beaconID}/{gatewayID}", e.handleCalibration)
		r.Post("/calibration/{beaconID}/{gatewayID}/points", e.handleAddCalibrationPoint)
		r.Get("/events", e.handleEvents)
	})

	return r
}

func (e *Engine) handleDistance(w http.ResponseWriter, r *http.Request) {
	beaconID := chi.URLParam(r, "beaconID")
	gatewayID := chi.URLParam(r, "gatewayID")

	reading, err := e.CurrentDistance(r.Context(), beaconID, gatewayID)
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, e.logger, http.StatusNotFound, "no recent reading for pair")
		return
	}
	if err != nil {
		e.logger.Error("failed to read latest rssi", "beacon_id", beaconID, "gateway_id", gatewayID, "error", err)
		writeError(w, e.logger, http.StatusInternalServerError, "failed to read latest rssi")
		return
	}
	writeJSON(w, e.logger, http.StatusOK, reading)
}

func (e *Engine) handleCalibration(w http.ResponseWriter, r *http.Request) {
	report := e.Calibration(chi.URLParam(r, "beaconID"), chi.URLParam(r, "gatewayID"))
	writeJSON(w, e.logger, http.StatusOK, report)
}

type calibrationPointRequest struct {
	Distance float64 `json:"distance"`
	RSSI     *int    `json:"rssi,omitempty"`
}

func (e *Engine) handleAddCalibrationPoint(w http.ResponseWriter, r *http.Request) {
	beaconID := chi.URLParam(r, "beaconID")
	gatewayID := chi.URLParam(r, "gatewayID")

	var req calibrationPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, e.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := e.AddCalibrationPoint(r.Context(), beaconID, gatewayID, req.Distance, req.RSSI)
	switch {
	case errors.Is(err, calibration.ErrInvalidDistance), errors.Is(err, calibration.ErrInvalidRSSI):
		writeError(w, e.logger, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, cache.ErrNotFound):
		writeError(w, e.logger, http.StatusConflict, "no recent reading to calibrate against")
		return
	case err != nil:
		e.logger.Error("failed to add calibration point", "beacon_id", beaconID, "gateway_id", gatewayID, "error", err)
		writeError(w, e.logger, http.StatusInternalServerError, "failed to add calibration point")
		return
	}
	writeJSON(w, e.logger, http.StatusCreated, p)
}

type healthView struct {
	Status           string     `json:"status"`
	Error            string     `json:"error,omitempty"`
	RegistryLoadedAt *time.Time `json:"registryLoadedAt,omitempty"`
	CalibratedPairs  int        `json:"calibratedPairs"`
}

type eventView struct {
	ID          string    `json:"id"`
	BeaconID    string    `json:"beaconId"`
	GatewayID   string    `json:"gatewayId"`
	RSSI        float64   `json:"rssi"`
	Distance    float64   `json:"distance"`
	Threshold   float64   `json:"threshold"`
	IsAlert     bool      `json:"isAlert"`
	DangerLevel string    `json:"dangerLevel"`
	Method      string    `json:"method"`
	Confidence  string    `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

func viewEvent(ev store.ProximityAlertEvent) eventView {
	return eventView{
		ID:          ev.ID.String(),
		BeaconID:    ev.BeaconID,
		GatewayID:   ev.GatewayID,
		RSSI:        ev.RSSI,
		Distance:    ev.Distance,
		Threshold:   ev.Threshold,
		IsAlert:     ev.IsAlert,
		DangerLevel: ev.DangerLevel,
		Method:      ev.Method,
		Confidence:  ev.Confidence,
		Timestamp:   ev.Timestamp,
	}
}

func (e *Engine) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, e.logger, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	rows, err := e.RecentEvents(r.Context(), r.URL.Query().Get("beacon"), limit)
	if err != nil {
		e.logger.Error("failed to list events", "error", err)
		writeError(w, e.logger, http.StatusInternalServerError, "failed to list events")
		return
	}

	out := make([]eventView, len(rows))
	for i, row := range rows {
		out[i] = viewEvent(row)
	}
	writeJSON(w, e.logger, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// instrument labels requests by route pattern so path parameters do not
// explode label cardinality.
func instrument(m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
