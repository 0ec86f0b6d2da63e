package calibration

// Grade is a coarse label for a calibration quality score.
type Grade string

const (
	GradeNone Grade = "none"
	GradePoor Grade = "poor"
	GradeFair Grade = "fair"
	GradeGood Grade = "good"
)

const (
	countWeight        = 40.0
	spanWeight         = 30.0
	monotonicityWeight = 30.0

	// fullCountPoints earns the whole count score.
	fullCountPoints = 5
	// fullSpanMeters earns the whole coverage score.
	fullSpanMeters = 10.0
)

// Quality describes how well a pair is calibrated.
type Quality struct {
	Score        float64 `json:"score"`
	Grade        Grade   `json:"grade"`
	PointCount   int     `json:"pointCount"`
	SpanMeters   float64 `json:"spanMeters"`
	Monotonicity float64 `json:"monotonicity"`
}

// Quality scores the pair on point count, distance coverage, and whether RSSI
// falls off as distance grows.
func (s *Store) Quality(beaconID, gatewayID string) Quality {
	return Assess(s.Snapshot(beaconID, gatewayID))
}

// Assess scores a distance-ordered point table.
func Assess(points []Point) Quality {
	q := Quality{PointCount: len(points), Grade: GradeNone}
	if len(points) == 0 {
		return q
	}

	count := float64(len(points))
	if count > fullCountPoints {
		count = fullCountPoints
	}
	countScore := count / fullCountPoints * countWeight

	q.SpanMeters = points[len(points)-1].Distance - points[0].Distance
	span := q.SpanMeters
	if span > fullSpanMeters {
		span = fullSpanMeters
	}
	spanScore := span / fullSpanMeters * spanWeight

	if len(points) > 1 {
		ordered := 0
		for i := 1; i < len(points); i++ {
			if points[i].RSSI <= points[i-1].RSSI {
				ordered++
			}
		}
		q.Monotonicity = float64(ordered) / float64(len(points)-1)
	}
	monoScore := q.Monotonicity * monotonicityWeight

	q.Score = countScore + spanScore + monoScore
	switch {
	case q.Score >= 70:
		q.Grade = GradeGood
	case q.Score >= 40:
		q.Grade = GradeFair
	default:
		q.Grade = GradePoor
	}
	return q
}
