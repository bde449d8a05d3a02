package flow

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"example/camflow/vision"
)

// outlierSigma is how many standard deviations of track speed a vector may
// sit from the mean before it is left out of MeanSpeed.
const outlierSigma = 3.0

// MotionSummary describes one propagate step. Lost points are excluded from
// every statistic.
type MotionSummary struct {
	Tracked  int     `json:"tracked"`
	Lost     int     `json:"lost"`
	MedianDX float64 `json:"median_dx"`
	MedianDY float64 `json:"median_dy"`
	// MeanSpeed is the mean displacement magnitude in pixels per frame after
	// outlier rejection.
	MeanSpeed float64 `json:"mean_speed"`
	Outliers  int     `json:"outliers"`
}

// motionVector is the displacement of one tracked point.
type motionVector struct {
	Point    vision.Point
	Velocity [2]float64
}

func vectorsFromTracks(prev, next []vision.Point, status []bool) []motionVector {
	var vectors []motionVector
	for i, ok := range status {
		if !ok || i >= len(prev) || i >= len(next) {
			continue
		}
		vectors = append(vectors, motionVector{
			Point: prev[i],
			Velocity: [2]float64{
				float64(next[i].X - prev[i].X),
				float64(next[i].Y - prev[i].Y),
			},
		})
	}
	return vectors
}

// Summarize computes the displacement statistics of the tracked points.
func Summarize(prev, next []vision.Point, status []bool) MotionSummary {
	vectors := vectorsFromTracks(prev, next, status)
	sum := MotionSummary{Tracked: len(vectors), Lost: len(status) - len(vectors)}
	if len(vectors) == 0 {
		return sum
	}

	us := make([]float64, len(vectors))
	vs := make([]float64, len(vectors))
	speeds := make([]float64, len(vectors))
	for i, v := range vectors {
		us[i] = v.Velocity[0]
		vs[i] = v.Velocity[1]
		speeds[i] = math.Hypot(v.Velocity[0], v.Velocity[1])
	}
	sort.Float64s(us)
	sort.Float64s(vs)
	sum.MedianDX = stat.Quantile(0.5, stat.Empirical, us, nil)
	sum.MedianDY = stat.Quantile(0.5, stat.Empirical, vs, nil)

	mean, std := stat.MeanStdDev(speeds, nil)
	if len(speeds) < 2 || std < 1e-3 || math.IsNaN(std) {
		sum.MeanSpeed = stat.Mean(speeds, nil)
		return sum
	}
	inliers := speeds[:0:0]
	for _, s := range speeds {
		if math.Abs(s-mean) > outlierSigma*std {
			sum.Outliers++
			continue
		}
		inliers = append(inliers, s)
	}
	sum.MeanSpeed = stat.Mean(inliers, nil)
	return sum
}
