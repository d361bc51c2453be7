package stats

import (
	"time"

	"golang.org/x/exp/slices"
)

// estimator tracks a single quantile of a stream using the P-Square
// algorithm (Jain and Chlamtac, 1985), in constant space.
type estimator struct {
	p       float64
	heights [5]float64
	pos     [5]int
	want    [5]float64
	step    [5]float64
	count   int
}

func newEstimator(p float64) estimator {
	p = min(max(p, 0), 1)
	return estimator{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *estimator) add(v float64) {
	x.count++
	if x.count <= 5 {
		x.heights[x.count-1] = v
		if x.count == 5 {
			slices.Sort(x.heights[:])
			for i := range x.pos {
				x.pos[i] = i
			}
			x.want = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}

	var k int
	switch {
	case v < x.heights[0]:
		x.heights[0] = v
	case v >= x.heights[4]:
		x.heights[4] = v
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if v < x.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.step[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - float64(x.pos[i])
		if (d >= 1 && x.pos[i+1]-x.pos[i] > 1) || (d <= -1 && x.pos[i-1]-x.pos[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			if h := x.parabolic(i, sign); x.heights[i-1] < h && h < x.heights[i+1] {
				x.heights[i] = h
			} else {
				x.heights[i] = x.linear(i, sign)
			}
			x.pos[i] += sign
		}
	}
}

func (x *estimator) parabolic(i, sign int) float64 {
	d := float64(sign)
	n0, n1, n2 := float64(x.pos[i-1]), float64(x.pos[i]), float64(x.pos[i+1])
	q0, q1, q2 := x.heights[i-1], x.heights[i], x.heights[i+1]
	return q1 + d/(n2-n0)*((n1-n0+d)*(q2-q1)/(n2-n1)+(n2-n1-d)*(q1-q0)/(n1-n0))
}

func (x *estimator) linear(i, sign int) float64 {
	j := i + sign
	return x.heights[i] + float64(sign)*(x.heights[j]-x.heights[i])/float64(x.pos[j]-x.pos[i])
}

func (x *estimator) value() float64 {
	switch {
	case x.count == 0:
		return 0
	case x.count < 5:
		buf := make([]float64, x.count)
		copy(buf, x.heights[:x.count])
		slices.Sort(buf)
		return buf[int(float64(x.count-1)*x.p)]
	default:
		return x.heights[2]
	}
}

// Latency summarizes connect latencies observed during an interval.
// Not safe for concurrent use.
type Latency struct {
	p50, p90, p99 estimator
	max           time.Duration
	count         int
}

// NewLatency returns an empty latency summary.
func NewLatency() *Latency {
	x := new(Latency)
	x.Reset()
	return x
}

// Observe records one latency sample.
func (x *Latency) Observe(d time.Duration) {
	v := float64(d)
	x.p50.add(v)
	x.p90.add(v)
	x.p99.add(v)
	x.max = max(x.max, d)
	x.count++
}

// Count returns the number of samples since the last Reset.
func (x *Latency) Count() int { return x.count }

// Max returns the largest sample since the last Reset.
func (x *Latency) Max() time.Duration { return x.max }

// Quantiles returns the estimated 50th, 90th and 99th percentiles.
func (x *Latency) Quantiles() (p50, p90, p99 time.Duration) {
	return time.Duration(x.p50.value()), time.Duration(x.p90.value()), time.Duration(x.p99.value())
}

func (x *Latency) Reset() {
	*x = Latency{
		p50: newEstimator(0.5),
		p90: newEstimator(0.9),
		p99: newEstimator(0.99),
	}
}
