package odometry

import "gonum.org/v1/gonum/stat"

// rollingMean averages the last window samples.
type rollingMean struct {
	buf  []float64
	next int
	full bool
}

func newRollingMean(window int) *rollingMean {
	if window < 1 {
		window = 1
	}
	return &rollingMean{buf: make([]float64, window)}
}

func (r *rollingMean) accumulate(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *rollingMean) mean() float64 {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0
	}
	return stat.Mean(r.buf[:n], nil)
}

func (r *rollingMean) reset() {
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.next = 0
	r.full = false
}
