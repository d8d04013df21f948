package scorer

import (
	"math"
	"time"
)

// IncomingLink is one parent's contribution to a URL's incoming-link
// aggregate: the parent URL's own score at the time it was discovered.
type IncomingLink struct {
	URL   string
	Score float64
}

// Result is the full breakdown of a Score call, not just the final
// weighted value — kept around for tests that assert on individual terms
// rather than the opaque sum.
type Result struct {
	Final         float64
	URLScore      float64
	TextScore     float64
	IncomingScore float64
	DepthPenalty  float64
}

// Params configures the per-domain smoothing applied to the final score.
// This UTEMA is independent of the classifier's: the classifier smooths
// fetch severity, this one smooths topical relevance, and the two must
// never share state.
type Params struct {
	Beta float64
}

func DefaultParams() Params {
	return Params{Beta: 0.0005}
}

// domainState is the per-host unbiased time-exponential moving average
// of final scores, identical in shape to the classifier's but tracking a
// different signal.
type domainState struct {
	s      float64
	n      float64
	tLast  time.Time
	inited bool
}

func (d *domainState) update(now time.Time, sample float64, beta float64) float64 {
	if !d.inited {
		d.s = sample
		d.n = 1
		d.tLast = now
		d.inited = true
		return d.s / d.n
	}
	elapsed := now.Sub(d.tLast)
	if elapsed < 0 {
		elapsed = 0
	}
	w := math.Exp(-beta * elapsed.Seconds())
	d.s = w*d.s + sample
	d.n = w*d.n + 1
	d.tLast = now
	return d.s / d.n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
