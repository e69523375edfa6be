package tailer

import "time"

const (
	progressMinInterval = 100 * time.Millisecond
	progressMinDelta    = 1.0
)

// Reporter delivers 0-100 completion ratios to a callback during large
// backfills, throttled by both elapsed time and minimum progress delta so
// consumers are not flooded. Terminal progress (>= 100) is always
// delivered.
type Reporter struct {
	callback   func(pct float64)
	lastUpdate time.Time
	lastPct    float64
}

// NewReporter wraps callback; a nil callback yields a no-op reporter.
func NewReporter(callback func(pct float64)) *Reporter {
	return &Reporter{callback: callback}
}

// Update reports processed/total as a percentage.
func (r *Reporter) Update(processed, total int) {
	if total <= 0 {
		return
	}
	r.Report(100 * float64(processed) / float64(total))
}

// Report delivers pct to the callback if enough time has passed or the
// progress moved enough since the last delivery.
func (r *Reporter) Report(pct float64) {
	if r.callback == nil {
		return
	}
	now := time.Now()
	delta := pct - r.lastPct
	if delta < 0 {
		delta = -delta
	}
	if pct < 100 && now.Sub(r.lastUpdate) <= progressMinInterval && delta <= progressMinDelta {
		return
	}
	r.callback(pct)
	r.lastUpdate = now
	r.lastPct = pct
}
