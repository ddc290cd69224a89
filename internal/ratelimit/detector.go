package ratelimit

import "time"

// LooksAutomated reports whether recent events look scripted: more than
// BurstCount events inside BurstWindow, or near-constant spacing across
// the last MinGaps gaps. It is advisory and never blocks.
func (l *Limiter) LooksAutomated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.evict(now)
	return l.looksAutomated(now)
}

// looksAutomated must be called with l.mu held.
func (l *Limiter) looksAutomated(now time.Time) bool {
	recent := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		if now.Sub(l.events[i].at) >= l.cfg.BurstWindow {
			break
		}
		recent++
	}
	if recent > l.cfg.BurstCount {
		return true
	}

	if len(l.events) < l.cfg.MinGaps+1 {
		return false
	}
	tail := l.events[len(l.events)-l.cfg.MinGaps-1:]
	gaps := make([]float64, 0, l.cfg.MinGaps)
	for i := 1; i < len(tail); i++ {
		gaps = append(gaps, float64(tail[i].at.Sub(tail[i-1].at))/float64(time.Millisecond))
	}
	return variance(gaps) < l.cfg.VarianceThreshold
}

// variance is the population variance of xs.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
