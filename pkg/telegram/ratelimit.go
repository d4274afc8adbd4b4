package telegram

import "time"

// burstWindow is the short window the burst cap applies to.
const burstWindow = 5 * time.Second

// rateLimiter is a sliding-window limiter per chat: a per-minute cap
// plus a short burst cap. The Nth message inside a window is allowed,
// the N+1th is rejected.
type rateLimiter struct {
	perMinute int
	burst     int
	now       func() time.Time
	buckets   map[int64][]time.Time
}

func newRateLimiter(perMinute, burst int, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		burst:     burst,
		now:       now,
		buckets:   map[int64][]time.Time{},
	}
}

// Allow records and admits a message unless a cap is hit. Rejected
// messages are not recorded, so they do not extend the window.
func (l *rateLimiter) Allow(chatID int64) bool {
	if l.perMinute <= 0 {
		return true
	}
	now := l.now()
	cutoff := now.Add(-time.Minute)

	entries := l.buckets[chatID][:0:0]
	for _, ts := range l.buckets[chatID] {
		if !ts.Before(cutoff) {
			entries = append(entries, ts)
		}
	}

	if len(entries) >= l.perMinute {
		l.buckets[chatID] = entries
		return false
	}

	if l.burst > 0 {
		burstCutoff := now.Add(-burstWindow)
		burstCount := 0
		for _, ts := range entries {
			if !ts.Before(burstCutoff) {
				burstCount++
			}
		}
		if burstCount >= l.burst {
			l.buckets[chatID] = entries
			return false
		}
	}

	l.buckets[chatID] = append(entries, now)
	return true
}
