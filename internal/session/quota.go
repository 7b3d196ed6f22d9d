package session

import (
	"sync"
	"time"
)

// Quota tracks assistant output characters per device per day. Counters
// reset at local midnight. A zero limit disables the quota entirely.
type Quota struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	day    int // year*1000 + day-of-year of the counters
	now    func() time.Time
}

func NewQuota(limit int) *Quota {
	return &Quota{
		limit:  limit,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func dayKey(t time.Time) int {
	return t.Year()*1000 + t.YearDay()
}

// rollover discards counters from a previous day. Caller holds the lock.
func (q *Quota) rollover() {
	today := dayKey(q.now())
	if q.day != today {
		q.day = today
		q.counts = make(map[string]int)
	}
}

// Allow reports whether the device still has budget left today.
func (q *Quota) Allow(deviceID string) bool {
	if q.limit <= 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.counts[deviceID] < q.limit
}

// Add records n output characters against the device's daily budget.
func (q *Quota) Add(deviceID string, n int) {
	if q.limit <= 0 || n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	q.counts[deviceID] += n
}
