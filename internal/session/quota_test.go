package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaDisabledWhenZero(t *testing.T) {
	q := NewQuota(0)
	q.Add("dev-1", 100000)
	assert.True(t, q.Allow("dev-1"))
}

func TestQuotaBlocksAtLimit(t *testing.T) {
	q := NewQuota(100)

	assert.True(t, q.Allow("dev-1"))
	q.Add("dev-1", 60)
	assert.True(t, q.Allow("dev-1"))
	q.Add("dev-1", 60)
	assert.False(t, q.Allow("dev-1"))

	// Other devices keep their own budget.
	assert.True(t, q.Allow("dev-2"))
}

func TestQuotaResetsAtMidnight(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 50, 0, 0, time.Local)
	q := NewQuota(10)
	q.now = func() time.Time { return now }

	q.Add("dev-1", 20)
	assert.False(t, q.Allow("dev-1"))

	// Crossing local midnight empties the counters.
	now = time.Date(2025, 6, 2, 0, 5, 0, 0, time.Local)
	assert.True(t, q.Allow("dev-1"))
	q.Add("dev-1", 3)
	assert.True(t, q.Allow("dev-1"))
}

func TestQuotaYearBoundary(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 59, 0, 0, time.Local)
	q := NewQuota(5)
	q.now = func() time.Time { return now }

	q.Add("dev-1", 5)
	assert.False(t, q.Allow("dev-1"))

	now = time.Date(2026, 1, 1, 0, 1, 0, 0, time.Local)
	assert.True(t, q.Allow("dev-1"))
}
