package generic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/credit-engine/generic"
)

func TestMonthOf(t *testing.T) {
	p := generic.MonthOf(time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, 29, p.End.Day())
	assert.True(t, p.Contains(p.Start))
	assert.True(t, p.Contains(p.End))
	assert.False(t, p.Contains(p.End.Add(time.Nanosecond)))
	assert.Equal(t, "[2024-02-01, 2024-02-29]", p.String())

	next := p.NextPeriod()
	assert.Equal(t, time.March, next.Start.Month())
	assert.Equal(t, time.January, generic.MonthOf(time.Date(2024, time.December, 5, 0, 0, 0, 0, time.UTC)).NextPeriod().Start.Month())
}

func TestEligibleForAllocation(t *testing.T) {
	at := func(y int, m time.Month, d, h int) time.Time { return time.Date(y, m, d, h, 0, 0, 0, time.UTC) }
	ptr := func(t time.Time) *time.Time { return &t }

	tests := []struct {
		name string
		last *time.Time
		now  time.Time
		want bool
	}{
		{"never allocated", nil, at(2025, time.March, 1, 0), true},
		{"same month", ptr(at(2025, time.March, 1, 0)), at(2025, time.March, 31, 23), false},
		{"a day later across months", ptr(at(2025, time.January, 31, 23)), at(2025, time.February, 1, 0), true},
		{"same month a year later", ptr(at(2024, time.March, 5, 0)), at(2025, time.March, 5, 0), true},
		{"non-UTC zone compared in UTC", ptr(time.Date(2025, time.March, 31, 20, 0, 0, 0, time.FixedZone("EST", -5*3600))), at(2025, time.April, 1, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.EligibleForAllocation(tt.last, tt.now))
		})
	}
}

func TestFixedClockSteps(t *testing.T) {
	c := generic.NewFixedClock(jan15)
	c.Step = time.Second

	assert.Equal(t, jan15, c.Now())
	assert.Equal(t, jan15.Add(time.Second), c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, jan15.Add(time.Hour+2*time.Second), c.Now())

	c.Set(jan15)
	assert.Equal(t, jan15, c.Now())
}
