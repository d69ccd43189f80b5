package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// staggerSchedule fires first at start, then every interval after it.
// Unlike cron's ConstantDelaySchedule the first fire is pinned, which is
// what lets fast mode stagger each day's first touchpoint while keeping a
// common period.
type staggerSchedule struct {
	start time.Time
	every time.Duration
}

func (s staggerSchedule) Next(t time.Time) time.Time {
	if t.Before(s.start) {
		return s.start
	}
	elapsed := t.Sub(s.start)
	periods := elapsed/s.every + 1
	return s.start.Add(periods * s.every)
}

// fastModeSchedule compresses the weekly cadence for one day: with N
// fast minutes, day i (monday=0) first fires at now + (i+1)*N minutes and
// repeats every 7*N minutes, preserving Monday→Sunday order. Each day is
// its own trigger so it stays independently identifiable and removable.
func fastModeSchedule(now time.Time, dayIndex, fastMinutes int) cron.Schedule {
	n := time.Duration(fastMinutes) * time.Minute
	return staggerSchedule{
		start: now.Add(time.Duration(dayIndex+1) * n),
		every: 7 * n,
	}
}

// anchoredSchedule gates an inner schedule so nothing fires before the
// programme anchor. Used to hold a mid-week enablement back until the
// next Monday while keeping the inner cron spec's DST handling.
type anchoredSchedule struct {
	inner     cron.Schedule
	notBefore time.Time
}

func (s anchoredSchedule) Next(t time.Time) time.Time {
	gate := s.notBefore.Add(-time.Second)
	if t.Before(gate) {
		t = gate
	}
	return s.inner.Next(t)
}
