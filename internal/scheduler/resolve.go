package scheduler

import (
	"context"
	"sync"
	"time"

	"coachflow/internal/domain"
	"coachflow/internal/queue"
)

// Hard-coded fallback when neither a user override nor a global default
// row exists for a day.
const (
	fallbackHour   = 8
	fallbackMinute = 0
)

// Resolver computes per-user local time anchors: effective fire times
// (override → global default → fallback) and the Monday anchor that the
// rest of the week is offset from.
type Resolver struct {
	store     queue.Store
	defaultTZ string

	mu   sync.Mutex
	locs map[string]*time.Location
}

func NewResolver(store queue.Store, defaultTZ string) *Resolver {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Resolver{store: store, defaultTZ: defaultTZ, locs: map[string]*time.Location{}}
}

// Location resolves the user's IANA zone, falling back to the configured
// default and then UTC. Bad zone names degrade to UTC rather than erroring:
// a mistyped timezone should shift a user's prompts, not silence them.
func (r *Resolver) Location(tz string) *time.Location {
	if tz == "" {
		tz = r.defaultTZ
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc, ok := r.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	r.locs[tz] = loc
	return loc
}

// EffectiveTime resolves the fire time for (user, day). Resolution order:
// per-user override, then global per-day default, then the hard-coded
// fallback. Returns ok=false when the day is disabled at the highest
// precedence level that defines it.
func (r *Resolver) EffectiveTime(ctx context.Context, userID int64, day domain.DayKey) (hour, minute int, ok bool, err error) {
	userRules, err := r.store.ListRules(ctx, &userID)
	if err != nil {
		return 0, 0, false, err
	}
	for _, rule := range userRules {
		if rule.Day == day {
			if !rule.Enabled {
				return 0, 0, false, nil
			}
			return rule.Hour, rule.Minute, true, nil
		}
	}

	globalRules, err := r.store.ListRules(ctx, nil)
	if err != nil {
		return 0, 0, false, err
	}
	for _, rule := range globalRules {
		if rule.Day == day {
			if !rule.Enabled {
				return 0, 0, false, nil
			}
			return rule.Hour, rule.Minute, true, nil
		}
	}

	return fallbackHour, fallbackMinute, true, nil
}

// NextMondayAnchor returns the upcoming Monday at hour:minute in loc —
// today if the time is still ahead, otherwise the following Monday.
// "Week 1" of a user's programme starts at this instant; all other days
// are offsets from it, so enabling coaching mid-week yields a coherent
// Monday→Sunday sequence starting the next Monday.
func NextMondayAnchor(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	daysAhead := (int(time.Monday) - int(local.Weekday()) + 7) % 7
	anchor := time.Date(local.Year(), local.Month(), local.Day()+daysAhead, hour, minute, 0, 0, loc)
	if !anchor.After(local) {
		anchor = time.Date(local.Year(), local.Month(), local.Day()+daysAhead+7, hour, minute, 0, 0, loc)
	}
	return anchor
}

// DayFirstFire places day at its offset from the Monday anchor, at the
// day's own resolved time. Date arithmetic runs in loc so DST transitions
// inside the week keep the wall-clock time.
func DayFirstFire(anchor time.Time, day domain.DayKey, hour, minute int, loc *time.Location) time.Time {
	a := anchor.In(loc)
	return time.Date(a.Year(), a.Month(), a.Day()+day.Offset(), hour, minute, 0, 0, loc)
}
