package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// PreferenceResolver applies stored notification preferences.
type PreferenceResolver struct {
	store storage.PreferenceStore
	log   *logrus.Entry
}

// Ensure PreferenceResolver implements ScheduleResolver
var _ ScheduleResolver = (*PreferenceResolver)(nil)

func NewPreferenceResolver(store storage.PreferenceStore, log *logrus.Entry) *PreferenceResolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PreferenceResolver{store: store, log: log.WithField("component", "preferences")}
}

// ResolveSchedule returns now, or the end of the user's quiet hours when now
// falls inside them. Users without a preference are reachable immediately.
func (r *PreferenceResolver) ResolveSchedule(ctx context.Context, userID string, channel models.Channel, now time.Time) (time.Time, bool, error) {
	if userID == "" {
		return now, true, nil
	}

	pref, err := r.store.GetPreference(ctx, userID, channel)
	if errors.Is(err, storage.ErrNotFound) {
		return now, true, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !pref.Enabled {
		return time.Time{}, false, nil
	}
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return now, true, nil
	}

	loc := time.UTC
	if pref.Timezone != "" {
		if l, err := time.LoadLocation(pref.Timezone); err == nil {
			loc = l
		} else {
			r.log.WithField("user_id", userID).Warnf("Unknown timezone %q, using UTC", pref.Timezone)
		}
	}

	start, err1 := parseClock(pref.QuietHoursStart)
	end, err2 := parseClock(pref.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		r.log.WithField("user_id", userID).Warnf("Ignoring malformed quiet hours %s-%s", pref.QuietHoursStart, pref.QuietHoursEnd)
		return now, true, nil
	}

	return QuietHoursEnd(now, start, end, loc), true, nil
}

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// QuietHoursEnd returns when the quiet period [start, end) containing now
// ends, or now when it is outside the period. start and end are minutes
// after midnight in loc; start > end spans midnight.
func QuietHoursEnd(now time.Time, start, end int, loc *time.Location) time.Time {
	if start == end {
		return now
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	at := func(dayOffset, minutes int) time.Time {
		return time.Date(midnight.Year(), midnight.Month(), midnight.Day()+dayOffset, minutes/60, minutes%60, 0, 0, loc)
	}

	if start < end {
		if minute >= start && minute < end {
			return at(0, end)
		}
		return now
	}

	switch {
	case minute >= start:
		return at(1, end)
	case minute < end:
		return at(0, end)
	default:
		return now
	}
}
