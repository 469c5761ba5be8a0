package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crosslist/autopilot/internal/domain"
)

// continuousFloor is the lower bound on a continuous schedule's interval.
const continuousFloor = 60 * time.Second

// continuousJitter is the signed jitter fraction applied to continuous runs.
const continuousJitter = 0.10

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron rejects bad expressions at rule-creation time.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes a schedule's next firing strictly after now. Cron and
// time_of_day evaluate in the schedule's zone; the result is UTC.
func NextRun(s *domain.AutomationSchedule, now time.Time, rng *rand.Rand) (time.Time, error) {
	switch s.Type {
	case domain.ScheduleCron:
		loc, err := loadZone(s.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil

	case domain.ScheduleInterval:
		minutes := s.IntervalMinutes
		if minutes < 1 {
			minutes = 1
		}
		return now.Add(time.Duration(minutes) * time.Minute).UTC(), nil

	case domain.ScheduleContinuous:
		base := time.Duration(s.IntervalSeconds) * time.Second
		if base < continuousFloor {
			base = continuousFloor
		}
		jitter := 1.0
		if rng != nil {
			jitter = 1 + (rng.Float64()*2-1)*continuousJitter
		}
		return now.Add(time.Duration(float64(base) * jitter)).UTC(), nil

	case domain.ScheduleTimeOfDay:
		loc, err := loadZone(s.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		if len(s.Hours) == 0 {
			return time.Time{}, fmt.Errorf("time_of_day schedule %d has no hours", s.ID)
		}
		local := now.In(loc)
		for _, h := range s.Hours {
			if h > local.Hour() {
				return time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc).UTC(), nil
			}
		}
		// No hour left today; first hour tomorrow.
		tomorrow := local.AddDate(0, 0, 1)
		h := s.Hours[0]
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), h, 0, 0, 0, loc).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", s.Type)
}

func loadZone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
