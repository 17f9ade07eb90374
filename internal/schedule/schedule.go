// Package schedule holds the declarative schedule value and the group
// dependency validation used at configuration time.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is either an interval or a 5-field cron expression. The zero
// value means "no automatic firing".
type Schedule struct {
	Interval time.Duration
	Cron     string
}

// Every declares an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Interval: d}
}

func EverySeconds(n int) Schedule { return Every(time.Duration(n) * time.Second) }
func EveryMinutes(n int) Schedule { return Every(time.Duration(n) * time.Minute) }
func EveryHours(n int) Schedule   { return Every(time.Duration(n) * time.Hour) }

// Cron declares a 5-field cron schedule.
func Cron(expr string) Schedule {
	return Schedule{Cron: expr}
}

// Minutely is the smallest cron granularity, firing at the top of every
// minute.
func Minutely() Schedule { return Cron("* * * * *") }

func (s Schedule) IsZero() bool     { return s.Interval == 0 && s.Cron == "" }
func (s Schedule) IsInterval() bool { return s.Interval > 0 && s.Cron == "" }
func (s Schedule) IsCron() bool     { return s.Cron != "" }

func (s Schedule) Validate() error {
	switch {
	case s.Cron != "" && s.Interval != 0:
		return fmt.Errorf("%w: both cron and interval set", ErrInvalidSchedule)
	case s.Cron != "":
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, s.Cron, err)
		}
	case s.Interval < 0:
		return fmt.Errorf("%w: negative interval %s", ErrInvalidSchedule, s.Interval)
	}
	return nil
}

// minuteDivisors are the interval widths expressible as a */n minute field.
var minuteDivisors = []int{1, 2, 3, 4, 5, 6, 10, 12, 15, 20, 30}

// hourDivisors are the same for the hour field.
var hourDivisors = []int{1, 2, 3, 4, 6, 8, 12}

// ToCron renders the schedule as a 5-field cron expression. Intervals that
// do not divide the hour evenly snap to the nearest minute divisor of 60;
// hour-scale intervals snap to the nearest divisor of 24.
func (s Schedule) ToCron() string {
	if s.Cron != "" {
		return s.Cron
	}

	minutes := int(math.Round(s.Interval.Minutes()))
	if minutes <= 1 {
		return "* * * * *"
	}
	if minutes < 60 {
		return fmt.Sprintf("*/%d * * * *", nearest(minuteDivisors, minutes))
	}

	hours := int(math.Round(s.Interval.Hours()))
	if hours >= 24 {
		return "0 0 * * *"
	}
	if hours <= 1 {
		return "0 * * * *"
	}
	return fmt.Sprintf("0 */%d * * *", nearest(hourDivisors, hours))
}

func nearest(divisors []int, n int) int {
	best := divisors[0]
	for _, d := range divisors {
		if abs(d-n) < abs(best-n) {
			best = d
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// NextCronFire computes the first fire time of a cron expression strictly
// after the given instant.
func NextCronFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched.Next(after), nil
}
