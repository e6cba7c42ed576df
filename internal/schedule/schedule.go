// Package schedule implements the weekly processing-window configuration:
// value types for times of day and half-open time ranges, a parser for the
// administrator-facing schedule grammar, and the evaluator that decides
// whether processing is permitted at a given instant.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Validation errors for schedule value types.
var (
	ErrInvalidTimeOfDay = errors.New("time of day out of range")
	ErrEmptyTimeRange   = errors.New("time range must end after it starts")
	ErrOverlappingRange = errors.New("time ranges for a day must not overlap")
)

// secondsPerDay is the number of seconds in a full day; a TimeOfDay of
// exactly 24:00:00 marks the exclusive end of the day.
const secondsPerDay = 24 * 60 * 60

// TimeOfDay is an instant within a day at second granularity. The value
// 24:00:00 is permitted so that a range can extend to the end of the day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// NewTimeOfDay validates and constructs a TimeOfDay in [0:00:00, 24:00:00].
func NewTimeOfDay(hour, minute, second int) (TimeOfDay, error) {
	t := TimeOfDay{Hour: hour, Minute: minute, Second: second}
	if hour < 0 || hour > 24 ||
		minute < 0 || minute > 59 ||
		second < 0 || second > 59 ||
		(hour == 24 && (minute != 0 || second != 0)) {
		return TimeOfDay{}, fmt.Errorf("%w: %d:%02d:%02d", ErrInvalidTimeOfDay, hour, minute, second)
	}
	return t, nil
}

// Seconds returns the offset of the instant from midnight in seconds.
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// String renders the instant as H:MM:SS.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// TimeRange is a half-open interval [Start, End) within one day.
type TimeRange struct {
	Start TimeOfDay
	End   TimeOfDay
}

// NewTimeRange validates and constructs a non-empty TimeRange. Equal
// endpoints denote an empty interval and are rejected.
func NewTimeRange(start, end TimeOfDay) (TimeRange, error) {
	if end.Seconds() <= start.Seconds() {
		return TimeRange{}, fmt.Errorf("%w: %s-%s", ErrEmptyTimeRange, start, end)
	}
	return TimeRange{Start: start, End: end}, nil
}

// Contains reports whether the instant falls inside the half-open interval.
func (r TimeRange) Contains(t TimeOfDay) bool {
	s := t.Seconds()
	return s >= r.Start.Seconds() && s < r.End.Seconds()
}

// Overlaps reports whether two half-open intervals share any instant.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start.Seconds() < other.End.Seconds() && other.Start.Seconds() < r.End.Seconds()
}

// String renders the range as start-end.
func (r TimeRange) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}

// Schedule maps each configured day of week to its sorted, pairwise
// non-overlapping list of permitted ranges. Days without an entry permit no
// processing at all.
type Schedule map[time.Weekday][]TimeRange

// normalizeRanges sorts the ranges by start time and rejects overlaps.
// Unordered input is accepted; overlapping input is not.
func normalizeRanges(ranges []TimeRange) ([]TimeRange, error) {
	sorted := make([]TimeRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Seconds() < sorted[j].Start.Seconds()
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Overlaps(sorted[i]) {
			return nil, fmt.Errorf("%w: %s and %s", ErrOverlappingRange, sorted[i-1], sorted[i])
		}
	}

	return sorted, nil
}

// Contains reports whether the given instant falls inside a configured range
// for its day of week.
func (s Schedule) Contains(now time.Time) bool {
	ranges, ok := s[now.Weekday()]
	if !ok {
		return false
	}

	tod := TimeOfDay{Hour: now.Hour(), Minute: now.Minute(), Second: now.Second()}
	for _, r := range ranges {
		if r.Contains(tod) {
			return true
		}
	}
	return false
}

// Evaluator answers whether processing is currently permitted. An inactive
// evaluator treats the window as closed at every instant regardless of the
// configured ranges.
type Evaluator struct {
	active   bool
	schedule Schedule
}

// NewEvaluator constructs an Evaluator over a parsed schedule.
func NewEvaluator(active bool, schedule Schedule) *Evaluator {
	return &Evaluator{active: active, schedule: schedule}
}

// WindowOpen reports whether processing is permitted at the given instant.
func (e *Evaluator) WindowOpen(now time.Time) bool {
	if !e.active {
		return false
	}
	return e.schedule.Contains(now)
}
