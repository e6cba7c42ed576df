package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse errors. All of them are configuration errors: fatal at load time and
// never retried or silently corrected.
var (
	ErrEmptySchedule   = errors.New("schedule must contain at least one clause")
	ErrMalformedClause = errors.New("malformed schedule clause")
	ErrUnknownDay      = errors.New("unknown day name")
	ErrDuplicateDay    = errors.New("duplicate day in clause")
	ErrEmptyDayRange   = errors.New("day range endpoints must differ")
	ErrMalformedTime   = errors.New("malformed time of day")
)

// dayNames accepts case-insensitive two-letter, three-letter and full English
// day names.
var dayNames = map[string]time.Weekday{
	"mo": time.Monday, "mon": time.Monday, "monday": time.Monday,
	"tu": time.Tuesday, "tue": time.Tuesday, "tuesday": time.Tuesday,
	"we": time.Wednesday, "wed": time.Wednesday, "wednesday": time.Wednesday,
	"th": time.Thursday, "thu": time.Thursday, "thursday": time.Thursday,
	"fr": time.Friday, "fri": time.Friday, "friday": time.Friday,
	"sa": time.Saturday, "sat": time.Saturday, "saturday": time.Saturday,
	"su": time.Sunday, "sun": time.Sunday, "sunday": time.Sunday,
}

// Parse reads a weekly schedule specification of semicolon-separated clauses
// of the form "<days> <hour-ranges>", e.g.
//
//	Mon 0:12-6:45; Tue-Thu 0-7:15; Fri 0-6,22:30-24; Sat,Sun 0-8
//
// Each clause lists days (single names or A-B ranges) followed by
// comma-separated hour ranges; omitted hour ranges default to 0-24. When two
// clauses name the same day, the later clause replaces the earlier one's
// ranges for that day.
func Parse(spec string) (Schedule, error) {
	schedule := make(Schedule)

	clauses := 0
	for _, clause := range strings.Split(spec, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		clauses++

		days, ranges, err := parseClause(clause)
		if err != nil {
			return nil, err
		}

		// Last clause wins per day: overwrite, never merge.
		for _, day := range days {
			schedule[day] = ranges
		}
	}

	if clauses == 0 {
		return nil, ErrEmptySchedule
	}

	return schedule, nil
}

// parseClause splits one clause into its day list and its normalized hour
// ranges.
func parseClause(clause string) ([]time.Weekday, []TimeRange, error) {
	fields := strings.Fields(clause)
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrMalformedClause, clause)
	}

	days, err := parseDays(fields[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w (clause %q)", err, clause)
	}

	// Hour ranges may contain spaces after commas; everything after the day
	// list belongs to the range list. Missing ranges default to the full day.
	rangeSpec := strings.Join(fields[1:], "")
	if rangeSpec == "" {
		rangeSpec = "0-24"
	}

	ranges, err := parseRanges(rangeSpec)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (clause %q)", err, clause)
	}

	return days, ranges, nil
}

// parseDays reads a comma-separated list of day names and A-B day ranges.
// Rejects duplicate days and ranges with equal endpoints.
func parseDays(spec string) ([]time.Weekday, error) {
	var days []time.Weekday
	seen := make(map[time.Weekday]struct{})

	add := func(day time.Weekday) error {
		if _, dup := seen[day]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateDay, day)
		}
		seen[day] = struct{}{}
		days = append(days, day)
		return nil
	}

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)

		from, to, isRange := strings.Cut(token, "-")
		if !isRange {
			day, err := parseDay(token)
			if err != nil {
				return nil, err
			}
			if err := add(day); err != nil {
				return nil, err
			}
			continue
		}

		start, err := parseDay(from)
		if err != nil {
			return nil, err
		}
		end, err := parseDay(to)
		if err != nil {
			return nil, err
		}
		if start == end {
			return nil, fmt.Errorf("%w: %s-%s", ErrEmptyDayRange, start, end)
		}

		// Day ranges wrap across the end of the week (Sat-Mon covers
		// Sat, Sun, Mon).
		for day := start; ; day = (day + 1) % 7 {
			if err := add(day); err != nil {
				return nil, err
			}
			if day == end {
				break
			}
		}
	}

	return days, nil
}

func parseDay(token string) (time.Weekday, error) {
	day, ok := dayNames[strings.ToLower(strings.TrimSpace(token))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDay, token)
	}
	return day, nil
}

// parseRanges reads comma-separated hour ranges, sorts them and rejects
// overlaps within the clause's day.
func parseRanges(spec string) ([]TimeRange, error) {
	var ranges []TimeRange

	for _, token := range strings.Split(spec, ",") {
		from, to, ok := strings.Cut(token, "-")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedClause, token)
		}

		start, err := parseTimeOfDay(from)
		if err != nil {
			return nil, err
		}
		end, err := parseTimeOfDay(to)
		if err != nil {
			return nil, err
		}

		r, err := NewTimeRange(start, end)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	return normalizeRanges(ranges)
}

// parseTimeOfDay reads "H", "H:MM" or "H:MM:SS".
func parseTimeOfDay(token string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrMalformedTime, token)
	}

	values := [3]int{}
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("%w: %q", ErrMalformedTime, token)
		}
		values[i] = value
	}

	return NewTimeOfDay(values[0], values[1], values[2])
}
