// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Recurrence expansion for scheduled meetings.
package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// typeName maps recurrence type 1/2/3 to the RRULE frequency name.
var typeName = []string{"daily", "weekly", "monthly"}

// weekdaysABBRV maps weekday 1 (Sunday) through 7 (Saturday) to the RRULE
// weekday abbreviation.
var weekdaysABBRV = []string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// getRRule returns the recurrence rule for a meeting recurrence as a string
func getRRule(recurrence MeetingRecurrence) (string, error) {
	var rule strings.Builder

	if recurrence.Type < 1 || recurrence.Type > 3 {
		return "", fmt.Errorf("invalid recurrence type: %d", recurrence.Type)
	}

	rule.WriteString(fmt.Sprintf("FREQ=%s;", strings.ToUpper(typeName[recurrence.Type-1])))
	rule.WriteString("WKST=SU;")

	if recurrence.RepeatInterval != 0 {
		rule.WriteString(fmt.Sprintf("INTERVAL=%d;", recurrence.RepeatInterval))
	}

	if recurrence.WeeklyDays != "" {
		s, err := parseByDay(recurrence.WeeklyDays)
		if err != nil {
			return "", err
		}
		rule.WriteString(fmt.Sprintf("BYDAY=%s;", s))
	} else if recurrence.MonthlyWeek != 0 && recurrence.MonthlyWeekDay != 0 {
		rule.WriteString(fmt.Sprintf("BYDAY=%d%s;", recurrence.MonthlyWeek, weekdaysABBRV[recurrence.MonthlyWeekDay-1]))
	}

	if recurrence.MonthlyDay != 0 {
		switch recurrence.MonthlyDay {
		case 29:
			rule.WriteString("BYMONTHDAY=28,29;BYSETPOS=-1;") // fall back to the 28th on months with 28 days if recurrence set to every 29th
		case 30:
			rule.WriteString("BYMONTHDAY=28,29,30;BYSETPOS=-1;")
		case 31:
			rule.WriteString("BYMONTHDAY=28,29,30,31;BYSETPOS=-1;")
		default:
			rule.WriteString(fmt.Sprintf("BYMONTHDAY=%d;", recurrence.MonthlyDay))
		}
	}

	if recurrence.EndDateTime != "" {
		t, err := time.Parse(time.RFC3339, recurrence.EndDateTime)
		if err != nil {
			return "", fmt.Errorf("failed to parse recurrence end_date_time %s: %w", recurrence.EndDateTime, err)
		}
		rule.WriteString(fmt.Sprintf("UNTIL=%s;", t.Format("20060102T150405Z")))
	} else if recurrence.EndTimes != 0 {
		rule.WriteString(fmt.Sprintf("COUNT=%d;", recurrence.EndTimes))
	}

	return strings.TrimSuffix(rule.String(), ";"), nil
}

// parseByDay takes a list of weekdays as a string and returns the list of
// abbreviations as a string where 1 is Sunday and 7 is Saturday
// (e.g. "2,3,6" -> "MO,TU,FR")
func parseByDay(days string) (string, error) {
	stringSlice := strings.Split(days, ",")
	var weekdays strings.Builder
	emitted := 0
	for _, item := range stringSlice {
		weekdayNum, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil {
			return "", err
		}
		// A weekday can only be 1-7. Skip numbers that are not in this range.
		if weekdayNum < 1 || weekdayNum > 7 {
			continue
		}
		// Except for the first emitted weekday, there should be a comma before
		// each subsequent weekday. Keyed on the emitted count, not the input
		// index, so skipped values do not leave a leading comma.
		if emitted > 0 {
			weekdays.WriteString(",")
		}
		weekdays.WriteString(weekdaysABBRV[weekdayNum-1])
		emitted++
	}
	return weekdays.String(), nil
}

// timeInLocation converts t into the named IANA timezone.
func timeInLocation(t time.Time, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// getOccurrenceSet builds the rrule set for a recurrence pattern anchored at
// the given start time, optionally shifted into a timezone.
func getOccurrenceSet(startTime time.Time, timezone string, recurrence *MeetingRecurrence) (*rrule.Set, error) {
	ruleString, err := getRRule(*recurrence)
	if err != nil {
		return nil, err
	}

	if timezone != "" {
		startTime, err = timeInLocation(startTime, timezone)
		if err != nil {
			return nil, err
		}
	}

	set := &rrule.Set{}
	r, err := rrule.StrToRRule(ruleString)
	if err != nil {
		return nil, err
	}
	r.DTStart(startTime)
	set.RRule(r)

	return set, nil
}

// getOccurrences given a start time, optional timezone, and recurrence
// pattern, calculates and returns the list of occurrence times
func getOccurrences(startTime time.Time, timezone string, recurrence *MeetingRecurrence) ([]time.Time, error) {
	set, err := getOccurrenceSet(startTime, timezone, recurrence)
	if err != nil {
		return nil, err
	}
	return set.All(), nil
}

// nextOccurrence returns the first occurrence of the recurrence at or after
// the given reference time. The boolean return is false when the series has
// ended, the start time is unparseable, or the recurrence is invalid (bad
// recurrence data is logged upstream, never fatal).
func nextOccurrence(recurrence *MeetingRecurrence, startTime string, after time.Time) (time.Time, bool) {
	if recurrence == nil || startTime == "" {
		return time.Time{}, false
	}

	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return time.Time{}, false
	}

	set, err := getOccurrenceSet(start, "", recurrence)
	if err != nil {
		return time.Time{}, false
	}

	// After walks the series lazily, so unbounded recurrences (no UNTIL or
	// COUNT) stay cheap.
	next := set.After(after, true)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
