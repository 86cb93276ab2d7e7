// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRRuleDaily(t *testing.T) {
	rule, err := getRRule(MeetingRecurrence{Type: 1, RepeatInterval: 2, EndTimes: 5})
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;WKST=SU;INTERVAL=2;COUNT=5", rule)
}

func TestGetRRuleWeekly(t *testing.T) {
	rule, err := getRRule(MeetingRecurrence{Type: 2, RepeatInterval: 1, WeeklyDays: "2,4,6"})
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY;WKST=SU;INTERVAL=1;BYDAY=MO,WE,FR", rule)
}

func TestGetRRuleMonthlyByDay(t *testing.T) {
	rule, err := getRRule(MeetingRecurrence{Type: 3, MonthlyWeek: 2, MonthlyWeekDay: 3})
	require.NoError(t, err)
	assert.Equal(t, "FREQ=MONTHLY;WKST=SU;BYDAY=2TU", rule)
}

func TestGetRRuleMonthlyDayFallbacks(t *testing.T) {
	// Days 29-31 do not exist in every month; the rule falls back to the last
	// existing day via BYSETPOS.
	tests := []struct {
		day      int
		expected string
	}{
		{15, "FREQ=MONTHLY;WKST=SU;BYMONTHDAY=15"},
		{29, "FREQ=MONTHLY;WKST=SU;BYMONTHDAY=28,29;BYSETPOS=-1"},
		{30, "FREQ=MONTHLY;WKST=SU;BYMONTHDAY=28,29,30;BYSETPOS=-1"},
		{31, "FREQ=MONTHLY;WKST=SU;BYMONTHDAY=28,29,30,31;BYSETPOS=-1"},
	}
	for _, tc := range tests {
		rule, err := getRRule(MeetingRecurrence{Type: 3, MonthlyDay: tc.day})
		require.NoError(t, err)
		assert.Equal(t, tc.expected, rule)
	}
}

func TestGetRRuleEndDateTime(t *testing.T) {
	rule, err := getRRule(MeetingRecurrence{Type: 1, EndDateTime: "2026-12-31T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "FREQ=DAILY;WKST=SU;UNTIL=20261231T100000Z", rule)
}

func TestGetRRuleInvalidType(t *testing.T) {
	_, err := getRRule(MeetingRecurrence{Type: 0})
	assert.Error(t, err)

	_, err = getRRule(MeetingRecurrence{Type: 4})
	assert.Error(t, err)
}

func TestParseByDay(t *testing.T) {
	s, err := parseByDay("2,3,6")
	require.NoError(t, err)
	assert.Equal(t, "MO,TU,FR", s)

	s, err = parseByDay("1")
	require.NoError(t, err)
	assert.Equal(t, "SU", s)

	// Out-of-range values are skipped.
	s, err = parseByDay("9")
	require.NoError(t, err)
	assert.Equal(t, "", s)

	// A skipped leading value must not leave a leading comma behind.
	s, err = parseByDay("9,2")
	require.NoError(t, err)
	assert.Equal(t, "MO", s)

	_, err = parseByDay("monday")
	assert.Error(t, err)
}

func TestGetOccurrencesWeekly(t *testing.T) {
	start := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC) // a Monday
	recurrence := &MeetingRecurrence{Type: 2, WeeklyDays: "2", EndTimes: 3}

	occurrences, err := getOccurrences(start, "", recurrence)
	require.NoError(t, err)
	require.Len(t, occurrences, 3)
	assert.Equal(t, start, occurrences[0])
	assert.Equal(t, start.AddDate(0, 0, 7), occurrences[1])
	assert.Equal(t, start.AddDate(0, 0, 14), occurrences[2])
}

func TestNextOccurrence(t *testing.T) {
	recurrence := &MeetingRecurrence{Type: 1, EndTimes: 10}
	start := "2026-08-01T09:00:00Z"

	next, ok := nextOccurrence(recurrence, start, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceUnbounded(t *testing.T) {
	// Daily recurrence with no UNTIL or COUNT: the next occurrence is found
	// without walking the years of occurrences between start and the reference
	// time.
	recurrence := &MeetingRecurrence{Type: 1}
	start := "2020-01-01T09:00:00Z"

	next, ok := nextOccurrence(recurrence, start, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC), next)
}

func TestNextOccurrenceSeriesEnded(t *testing.T) {
	recurrence := &MeetingRecurrence{Type: 1, EndTimes: 2}
	start := "2026-08-01T09:00:00Z"

	_, ok := nextOccurrence(recurrence, start, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestNextOccurrenceBadInput(t *testing.T) {
	_, ok := nextOccurrence(nil, "2026-08-01T09:00:00Z", time.Now())
	assert.False(t, ok)

	_, ok = nextOccurrence(&MeetingRecurrence{Type: 1}, "not-a-time", time.Now())
	assert.False(t, ok)

	_, ok = nextOccurrence(&MeetingRecurrence{Type: 9}, "2026-08-01T09:00:00Z", time.Now())
	assert.False(t, ok)
}
