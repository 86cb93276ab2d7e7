// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMeetingSearchDocument(t *testing.T) {
	meeting := &MeetingRecord{
		ID:           "m-1",
		TenantAlias:  "t1",
		DisplayName:  "Weekly Sync",
		Description:  "Team status meeting",
		Visibility:   VisibilityLoggedIn,
		ChatEnabled:  true,
		ContactList:  false,
		StartTime:    "2026-08-24T09:00:00Z",
		Created:      "2026-08-01T00:00:00Z",
		LastModified: "2026-08-20T00:00:00Z",
	}

	document := buildMeetingSearchDocument(meeting)

	assert.Equal(t, "m-1", document.ID)
	assert.Equal(t, resourceTypeMeeting, document.ResourceType)
	assert.Equal(t, "t1", document.TenantAlias)
	assert.Equal(t, "Weekly Sync", document.QHigh)
	assert.Equal(t, "Team status meeting", document.QLow)
	assert.Equal(t, "weekly sync", document.Sort)
	assert.Equal(t, VisibilityLoggedIn, document.Visibility)
	assert.Equal(t, true, document.Extra["chat_enabled"])
	assert.Equal(t, false, document.Extra["contact_list"])
	assert.Equal(t, "2026-08-24T09:00:00Z", document.Extra["start_time"])
	assert.NotContains(t, document.Extra, "recurrence")
}

func TestBuildMeetingSearchDocumentRecurrence(t *testing.T) {
	meeting := &MeetingRecord{
		ID:          "m-1",
		DisplayName: "Weekly Sync",
		StartTime:   "2026-08-24T09:00:00Z",
		Recurrence:  &MeetingRecurrence{Type: 2, WeeklyDays: "2"},
	}

	document := buildMeetingSearchDocument(meeting)
	assert.Contains(t, document.Extra, "recurrence")
}

func TestBuildRecordingSearchDocument(t *testing.T) {
	recording := bbbRecording{
		RecordID:  "rec-1",
		Name:      "Weekly Sync",
		Published: true,
		StartTime: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC).UnixMilli(),
		EndTime:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC).UnixMilli(),
		Playback: []bbbPlaybackFormat{
			{Type: "video", URL: "https://bbb.example.org/video/rec-1"},
			{Type: "presentation", URL: "https://bbb.example.org/playback/rec-1"},
		},
	}

	document := buildRecordingSearchDocument("m-1", "t1", recording)

	assert.Equal(t, "rec-1", document.ID)
	assert.Equal(t, resourceTypeRecording, document.ResourceType)
	assert.Equal(t, "m-1", document.MeetingID)
	assert.Equal(t, "Weekly Sync", document.DisplayName)
	assert.Equal(t, "https://bbb.example.org/playback/rec-1", document.PlaybackURL)
	assert.Equal(t, "2026-08-24T09:00:00Z", document.StartTime)
	assert.Equal(t, "2026-08-24T10:00:00Z", document.EndTime)
	assert.True(t, document.Published)
}

func TestBuildRecordingSearchDocumentNameless(t *testing.T) {
	document := buildRecordingSearchDocument("m-1", "t1", bbbRecording{RecordID: "rec-1"})
	assert.Equal(t, "Recording rec-1", document.DisplayName)
	assert.Empty(t, document.StartTime)
	assert.Empty(t, document.PlaybackURL)
}

func TestTransformMeetingDocument(t *testing.T) {
	document := MeetingSearchDocument{
		ID:           "m-1",
		ResourceType: resourceTypeMeeting,
		TenantAlias:  "t1",
		DisplayName:  "Weekly Sync",
		Visibility:   VisibilityPublic,
		LastModified: "2026-08-20T00:00:00Z",
	}

	result := transformMeetingDocument(document)

	assert.Equal(t, "m-1", result.ID)
	assert.Equal(t, "/meeting/t1/m-1", result.ProfilePath)
	assert.Empty(t, result.NextOccurrence)
}

func TestTransformMeetingDocumentNextOccurrence(t *testing.T) {
	// A daily recurrence with no end always has an upcoming occurrence.
	start := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	document := MeetingSearchDocument{
		ID:          "m-1",
		TenantAlias: "t1",
		DisplayName: "Daily Standup",
		Extra: map[string]any{
			"start_time": start.Format(time.RFC3339),
			"recurrence": map[string]any{"type": 1, "end_times": 365},
		},
	}

	result := transformMeetingDocument(document)
	require.NotEmpty(t, result.NextOccurrence)

	next, err := time.Parse(time.RFC3339, result.NextOccurrence)
	require.NoError(t, err)
	assert.False(t, next.Before(time.Now().Add(-24*time.Hour)))
}

func TestTransformMeetingDocumentBadRecurrence(t *testing.T) {
	// Corrupt recurrence data must never fail the transform.
	document := MeetingSearchDocument{
		ID:          "m-1",
		TenantAlias: "t1",
		Extra: map[string]any{
			"start_time": "not-a-time",
			"recurrence": map[string]any{"type": 99},
		},
	}

	result := transformMeetingDocument(document)
	assert.Equal(t, "m-1", result.ID)
	assert.Empty(t, result.NextOccurrence)
}

func TestBuildMessageSearchDocumentAnonymousAuthor(t *testing.T) {
	message := &MessageRecord{
		ID:          "msg-1",
		MeetingID:   "m-1",
		TenantAlias: "t1",
		Body:        "hello world",
		Created:     "2026-08-24T09:00:00Z",
	}

	document := buildMessageSearchDocument(t.Context(), message)

	assert.Equal(t, "msg-1", document.ID)
	assert.Equal(t, resourceTypeMessage, document.ResourceType)
	assert.Equal(t, "m-1", document.MeetingID)
	assert.Equal(t, "hello world", document.QHigh)
	assert.Empty(t, document.AuthorName)
	assert.Equal(t, "2026-08-24T09:00:00Z", document.Sort)
}
