// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Recording search synchronization.
package main

import (
	"context"
	"fmt"
)

// getRecordingTags builds the search tags for a recording document.
func getRecordingTags(meetingID, tenantAlias string, recording bbbRecording) []string {
	return []string{
		recording.RecordID,
		fmt.Sprintf("meeting_id:%s", meetingID),
		fmt.Sprintf("tenant_alias:%s", tenantAlias),
	}
}

// syncRecordings publishes indexer messages for the given live recordings of a
// meeting. Recording state lives on the BBB server, so the index is refreshed
// opportunistically whenever a recordings listing passes through the service.
func syncRecordings(ctx context.Context, meeting *MeetingRecord, recordings []bbbRecording) {
	funcLogger := logger.With("meeting_id", meeting.ID)

	for _, recording := range recordings {
		// Recordings still being processed by BBB are not searchable yet.
		if recording.State != "" && recording.State != "published" && recording.State != "unpublished" {
			continue
		}

		document := buildRecordingSearchDocument(meeting.ID, meeting.TenantAlias, recording)

		mappingKey := fmt.Sprintf("recordings.%s", recording.RecordID)
		indexerAction := MessageActionCreated
		if entry, err := mappingsKV.Get(ctx, mappingKey); err == nil && !isTombstonedMapping(entry.Value()) {
			indexerAction = MessageActionUpdated
		}

		tags := getRecordingTags(meeting.ID, meeting.TenantAlias, recording)
		if err := sendIndexerMessage(ctx, IndexMeetingRecordingSubject, indexerAction, document, tags); err != nil {
			funcLogger.With(errKey, err, "record_id", recording.RecordID).ErrorContext(ctx, "failed to send recording indexer message")
			continue
		}

		if _, err := mappingsKV.Put(ctx, mappingKey, []byte("1")); err != nil {
			funcLogger.With(errKey, err, "record_id", recording.RecordID).WarnContext(ctx, "failed to store recording mapping")
		}
	}
}
