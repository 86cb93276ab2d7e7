// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Search document producers and the display transformer.
//
// The producers turn synced records into the documents the indexer service
// stores. The transformer runs the other way: given indexed meeting documents,
// it returns the display shape the UI renders, with the next occurrence of
// recurring meetings computed on the fly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Resource type discriminators used in search documents.
const (
	resourceTypeMeeting   = "meeting"
	resourceTypeMessage   = "meeting-message"
	resourceTypeRecording = "meeting-recording"
)

// buildMeetingSearchDocument produces the indexer document for a meeting record.
func buildMeetingSearchDocument(meeting *MeetingRecord) MeetingSearchDocument {
	extra := map[string]any{
		"chat_enabled": meeting.ChatEnabled,
		"contact_list": meeting.ContactList,
	}
	if meeting.StartTime != "" {
		extra["start_time"] = meeting.StartTime
	}
	if meeting.Recurrence != nil {
		extra["recurrence"] = meeting.Recurrence
	}

	return MeetingSearchDocument{
		ID:           meeting.ID,
		ResourceType: resourceTypeMeeting,
		TenantAlias:  meeting.TenantAlias,
		DisplayName:  meeting.DisplayName,
		Description:  meeting.Description,
		Visibility:   meeting.Visibility,
		QHigh:        meeting.DisplayName,
		QLow:         meeting.Description,
		Sort:         strings.ToLower(meeting.DisplayName),
		DateCreated:  meeting.Created,
		LastModified: meeting.LastModified,
		Extra:        extra,
	}
}

// buildMessageSearchDocument produces the indexer document for a chat message.
// The author display name is resolved through the platform principal cache so
// search results can render it without another lookup.
func buildMessageSearchDocument(ctx context.Context, message *MessageRecord) MessageSearchDocument {
	authorName := ""
	if message.CreatedBy != "" {
		if principal, err := getPrincipalData(ctx, message.CreatedBy); err == nil {
			authorName = principal.DisplayName
		} else {
			logger.With(errKey, err, "principal_id", message.CreatedBy).DebugContext(ctx, "failed to resolve message author")
		}
	}

	return MessageSearchDocument{
		ID:           message.ID,
		ResourceType: resourceTypeMessage,
		MeetingID:    message.MeetingID,
		TenantAlias:  message.TenantAlias,
		Body:         message.Body,
		QHigh:        message.Body,
		CreatedBy:    message.CreatedBy,
		AuthorName:   authorName,
		Sort:         message.Created,
		DateCreated:  message.Created,
	}
}

// buildRecordingSearchDocument produces the indexer document for a BBB recording.
func buildRecordingSearchDocument(meetingID, tenantAlias string, recording bbbRecording) RecordingSearchDocument {
	displayName := recording.Name
	if displayName == "" {
		displayName = "Recording " + recording.RecordID
	}

	document := RecordingSearchDocument{
		ID:           recording.RecordID,
		ResourceType: resourceTypeRecording,
		MeetingID:    meetingID,
		TenantAlias:  tenantAlias,
		DisplayName:  displayName,
		QHigh:        displayName,
		PlaybackURL:  recording.playbackURL(),
		Published:    recording.Published,
	}

	// BBB reports recording times as Unix milliseconds.
	if recording.StartTime > 0 {
		document.StartTime = time.UnixMilli(recording.StartTime).UTC().Format(time.RFC3339)
	}
	if recording.EndTime > 0 {
		document.EndTime = time.UnixMilli(recording.EndTime).UTC().Format(time.RFC3339)
	}

	return document
}

// transformMeetingDocument converts one indexed meeting document into its
// display shape.
func transformMeetingDocument(document MeetingSearchDocument) MeetingSearchResult {
	result := MeetingSearchResult{
		ID:           document.ID,
		ResourceType: document.ResourceType,
		TenantAlias:  document.TenantAlias,
		DisplayName:  document.DisplayName,
		Description:  document.Description,
		Visibility:   document.Visibility,
		ProfilePath:  fmt.Sprintf("/meeting/%s/%s", document.TenantAlias, document.ID),
		LastModified: document.LastModified,
	}

	// Recurring meetings advertise their next session start.
	if rawRecurrence, ok := document.Extra["recurrence"]; ok {
		recurrenceBytes, err := json.Marshal(rawRecurrence)
		if err == nil {
			var recurrence MeetingRecurrence
			if err := json.Unmarshal(recurrenceBytes, &recurrence); err == nil {
				startTime, _ := document.Extra["start_time"].(string)
				if next, ok := nextOccurrence(&recurrence, startTime, time.Now()); ok {
					result.NextOccurrence = next.Format(time.RFC3339)
				}
			}
		}
	}

	return result
}

// transformHandler handles NATS function calls from the search service. The
// request payload is a JSON array of indexed meeting documents; the response
// is a JSON array of display results in the same order.
func transformHandler(msg *nats.Msg) {
	ctx := context.Background()

	logger.With("subject", msg.Subject, "payload_size", len(msg.Data)).DebugContext(ctx, "received search transform request")

	var documents []MeetingSearchDocument
	if err := json.Unmarshal(msg.Data, &documents); err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to unmarshal transform request")
		errorResponse := "error: " + err.Error()
		if err := msg.Respond([]byte(errorResponse)); err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "failed to respond to transform request")
		}
		return
	}

	results := make([]MeetingSearchResult, 0, len(documents))
	for _, document := range documents {
		results = append(results, transformMeetingDocument(document))
	}

	responseBytes, err := json.Marshal(results)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to marshal transform response")
		errorResponse := "error: " + err.Error()
		if err := msg.Respond([]byte(errorResponse)); err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "failed to respond to transform request")
		}
		return
	}

	if err := msg.Respond(responseBytes); err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to respond to transform request")
	}
}

// reindexAllHandler handles NATS function calls requesting a full reindex of
// meeting resources. It walks the synced meeting records and republishes an
// indexer message for each live one, responding with the count.
func reindexAllHandler(msg *nats.Msg) {
	ctx := context.Background()

	logger.With("subject", msg.Subject).InfoContext(ctx, "received reindex-all request")

	keys, err := resourcesKV.ListKeysFiltered(ctx, meetingsTable+".*")
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list meeting records for reindex")
		if err := msg.Respond([]byte("error: " + err.Error())); err != nil {
			logger.With(errKey, err).ErrorContext(ctx, "failed to respond to reindex request")
		}
		return
	}

	count := 0
	for key := range keys.Keys() {
		entry, err := resourcesKV.Get(ctx, key)
		if err != nil {
			if err != jetstream.ErrKeyNotFound {
				logger.With(errKey, err, "key", key).WarnContext(ctx, "failed to read meeting record during reindex")
			}
			continue
		}

		data, err := decodeRecordData(entry.Value())
		if err != nil {
			logger.With(errKey, err, "key", key).WarnContext(ctx, "failed to decode meeting record during reindex")
			continue
		}
		if isSoftDeleted(data) {
			continue
		}

		meeting, err := convertMapToMeetingRecord(data)
		if err != nil || meeting.ID == "" {
			continue
		}

		document := buildMeetingSearchDocument(meeting)
		if err := sendIndexerMessage(ctx, IndexMeetingSubject, MessageActionUpdated, document, getMeetingTags(meeting)); err != nil {
			logger.With(errKey, err, "meeting_id", meeting.ID).ErrorContext(ctx, "failed to send reindex message")
			continue
		}
		count++
	}

	logger.With("count", count).InfoContext(ctx, "reindex-all complete")

	if err := msg.Respond([]byte(fmt.Sprintf("%d", count))); err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to respond to reindex request")
	}
}
