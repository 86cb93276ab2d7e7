// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// convertMapToMessageRecord converts a raw synced record into a MessageRecord struct.
func convertMapToMessageRecord(data map[string]any) (*MessageRecord, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record data for message: %w", err)
	}

	var message MessageRecord
	if err := json.Unmarshal(jsonBytes, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data into MessageRecord: %w", err)
	}

	return &message, nil
}

// getMessageTags builds the search tags for a message document.
func getMessageTags(message *MessageRecord) []string {
	return []string{
		message.ID,
		fmt.Sprintf("meeting_id:%s", message.MeetingID),
		fmt.Sprintf("tenant_alias:%s", message.TenantAlias),
	}
}

// handleMessageUpdate processes a chat message create or edit from synced message records.
// Returns true if the operation should be retried, false otherwise.
func handleMessageUpdate(ctx context.Context, key string, data map[string]any) bool {
	funcLogger := logger.With("key", key)

	funcLogger.DebugContext(ctx, "processing meeting message update")

	message, err := convertMapToMessageRecord(data)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to convert record data to MessageRecord")
		return false
	}

	if message.ID == "" || message.MeetingID == "" {
		funcLogger.ErrorContext(ctx, "message record missing message_id or meeting_id")
		return false
	}
	funcLogger = funcLogger.With("message_id", message.ID, "meeting_id", message.MeetingID)

	// Skip messages whose parent meeting was already deleted; the indexer would
	// orphan the child document otherwise.
	meetingMappingKey := fmt.Sprintf("meetings.%s", message.MeetingID)
	if entry, err := mappingsKV.Get(ctx, meetingMappingKey); err == nil && isTombstonedMapping(entry.Value()) {
		funcLogger.InfoContext(ctx, "skipping message sync - parent meeting deleted")
		return false
	}

	document := buildMessageSearchDocument(ctx, message)

	mappingKey := fmt.Sprintf("messages.%s", message.ID)
	indexerAction := MessageActionCreated
	if entry, err := mappingsKV.Get(ctx, mappingKey); err == nil && !isTombstonedMapping(entry.Value()) {
		indexerAction = MessageActionUpdated
	}

	if err := sendIndexerMessage(ctx, IndexMeetingMessageSubject, indexerAction, document, getMessageTags(message)); err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to send message indexer message")
		return true
	}

	if _, err := mappingsKV.Put(ctx, mappingKey, []byte("1")); err != nil {
		funcLogger.With(errKey, err).WarnContext(ctx, "failed to store message mapping")
	}

	funcLogger.InfoContext(ctx, "successfully sent message indexer message")
	return false
}

// handleMessageDelete processes a chat message deletion.
// Returns true if the operation should be retried, false otherwise.
func handleMessageDelete(ctx context.Context, key, recordKey string, data map[string]any) bool {
	messageID := recordKey
	if message, err := convertMapToMessageRecord(data); err == nil && message.ID != "" {
		messageID = message.ID
	}

	funcLogger := logger.With("key", key, "message_id", messageID)

	mappingKey := fmt.Sprintf("messages.%s", messageID)
	if entry, err := mappingsKV.Get(ctx, mappingKey); err == nil && isTombstonedMapping(entry.Value()) {
		funcLogger.DebugContext(ctx, "message delete already processed, skipping")
		return false
	}

	return handleMeetingTypeDelete(ctx, key, messageID, nil, meetingDeleteConfig{
		indexerSubject:   IndexMeetingMessageSubject,
		tombstoneKeyFmts: []string{"messages.%s"},
	})
}
