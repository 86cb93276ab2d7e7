// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageAction represents the type of action being performed on a resource.
type MessageAction string

const (
	// MessageActionCreated indicates a new resource is being created.
	MessageActionCreated MessageAction = "created"
	// MessageActionUpdated indicates an existing resource is being updated.
	MessageActionUpdated MessageAction = "updated"
	// MessageActionDeleted indicates a resource is being deleted.
	MessageActionDeleted MessageAction = "deleted"
)

// NATS subject constants for meeting search and access control operations.
const (
	// IndexMeetingSubject is the subject for meeting search indexing.
	IndexMeetingSubject = "oae.index.meeting"

	// UpdateAccessMeetingSubject is the subject for meeting access control updates.
	UpdateAccessMeetingSubject = "oae.update_access.meeting"

	// DeleteAllAccessMeetingSubject is the subject for deleting all access
	// control entries of a meeting.
	DeleteAllAccessMeetingSubject = "oae.delete_all_access.meeting"

	// IndexMeetingMessageSubject is the subject for meeting chat message indexing.
	IndexMeetingMessageSubject = "oae.index.meeting_message"

	// IndexMeetingRecordingSubject is the subject for meeting recording indexing.
	IndexMeetingRecordingSubject = "oae.index.meeting_recording"

	// MeetingMemberPutSubject is the subject for granting a member access to a meeting.
	MeetingMemberPutSubject = "oae.put_member.meeting"

	// MeetingMemberRemoveSubject is the subject for revoking a member's access to a meeting.
	MeetingMemberRemoveSubject = "oae.remove_member.meeting"
)

// MeetingIndexerMessage is a NATS message schema for sending messages related to meetings CRUD operations.
type MeetingIndexerMessage struct {
	Action  MessageAction     `json:"action"`
	Headers map[string]string `json:"headers"`
	Data    any               `json:"data"`
	// Tags is a list of tags to be set on the indexed resource for search.
	Tags []string `json:"tags"`
}

// sendIndexerMessage sends the message to the NATS server for the indexer.
func sendIndexerMessage(ctx context.Context, subject string, action MessageAction, data any, tags []string) error {
	headers := make(map[string]string)

	// Unique message ID so the indexer can deduplicate redelivered messages.
	headers["x-message-id"] = uuid.New().String()

	// Extract authorization from context if available
	if authorization, ok := ctx.Value("authorization").(string); ok {
		headers["authorization"] = authorization
	} else {
		// Fallback for system-generated events that don't have user auth context
		// This is just a dummy value so that the indexer service can still process the message,
		// given that it requires an authorization header.
		headers["authorization"] = "Bearer bbb-sync-helper"
	}

	// Extract principal from context if available
	if principal, ok := ctx.Value("principal").(string); ok {
		headers["x-on-behalf-of"] = principal
	}

	// Construct the indexer message
	message := MeetingIndexerMessage{
		Action:  action,
		Headers: headers,
		Data:    data,
		Tags:    tags,
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal indexer message for subject %s: %w", subject, err)
	}

	logger.With("subject", subject, "action", action, "tags_count", len(tags)).DebugContext(ctx, "constructed indexer message")

	// Publish the message to NATS
	if err := natsConn.Publish(subject, messageBytes); err != nil {
		return fmt.Errorf("failed to publish indexer message to subject %s: %w", subject, err)
	}

	return nil
}

// sendAccessMessage sends a pre-marshalled message to the NATS server.
// This is a generic function that can be used for access control updates, member put/remove operations, etc.
func sendAccessMessage(subject string, messageBytes []byte) error {
	// Publish the message to NATS
	if err := natsConn.Publish(subject, messageBytes); err != nil {
		return fmt.Errorf("failed to publish message to subject %s: %w", subject, err)
	}

	return nil
}

// MeetingAccessMessage is the schema for the data in the message sent to the access-sync service.
// These are the fields that the access-sync service needs in order to update resource permissions.
type MeetingAccessMessage struct {
	UID         string   `json:"meeting_id"`
	TenantAlias string   `json:"tenant_alias"`
	Public      bool     `json:"public"`
	LoggedIn    bool     `json:"loggedin"`
	Managers    []string `json:"managers"`
	Members     []string `json:"members"`
}

// MemberAccessMessage is the schema for a single member grant or revocation.
type MemberAccessMessage struct {
	MeetingID   string `json:"meeting_id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role,omitempty"`
}

// convertMapToMeetingRecord converts a raw synced record into a MeetingRecord struct.
func convertMapToMeetingRecord(data map[string]any) (*MeetingRecord, error) {
	// Round-trip through JSON so the struct tags drive the field mapping.
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record data for meeting: %w", err)
	}

	var meeting MeetingRecord
	if err := json.Unmarshal(jsonBytes, &meeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data into MeetingRecord: %w", err)
	}

	if meeting.Visibility == "" {
		meeting.Visibility = VisibilityPrivate
	}

	return &meeting, nil
}

// getMeetingTags builds the search tags for a meeting document.
func getMeetingTags(meeting *MeetingRecord) []string {
	tags := []string{
		meeting.ID,
		fmt.Sprintf("meeting_id:%s", meeting.ID),
		fmt.Sprintf("tenant_alias:%s", meeting.TenantAlias),
		fmt.Sprintf("visibility:%s", meeting.Visibility),
	}
	if meeting.Recurrence != nil {
		tags = append(tags, "recurring")
	}
	return tags
}

// meetingMembers loads the current membership of a meeting from the synced
// member records, split into manager and member principal IDs.
func meetingMembers(ctx context.Context, meetingID string) (managers, members []string) {
	keys, err := resourcesKV.ListKeysFiltered(ctx, membersTable+"."+meetingID+"#*")
	if err != nil {
		logger.With(errKey, err, "meeting_id", meetingID).WarnContext(ctx, "failed to list member records")
		return nil, nil
	}

	for key := range keys.Keys() {
		entry, err := resourcesKV.Get(ctx, key)
		if err != nil {
			continue
		}
		data, err := decodeRecordData(entry.Value())
		if err != nil || isSoftDeleted(data) {
			continue
		}
		principalID, _ := data["principal_id"].(string)
		if principalID == "" {
			continue
		}
		tenantAlias, _ := data["tenant_alias"].(string)
		principalID = normalizePrincipalID(tenantAlias, principalID)
		if role, _ := data["role"].(string); role == RoleManager {
			managers = append(managers, principalID)
		} else {
			members = append(members, principalID)
		}
	}
	return managers, members
}

// handleMeetingUpdate processes a meeting create or update from synced meetings records.
func handleMeetingUpdate(ctx context.Context, key string, data map[string]any) {
	funcLogger := logger.With("key", key)

	funcLogger.DebugContext(ctx, "processing meeting update")

	meeting, err := convertMapToMeetingRecord(data)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to convert record data to MeetingRecord")
		return
	}

	meetingID := meeting.ID
	if meetingID == "" {
		funcLogger.ErrorContext(ctx, "missing or invalid meeting_id in meeting data")
		return
	}
	funcLogger = funcLogger.With("meeting_id", meetingID)

	if meeting.TenantAlias == "" {
		funcLogger.InfoContext(ctx, "skipping meeting sync - record has no tenant alias")
		return
	}

	document := buildMeetingSearchDocument(meeting)

	mappingKey := fmt.Sprintf("meetings.%s", meetingID)
	indexerAction := MessageActionCreated
	if entry, err := mappingsKV.Get(ctx, mappingKey); err == nil && !isTombstonedMapping(entry.Value()) {
		indexerAction = MessageActionUpdated
	}

	tags := getMeetingTags(meeting)
	if err := sendIndexerMessage(ctx, IndexMeetingSubject, indexerAction, document, tags); err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to send meeting indexer message")
		return
	}

	managers, members := meetingMembers(ctx, meetingID)
	if len(managers) == 0 && meeting.CreatedBy != "" {
		managers = []string{normalizePrincipalID(meeting.TenantAlias, meeting.CreatedBy)}
	}

	accessMsg := MeetingAccessMessage{
		UID:         meetingID,
		TenantAlias: meeting.TenantAlias,
		Public:      meeting.Visibility == VisibilityPublic,
		LoggedIn:    meeting.Visibility == VisibilityLoggedIn,
		Managers:    managers,
		Members:     members,
	}

	accessMsgBytes, err := json.Marshal(accessMsg)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to marshal access message")
		return
	}

	if err := sendAccessMessage(UpdateAccessMeetingSubject, accessMsgBytes); err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to send meeting access message")
		return
	}

	if _, err := mappingsKV.Put(ctx, mappingKey, []byte("1")); err != nil {
		funcLogger.With(errKey, err).WarnContext(ctx, "failed to store meeting mapping")
	}

	funcLogger.InfoContext(ctx, "successfully sent meeting indexer and access messages")
}

// meetingDeleteConfig holds the configuration for deleting a meeting-related resource.
type meetingDeleteConfig struct {
	// indexerSubject is the NATS subject to send the indexer delete message to.
	indexerSubject string
	// deleteAllAccessSubject is the NATS subject to send the delete-all-access message to.
	// Leave empty to skip sending an access control delete message.
	deleteAllAccessSubject string
	// tombstoneKeyFmts are fmt format strings (each with one %s for the ID) for
	// mappings that should be tombstoned on delete.
	tombstoneKeyFmts []string
}

// handleMeetingTypeDelete is a generic delete handler for meeting-related resources.
// It sends the indexer delete message, optionally sends a delete-all-access message,
// and tombstones any configured mapping keys.
// message is the pre-built payload for the access message; callers are responsible for constructing it.
// Returns true if the operation should be retried, false otherwise.
func handleMeetingTypeDelete(ctx context.Context, key, id string, message []byte, cfg meetingDeleteConfig) bool {
	funcLogger := logger.With("key", key, "id", id)
	funcLogger.DebugContext(ctx, "processing meeting-related delete")

	if err := sendIndexerMessage(ctx, cfg.indexerSubject, MessageActionDeleted, id, []string{}); err != nil {
		funcLogger.With(errKey, err, "subject", cfg.indexerSubject).ErrorContext(ctx, "failed to send delete indexer message")
		return true
	}

	if cfg.deleteAllAccessSubject != "" {
		if err := sendAccessMessage(cfg.deleteAllAccessSubject, message); err != nil {
			funcLogger.With(errKey, err, "subject", cfg.deleteAllAccessSubject).ErrorContext(ctx, "failed to send delete-all-access message")
			return true
		}
	}

	for _, keyFmt := range cfg.tombstoneKeyFmts {
		if err := tombstoneMapping(ctx, fmt.Sprintf(keyFmt, id)); err != nil {
			funcLogger.With(errKey, err, "mapping_key", fmt.Sprintf(keyFmt, id)).WarnContext(ctx, "failed to tombstone mapping")
		}
	}

	funcLogger.InfoContext(ctx, "successfully processed delete")
	return false
}

// handleMeetingDelete processes a deletion of a meetings record.
// Returns true if the operation should be retried, false otherwise.
func handleMeetingDelete(ctx context.Context, key string, meetingID string) bool {
	funcLogger := logger.With("key", key, "meeting_id", meetingID)

	// Skip if already tombstoned — prevents double processing when a replayed
	// stream event arrives after the delete has already been handled.
	mappingKey := fmt.Sprintf("meetings.%s", meetingID)
	if entry, err := mappingsKV.Get(ctx, mappingKey); err == nil && isTombstonedMapping(entry.Value()) {
		funcLogger.DebugContext(ctx, "meeting delete already processed, skipping")
		return false
	}

	return handleMeetingTypeDelete(ctx, key, meetingID, []byte(meetingID), meetingDeleteConfig{
		indexerSubject:         IndexMeetingSubject,
		deleteAllAccessSubject: DeleteAllAccessMeetingSubject,
		tombstoneKeyFmts:       []string{"meetings.%s"},
	})
}

// convertMapToMemberRecord converts a raw synced record into a MemberRecord struct.
func convertMapToMemberRecord(data map[string]any) (*MemberRecord, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record data for member: %w", err)
	}

	var member MemberRecord
	if err := json.Unmarshal(jsonBytes, &member); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data into MemberRecord: %w", err)
	}

	return &member, nil
}

// handleMemberUpdate processes a membership grant or role change from synced member records.
// Returns true if the operation should be retried, false otherwise.
func handleMemberUpdate(ctx context.Context, key string, data map[string]any) bool {
	funcLogger := logger.With("key", key)

	member, err := convertMapToMemberRecord(data)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to convert record data to MemberRecord")
		return false
	}

	if member.MeetingID == "" || member.PrincipalID == "" {
		funcLogger.ErrorContext(ctx, "member record missing meeting_id or principal_id")
		return false
	}
	funcLogger = funcLogger.With("meeting_id", member.MeetingID, "principal_id", member.PrincipalID)

	if member.Role != RoleManager && member.Role != RoleMember {
		funcLogger.With("role", member.Role).WarnContext(ctx, "unknown member role, treating as member")
		member.Role = RoleMember
	}

	accessMsg := MemberAccessMessage{
		MeetingID:   member.MeetingID,
		PrincipalID: normalizePrincipalID(member.TenantAlias, member.PrincipalID),
		Role:        member.Role,
	}

	accessMsgBytes, err := json.Marshal(accessMsg)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to marshal member access message")
		return false
	}

	if err := sendAccessMessage(MeetingMemberPutSubject, accessMsgBytes); err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to send member put message")
		return true
	}

	funcLogger.InfoContext(ctx, "successfully sent member put message")
	return false
}

// handleMemberDelete processes a membership removal.
// Returns true if the operation should be retried, false otherwise.
func handleMemberDelete(ctx context.Context, key string, data map[string]any) bool {
	funcLogger := logger.With("key", key)

	member, err := convertMapToMemberRecord(data)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to convert record data to MemberRecord")
		return false
	}

	// The KV key carries "{meeting_id}#{principal_id}" after the table prefix,
	// so a record whose body was already stripped can still be revoked.
	if member.MeetingID == "" || member.PrincipalID == "" {
		recordKey := key
		if dotIndex := strings.Index(key, "."); dotIndex != -1 {
			recordKey = key[dotIndex+1:]
		}
		if hashIndex := strings.Index(recordKey, "#"); hashIndex != -1 {
			member.MeetingID = recordKey[:hashIndex]
			member.PrincipalID = recordKey[hashIndex+1:]
		}
	}

	if member.MeetingID == "" || member.PrincipalID == "" {
		funcLogger.ErrorContext(ctx, "unable to determine meeting_id and principal_id for member removal")
		return false
	}
	funcLogger = funcLogger.With("meeting_id", member.MeetingID, "principal_id", member.PrincipalID)

	accessMsg := MemberAccessMessage{
		MeetingID:   member.MeetingID,
		PrincipalID: normalizePrincipalID(member.TenantAlias, member.PrincipalID),
	}

	accessMsgBytes, err := json.Marshal(accessMsg)
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to marshal member access message")
		return false
	}

	if err := sendAccessMessage(MeetingMemberRemoveSubject, accessMsgBytes); err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to send member remove message")
		return true
	}

	funcLogger.InfoContext(ctx, "successfully sent member remove message")
	return false
}
