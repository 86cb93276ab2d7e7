// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
)

// Source table prefixes of the records synced into the meeting-resources KV
// bucket. The KV key format is "{table}.{recordKey}".
const (
	meetingsTable     = "oae-meetings"
	membersTable      = "oae-meeting-members"
	messagesTable     = "oae-meeting-messages"
	tenantConfigTable = "oae-tenant-config"
)

// tombstoneValue marks a mapping as deleted so that replayed events do not
// publish duplicate delete messages.
const tombstoneValue = "__deleted__"

// isTombstonedMapping reports whether a mappings KV value is a tombstone.
func isTombstonedMapping(value []byte) bool {
	return string(value) == tombstoneValue
}

// tombstoneMapping writes a tombstone for the given mapping key.
func tombstoneMapping(ctx context.Context, mappingKey string) error {
	_, err := mappingsKV.Put(ctx, mappingKey, []byte(tombstoneValue))
	return err
}

// decodeRecordData decodes a synced record value, trying JSON first and
// msgpack second (the stream consumer can be configured to write either).
func decodeRecordData(value []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(value, &data); err != nil {
		if msgErr := msgpack.Unmarshal(value, &data); msgErr != nil {
			return nil, err
		}
	}
	return data, nil
}

// isSoftDeleted reports whether a synced record carries the soft-delete
// marker written by the stream ingest path for REMOVE events.
func isSoftDeleted(data map[string]any) bool {
	deletedAt, ok := data["_deleted_at"].(string)
	return ok && deletedAt != ""
}

// kvHandler processes meeting-resources KV bucket updates.
// Returns true if the operation should be retried, false otherwise.
func kvHandler(entry jetstream.KeyValueEntry) bool {
	ctx := context.Background()

	key := entry.Key()
	operation := entry.Operation()

	logger.With("key", key, "operation", operation.String()).DebugContext(ctx, "processing KV entry")

	switch operation {
	case jetstream.KeyValuePut:
		return handleKVPut(ctx, entry)
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return handleKVDelete(ctx, entry)
	default:
		logger.With("key", key, "operation", operation.String()).DebugContext(ctx, "ignoring KV operation")
		return false
	}
}

// handleKVPut processes a KV put operation (create/update/soft delete).
// Returns true if the operation should be retried, false otherwise.
func handleKVPut(ctx context.Context, entry jetstream.KeyValueEntry) bool {
	key := entry.Key()

	data, err := decodeRecordData(entry.Value())
	if err != nil {
		logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to unmarshal KV entry data as JSON or msgpack")
		return false
	}

	// Extract the table prefix (everything before the first period).
	prefix := key
	recordKey := ""
	if dotIndex := strings.Index(key, "."); dotIndex != -1 {
		prefix = key[:dotIndex]
		recordKey = key[dotIndex+1:]
	}

	deleted := isSoftDeleted(data)

	switch prefix {
	case meetingsTable:
		if deleted {
			return handleMeetingDelete(ctx, key, recordKey)
		}
		handleMeetingUpdate(ctx, key, data)
		return false
	case membersTable:
		if deleted {
			return handleMemberDelete(ctx, key, data)
		}
		return handleMemberUpdate(ctx, key, data)
	case messagesTable:
		if deleted {
			return handleMessageDelete(ctx, key, recordKey, data)
		}
		return handleMessageUpdate(ctx, key, data)
	case tenantConfigTable:
		handleTenantConfigUpdate(ctx, key, recordKey)
		return false
	default:
		logger.With("key", key).WarnContext(ctx, "unknown record type, ignoring")
		return false
	}
}

// handleKVDelete processes a hard KV delete. Record removal normally arrives
// as a soft-deleted put from the ingest path; a hard delete only happens when
// an operator purges the bucket, so it is logged and skipped.
func handleKVDelete(ctx context.Context, entry jetstream.KeyValueEntry) bool {
	logger.With("key", entry.Key()).InfoContext(ctx, "KV entry purged, no action taken")
	return false
}

// handleTenantConfigUpdate drops the cached BBB config for the tenant so the
// next lookup sees the new endpoint/secret.
func handleTenantConfigUpdate(ctx context.Context, key, tenantAlias string) {
	if tenantAlias == "" {
		logger.With("key", key).WarnContext(ctx, "tenant config record without alias, ignoring")
		return
	}
	invalidateTenantBBBConfig(tenantAlias)
	logger.With("key", key, "tenant_alias", tenantAlias).InfoContext(ctx, "invalidated cached tenant BBB config")
}
