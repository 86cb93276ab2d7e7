// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
)

// TableStreamEvent mirrors the JSON payload published by the meetings-stream-consumer.
// EventName is one of INSERT, MODIFY, or REMOVE.
// Keys contains only the primary key attribute(s) of the item; consumers use this to
// construct a stable KV key without needing to know the full item schema.
type TableStreamEvent struct {
	EventID                 string                 `json:"event_id"`
	EventName               string                 `json:"event_name"`
	TableName               string                 `json:"table_name"`
	SequenceNumber          string                 `json:"sequence_number"`
	ApproximateCreationTime time.Time              `json:"approximate_creation_time"`
	Keys                    map[string]interface{} `json:"keys,omitempty"`
	NewImage                map[string]interface{} `json:"new_image,omitempty"`
	OldImage                map[string]interface{} `json:"old_image,omitempty"`
}

// IsValid returns true when the event has enough information to be actionable.
func (e *TableStreamEvent) IsValid() bool {
	return e.TableName != "" && e.EventName != "" && len(e.Keys) > 0
}

// decodeStreamEvent decodes a published table stream event. Numbers are kept
// as json.Number so that numeric primary key attributes retain their exact
// representation when KV keys are built from them; plain unmarshalling would
// render large IDs through float64 in scientific notation.
func decodeStreamEvent(data []byte) (*TableStreamEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var event TableStreamEvent
	if err := decoder.Decode(&event); err != nil {
		return nil, err
	}
	return &event, nil
}

// streamIngestHandler processes events from the meeting_streams NATS stream.
// INSERT/MODIFY events upsert the new image into the meeting-resources KV bucket.
// REMOVE events write a soft-deleted record (with _deleted_at) to the KV bucket.
// The KV key format is "{tableName}.{keyValue}", matching the prefix convention
// used by the kvHandler dispatch chain.
func streamIngestHandler(msg jetstream.Msg) {
	ctx := context.Background()
	subject := msg.Subject()

	logger.With("subject", subject).DebugContext(ctx, "received table stream message")

	event, err := decodeStreamEvent(msg.Data())
	if err != nil {
		logger.With(errKey, err, "subject", subject).ErrorContext(ctx, "failed to unmarshal table stream event")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to ack invalid stream message")
		}
		return
	}

	if !event.IsValid() {
		logger.With("subject", subject, "event", event).WarnContext(ctx, "invalid table stream event, missing required fields")
		if ackErr := msg.Ack(); ackErr != nil {
			logger.With(errKey, ackErr, "subject", subject).Error("failed to ack invalid stream message")
		}
		return
	}

	logger.With(
		"subject", subject,
		"event_name", event.EventName,
		"table", event.TableName,
	).DebugContext(ctx, "processing table stream event")

	var shouldRetry bool
	switch strings.ToUpper(event.EventName) {
	case "INSERT", "MODIFY":
		shouldRetry = handleStreamUpsert(ctx, event)
	case "REMOVE":
		shouldRetry = handleStreamRemove(ctx, event)
	default:
		logger.With("event_name", event.EventName, "table", event.TableName).WarnContext(ctx, "unknown stream event name, ignoring")
	}

	if shouldRetry {
		if err := msg.Nak(); err != nil {
			logger.With(errKey, err, "subject", subject).Error("failed to NAK stream message for retry")
		}
	} else {
		if err := msg.Ack(); err != nil {
			logger.With(errKey, err, "subject", subject).Error("failed to ack stream message")
		}
	}
}

// handleStreamUpsert writes the new image from an INSERT or MODIFY event into the
// meeting-resources KV bucket. If the existing entry has a last_modified field, it is
// used to skip writes where the stored data is already newer (e.g. from a concurrent
// batch load). If no timestamp is available the write always proceeds.
// Returns true only on a KV revision mismatch that warrants a retry.
func handleStreamUpsert(ctx context.Context, event *TableStreamEvent) bool {
	if len(event.NewImage) == 0 {
		logger.With("table", event.TableName, "event_name", event.EventName).
			WarnContext(ctx, "stream upsert event has no new image, skipping")
		return false
	}

	key := streamKVKey(event.TableName, event.Keys)

	existing, err := resourcesKV.Get(ctx, key)
	if err != nil && err != jetstream.ErrKeyNotFound {
		logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to get existing KV entry")
		return false
	}

	var lastRevision uint64

	if err == nil {
		lastRevision = existing.Revision()

		existingData, decodeErr := decodeRecordData(existing.Value())
		if decodeErr != nil {
			logger.With(errKey, decodeErr, "key", key).ErrorContext(ctx, "failed to unmarshal existing KV entry")
			return false
		}

		if !shouldStreamUpdate(ctx, event.NewImage, existingData, key) {
			logger.With("key", key).DebugContext(ctx, "skipping stream upsert - existing data is newer or same")
			return false
		}
	}

	var dataBytes []byte
	if cfg.UseMsgpack {
		dataBytes, err = msgpack.Marshal(event.NewImage)
	} else {
		dataBytes, err = json.Marshal(event.NewImage)
	}
	if err != nil {
		logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to marshal stream event data")
		return false
	}

	if lastRevision == 0 {
		if _, err := resourcesKV.Create(ctx, key, dataBytes); err != nil {
			if isRevisionMismatchError(err) {
				logger.With(errKey, err, "key", key).WarnContext(ctx, "KV create conflict, will retry")
				return true
			}
			logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to create KV entry from stream event")
			return false
		}
		logger.With("key", key, "event_name", event.EventName, "encoding", getEncodingFormat()).
			InfoContext(ctx, "created KV entry from stream event")
	} else {
		if _, err := resourcesKV.Update(ctx, key, dataBytes, lastRevision); err != nil {
			if isRevisionMismatchError(err) {
				logger.With(errKey, err, "key", key, "revision", lastRevision).
					WarnContext(ctx, "KV revision mismatch, will retry")
				return true
			}
			logger.With(errKey, err, "key", key, "revision", lastRevision).
				ErrorContext(ctx, "failed to update KV entry from stream event")
			return false
		}
		logger.With("key", key, "event_name", event.EventName, "revision", lastRevision, "encoding", getEncodingFormat()).
			InfoContext(ctx, "updated KV entry from stream event")
	}

	return false
}

// handleStreamRemove processes a REMOVE event by marking the record as deleted in the
// meeting-resources KV bucket. It adds a "_deleted_at" timestamp to the OldImage data
// and writes it to KV as a soft delete. The KV watcher will pick up this update and
// route it to the appropriate delete handlers based on the _deleted_at marker.
// This approach maintains separation between ingest (populating KV) and handlers (consuming KV).
// Returns true only on an error that warrants a retry.
func handleStreamRemove(ctx context.Context, event *TableStreamEvent) bool {
	key := streamKVKey(event.TableName, event.Keys)

	// If no old image is available, we can't create a soft delete record.
	// This shouldn't happen in practice since the source streams are configured to include old images.
	if len(event.OldImage) == 0 {
		logger.With("key", key, "table", event.TableName).WarnContext(ctx, "stream REMOVE event has no old image, cannot create soft delete marker")
		return false
	}

	// Mark the record as deleted.
	event.OldImage["_deleted_at"] = event.ApproximateCreationTime.Format(time.RFC3339)
	event.OldImage["_received_at"] = time.Now().UTC().Format(time.RFC3339)

	// Encode the data with the deletion marker.
	var dataBytes []byte
	var err error
	if cfg.UseMsgpack {
		dataBytes, err = msgpack.Marshal(event.OldImage)
	} else {
		dataBytes, err = json.Marshal(event.OldImage)
	}
	if err != nil {
		logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to marshal stream deletion marker data")
		return false
	}

	// Check if the key exists to get the current revision.
	existing, err := resourcesKV.Get(ctx, key)
	if err != nil && err != jetstream.ErrKeyNotFound {
		logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to get existing KV entry for delete")
		return false
	}

	if err == jetstream.ErrKeyNotFound {
		// Key doesn't exist, create it with the deletion marker.
		if _, err := resourcesKV.Create(ctx, key, dataBytes); err != nil {
			if isRevisionMismatchError(err) {
				logger.With(errKey, err, "key", key).WarnContext(ctx, "KV create conflict on delete, will retry")
				return true
			}
			logger.With(errKey, err, "key", key).ErrorContext(ctx, "failed to create KV entry with deletion marker from stream event")
			return false
		}
		logger.With("key", key, "encoding", getEncodingFormat()).InfoContext(ctx, "created KV entry with deletion marker from stream REMOVE event")
	} else {
		// Key exists, update it with the deletion marker.
		if _, err := resourcesKV.Update(ctx, key, dataBytes, existing.Revision()); err != nil {
			if isRevisionMismatchError(err) {
				logger.With(errKey, err, "key", key, "revision", existing.Revision()).WarnContext(ctx, "KV revision mismatch on delete, will retry")
				return true
			}
			logger.With(errKey, err, "key", key, "revision", existing.Revision()).ErrorContext(ctx, "failed to update KV entry with deletion marker from stream event")
			return false
		}
		logger.With("key", key, "revision", existing.Revision(), "encoding", getEncodingFormat()).InfoContext(ctx, "updated KV entry with deletion marker from stream REMOVE event")
	}

	return false
}

// streamKVKey constructs the meeting-resources KV key for a table stream item.
// Format: "{tableName}.{keyValue}"
// For composite primary keys the values are sorted by attribute name and joined
// with "#" to produce a deterministic identifier, e.g. "my-table.pk-val#sk-val".
func streamKVKey(tableName string, keys map[string]interface{}) string {
	attrNames := make([]string, 0, len(keys))
	for k := range keys {
		attrNames = append(attrNames, k)
	}
	sort.Strings(attrNames)

	parts := make([]string, 0, len(attrNames))
	for _, k := range attrNames {
		parts = append(parts, fmt.Sprintf("%v", keys[k]))
	}

	return tableName + "." + strings.Join(parts, "#")
}

// shouldStreamUpdate returns true when the incoming new image should overwrite
// the existing KV entry. It compares last_modified timestamps when both are present;
// if either is missing or unparseable the write proceeds (stream events are
// treated as authoritative).
func shouldStreamUpdate(ctx context.Context, newData, existingData map[string]interface{}, key string) bool {
	newModified := getTimestampString(newData, "last_modified")
	existingModified := getTimestampString(existingData, "last_modified")

	if newModified == "" || existingModified == "" {
		return true
	}

	newTime, newErr := parseTimestamp(newModified)
	existingTime, existingErr := parseTimestamp(existingModified)

	if newErr != nil || existingErr != nil {
		logger.With("key", key, "new_last_modified", newModified, "existing_last_modified", existingModified).
			WarnContext(ctx, "could not parse last_modified timestamps; updating anyway")
		return true
	}

	return newTime.After(existingTime)
}

// getTimestampString safely extracts a timestamp string from a map.
// Returns an empty string if the field doesn't exist or is nil.
func getTimestampString(data map[string]interface{}, field string) string {
	if value, exists := data[field]; exists && value != nil {
		return fmt.Sprintf("%v", value)
	}
	return ""
}

// parseTimestamp parses a timestamp string in the formats the platform emits.
// It tries multiple timestamp formats to handle various datetime representations.
func parseTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	// Try common timestamp formats.
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05.000000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, timestampStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", timestampStr)
}

// isRevisionMismatchError checks if an error is a KV revision mismatch that should be retried.
func isRevisionMismatchError(err error) bool {
	// Attempt direct JetStreamError comparison.
	if jsErr, ok := err.(jetstream.JetStreamError); ok {
		if apiErr := jsErr.APIError(); apiErr != nil {
			return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
		}
	}

	// Check for NATS error strings containing the expected error codes.
	errStr := err.Error()
	if strings.Contains(errStr, "err_code=10071") ||
		strings.Contains(errStr, "wrong last sequence") ||
		strings.Contains(errStr, "key exists") {
		return true
	}

	return false
}

// getEncodingFormat returns a string representation of the current encoding format.
func getEncodingFormat() string {
	if cfg.UseMsgpack {
		return "msgpack"
	}
	return "json"
}
