// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKVKey(t *testing.T) {
	// Single primary key.
	key := streamKVKey("oae-meetings", map[string]interface{}{"meeting_id": "m-1"})
	assert.Equal(t, "oae-meetings.m-1", key)

	// Composite keys are sorted by attribute name for determinism.
	key = streamKVKey("oae-meeting-members", map[string]interface{}{
		"principal_id": "oae:t1:ada",
		"meeting_id":   "m-1",
	})
	assert.Equal(t, "oae-meeting-members.m-1#oae:t1:ada", key)
}

func TestDecodeStreamEventNumericKeys(t *testing.T) {
	// Numeric key attributes must keep their exact representation; a float64
	// round trip would render large values in scientific notation and corrupt
	// the KV key.
	event, err := decodeStreamEvent([]byte(`{
		"event_name": "INSERT",
		"table_name": "oae-meeting-messages",
		"sequence_number": "1",
		"keys": {"created": 93543926373},
		"new_image": {"created": 93543926373}
	}`))
	require.NoError(t, err)
	require.True(t, event.IsValid())

	assert.Equal(t, "oae-meeting-messages.93543926373", streamKVKey(event.TableName, event.Keys))

	_, err = decodeStreamEvent([]byte(`{`))
	assert.Error(t, err)
}

func TestTableStreamEventIsValid(t *testing.T) {
	valid := TableStreamEvent{
		EventName: "INSERT",
		TableName: "oae-meetings",
		Keys:      map[string]interface{}{"meeting_id": "m-1"},
	}
	assert.True(t, valid.IsValid())

	assert.False(t, (&TableStreamEvent{EventName: "INSERT", TableName: "oae-meetings"}).IsValid())
	assert.False(t, (&TableStreamEvent{EventName: "INSERT", Keys: valid.Keys}).IsValid())
	assert.False(t, (&TableStreamEvent{TableName: "oae-meetings", Keys: valid.Keys}).IsValid())
}

func TestParseTimestamp(t *testing.T) {
	tests := []string{
		"2026-08-24T09:00:00Z",
		"2026-08-24T09:00:00.123456789Z",
		"2026-08-24T09:00:00.000000Z",
		"2026-08-24 09:00:00",
	}
	for _, input := range tests {
		parsed, err := parseTimestamp(input)
		require.NoError(t, err, input)
		assert.Equal(t, 2026, parsed.Year())
	}

	_, err := parseTimestamp("")
	assert.Error(t, err)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestGetTimestampString(t *testing.T) {
	assert.Equal(t, "2026-08-24T09:00:00Z", getTimestampString(map[string]interface{}{"last_modified": "2026-08-24T09:00:00Z"}, "last_modified"))
	assert.Equal(t, "", getTimestampString(map[string]interface{}{}, "last_modified"))
	assert.Equal(t, "", getTimestampString(map[string]interface{}{"last_modified": nil}, "last_modified"))
}

func TestShouldStreamUpdate(t *testing.T) {
	ctx := context.Background()
	older := map[string]interface{}{"last_modified": "2026-08-20T00:00:00Z"}
	newer := map[string]interface{}{"last_modified": "2026-08-24T00:00:00Z"}

	assert.True(t, shouldStreamUpdate(ctx, newer, older, "k"))
	assert.False(t, shouldStreamUpdate(ctx, older, newer, "k"))
	assert.False(t, shouldStreamUpdate(ctx, older, older, "k"))

	// Missing or unparseable timestamps: the stream event wins.
	assert.True(t, shouldStreamUpdate(ctx, map[string]interface{}{}, older, "k"))
	assert.True(t, shouldStreamUpdate(ctx, newer, map[string]interface{}{}, "k"))
	assert.True(t, shouldStreamUpdate(ctx, map[string]interface{}{"last_modified": "garbage"}, older, "k"))
}

func TestParseTimestampRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	parsed, err := parseTimestamp(now.Format(time.RFC3339))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}
