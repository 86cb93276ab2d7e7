// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory mappings KV for handler tests. Only Get and Put are
// implemented; any other KeyValue method panics through the embedded nil
// interface, which keeps the tests honest about what the handlers touch.
type fakeKV struct {
	jetstream.KeyValue

	entries map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{entries: map[string][]byte{}}
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	value, ok := kv.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &kvEntry{key: key, value: value}, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.entries[key] = value
	return uint64(len(kv.entries)), nil
}

// swapMappingsKV installs the fake mappings bucket for the duration of a test.
func swapMappingsKV(t *testing.T, kv jetstream.KeyValue) {
	t.Helper()
	previous := mappingsKV
	mappingsKV = kv
	t.Cleanup(func() { mappingsKV = previous })
}

func TestHandleMeetingDeleteReplaySuppressed(t *testing.T) {
	kv := newFakeKV()
	kv.entries["meetings.m-1"] = []byte(tombstoneValue)
	swapMappingsKV(t, kv)

	// The mapping is already tombstoned, so a replayed delete event must be a
	// no-op: no retry requested and no messages published.
	retry := handleMeetingDelete(context.Background(), "oae-meetings.m-1", "m-1")
	assert.False(t, retry)
	assert.Equal(t, []byte(tombstoneValue), kv.entries["meetings.m-1"])
}

func TestHandleMessageUpdateParentDeleted(t *testing.T) {
	kv := newFakeKV()
	kv.entries["meetings.m-1"] = []byte(tombstoneValue)
	swapMappingsKV(t, kv)

	// Messages of a deleted meeting are dropped instead of being indexed as
	// orphans, and no mapping is recorded for them.
	retry := handleMessageUpdate(context.Background(), "oae-meeting-messages.msg-1", map[string]any{
		"message_id": "msg-1",
		"meeting_id": "m-1",
		"body":       "hello",
	})
	assert.False(t, retry)

	_, ok := kv.entries["messages.msg-1"]
	require.False(t, ok)
}

func TestHandleMessageDeleteReplaySuppressed(t *testing.T) {
	kv := newFakeKV()
	kv.entries["messages.msg-1"] = []byte(tombstoneValue)
	swapMappingsKV(t, kv)

	retry := handleMessageDelete(context.Background(), "oae-meeting-messages.msg-1", "msg-1", nil)
	assert.False(t, retry)
	assert.Equal(t, []byte(tombstoneValue), kv.entries["messages.msg-1"])
}
