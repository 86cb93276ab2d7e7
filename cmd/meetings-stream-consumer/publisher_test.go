// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"encoding/json"
	"testing"

	dynamostypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectForTable(t *testing.T) {
	assert.Equal(t, "meeting_streams.oae-meetings", subjectForTable("meeting_streams", "oae-meetings"))
	// Dots and spaces have special meaning in NATS subjects and are sanitized.
	assert.Equal(t, "meeting_streams.oae_meetings_v2", subjectForTable("meeting_streams", "oae.meetings v2"))
}

func TestConvertAttributeValue(t *testing.T) {
	assert.Equal(t, "hello", convertAttributeValue(&dynamostypes.AttributeValueMemberS{Value: "hello"}))
	assert.Equal(t, true, convertAttributeValue(&dynamostypes.AttributeValueMemberBOOL{Value: true}))
	assert.Nil(t, convertAttributeValue(&dynamostypes.AttributeValueMemberNULL{Value: true}))

	// Numbers keep their exact representation so large IDs do not go through
	// float64 formatting.
	n := convertAttributeValue(&dynamostypes.AttributeValueMemberN{Value: "93543926373"})
	assert.Equal(t, json.Number("93543926373"), n)
	encoded, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Equal(t, "93543926373", string(encoded))
}

func TestConvertAttributeValueNested(t *testing.T) {
	value := convertAttributeValue(&dynamostypes.AttributeValueMemberM{Value: map[string]dynamostypes.AttributeValue{
		"name": &dynamostypes.AttributeValueMemberS{Value: "Weekly Sync"},
		"tags": &dynamostypes.AttributeValueMemberL{Value: []dynamostypes.AttributeValue{
			&dynamostypes.AttributeValueMemberS{Value: "a"},
			&dynamostypes.AttributeValueMemberN{Value: "2"},
		}},
	}})

	m, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Weekly Sync", m["name"])

	l, ok := m["tags"].([]interface{})
	require.True(t, ok)
	require.Len(t, l, 2)
	assert.Equal(t, "a", l[0])
	assert.Equal(t, json.Number("2"), l[1])
}

func TestConvertImageEmpty(t *testing.T) {
	assert.Nil(t, convertImage(nil))
	assert.Nil(t, convertImage(map[string]dynamostypes.AttributeValue{}))
}

func TestCheckpointKey(t *testing.T) {
	c := &TableConsumer{tableName: "oae-meetings"}
	// Shard IDs contain characters that are invalid in KV keys.
	assert.Equal(t, "oae-meetings.shardId-00000001", c.checkpointKey("shardId-00000001"))
	assert.Equal(t, "oae-meetings.shard_a_b", c.checkpointKey("shard:a/b"))
}
