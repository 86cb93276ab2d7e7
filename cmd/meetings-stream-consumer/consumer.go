// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The meetings-stream-consumer service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	dynamostypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/nats-io/nats.go/jetstream"
)

// shardDoneMarker is the checkpoint value written when a shard has been fully
// consumed (its iterator reached the end of a closed shard).
const shardDoneMarker = "DONE"

// TableConsumer consumes the DynamoDB stream of one table and publishes each
// change record to NATS. Per-shard sequence positions are checkpointed in a
// NATS KV bucket so consumption resumes where it left off after a restart.
type TableConsumer struct {
	tableName     string
	config        *Config
	dynClient     *dynamodb.Client
	streamsClient *dynamodbstreams.Client
	js            jetstream.JetStream
	checkpointKV  jetstream.KeyValue
	logger        *slog.Logger

	// activeShards tracks shard IDs with a running consumer goroutine.
	mu           sync.Mutex
	activeShards map[string]bool
}

// Run discovers the table's stream and consumes its shards until ctx is
// canceled. Shards are re-discovered periodically because DynamoDB splits and
// closes shards over time.
func (c *TableConsumer) Run(ctx context.Context) error {
	streamArn, err := c.streamArn(ctx)
	if err != nil {
		return err
	}
	c.logger.With("stream_arn", streamArn).Info("consuming DynamoDB stream")

	c.activeShards = make(map[string]bool)

	var shardWG sync.WaitGroup
	defer shardWG.Wait()

	ticker := time.NewTicker(c.config.ShardRefreshInterval)
	defer ticker.Stop()

	for {
		if err := c.startNewShards(ctx, streamArn, &shardWG); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.With(errKey, err).Error("shard discovery error")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// streamArn resolves the latest stream ARN of the table.
func (c *TableConsumer) streamArn(ctx context.Context) (string, error) {
	table, err := c.dynClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe table %s: %w", c.tableName, err)
	}
	if table.Table == nil || table.Table.LatestStreamArn == nil || *table.Table.LatestStreamArn == "" {
		return "", fmt.Errorf("table %s has no stream enabled", c.tableName)
	}
	return *table.Table.LatestStreamArn, nil
}

// startNewShards lists the stream's shards and starts a consumer goroutine for
// each shard that is neither already being consumed nor checkpointed as done.
func (c *TableConsumer) startNewShards(ctx context.Context, streamArn string, shardWG *sync.WaitGroup) error {
	var exclusiveStartShardID *string

	for {
		describe, err := c.streamsClient.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(streamArn),
			ExclusiveStartShardId: exclusiveStartShardID,
		})
		if err != nil {
			return fmt.Errorf("failed to describe stream: %w", err)
		}
		if describe.StreamDescription == nil {
			return fmt.Errorf("describe stream returned no description")
		}

		for _, shard := range describe.StreamDescription.Shards {
			if shard.ShardId == nil {
				continue
			}
			shardID := *shard.ShardId

			c.mu.Lock()
			active := c.activeShards[shardID]
			c.mu.Unlock()
			if active {
				continue
			}

			checkpoint, err := c.getCheckpoint(ctx, shardID)
			if err != nil {
				c.logger.With(errKey, err, "shard_id", shardID).Error("failed to read shard checkpoint")
				continue
			}
			if checkpoint == shardDoneMarker {
				continue
			}

			c.mu.Lock()
			c.activeShards[shardID] = true
			c.mu.Unlock()

			shardWG.Add(1)
			go func(shardID, checkpoint string) {
				defer shardWG.Done()
				defer func() {
					c.mu.Lock()
					delete(c.activeShards, shardID)
					c.mu.Unlock()
				}()

				if err := c.consumeShard(ctx, streamArn, shardID, checkpoint); err != nil && ctx.Err() == nil {
					c.logger.With(errKey, err, "shard_id", shardID).Error("shard consumer error")
				}
			}(shardID, checkpoint)
		}

		exclusiveStartShardID = describe.StreamDescription.LastEvaluatedShardId
		if exclusiveStartShardID == nil {
			return nil
		}
	}
}

// consumeShard reads a single shard from its checkpoint (or configured start
// position) to its end, publishing every record and checkpointing after each
// successful publish. A nil next iterator means the shard is closed and fully
// consumed.
func (c *TableConsumer) consumeShard(ctx context.Context, streamArn, shardID, checkpoint string) error {
	iterator, err := c.shardIterator(ctx, streamArn, shardID, checkpoint)
	if err != nil {
		return err
	}

	c.logger.With("shard_id", shardID, "resumed", checkpoint != "").Debug("starting shard consumer")

	for iterator != "" {
		if ctx.Err() != nil {
			return nil
		}

		records, err := c.streamsClient.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: aws.String(iterator),
		})
		if err != nil {
			// Iterators expire after 15 minutes; rebuild from the checkpoint.
			if isExpiredIteratorError(err) {
				latest, cpErr := c.getCheckpoint(ctx, shardID)
				if cpErr != nil {
					return cpErr
				}
				iterator, err = c.shardIterator(ctx, streamArn, shardID, latest)
				if err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to get records for shard %s: %w", shardID, err)
		}

		for _, record := range records.Records {
			if err := c.publishRecord(ctx, record); err != nil {
				return err
			}
			if record.Dynamodb != nil && record.Dynamodb.SequenceNumber != nil {
				if err := c.setCheckpoint(ctx, shardID, *record.Dynamodb.SequenceNumber); err != nil {
					c.logger.With(errKey, err, "shard_id", shardID).Warn("failed to write shard checkpoint")
				}
			}
		}

		if records.NextShardIterator == nil {
			// Shard is closed and drained; mark it done so restarts skip it.
			if err := c.setCheckpoint(ctx, shardID, shardDoneMarker); err != nil {
				c.logger.With(errKey, err, "shard_id", shardID).Warn("failed to mark shard done")
			}
			c.logger.With("shard_id", shardID).Debug("shard fully consumed")
			return nil
		}
		iterator = *records.NextShardIterator

		// Back off when caught up to avoid hammering the stream API.
		if len(records.Records) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.PollInterval):
			}
		}
	}

	return nil
}

// shardIterator builds the initial iterator for a shard: after the checkpoint
// when one exists, otherwise from the configured start position.
func (c *TableConsumer) shardIterator(ctx context.Context, streamArn, shardID, checkpoint string) (string, error) {
	input := &dynamodbstreams.GetShardIteratorInput{
		StreamArn: aws.String(streamArn),
		ShardId:   aws.String(shardID),
	}

	if checkpoint != "" && checkpoint != shardDoneMarker {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeAfterSequenceNumber
		input.SequenceNumber = aws.String(checkpoint)
	} else if c.config.StartFromLatest {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeLatest
	} else {
		input.ShardIteratorType = dynamostypes.ShardIteratorTypeTrimHorizon
	}

	out, err := c.streamsClient.GetShardIterator(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to get shard iterator for %s: %w", shardID, err)
	}
	if out.ShardIterator == nil {
		return "", fmt.Errorf("no shard iterator returned for %s", shardID)
	}
	return *out.ShardIterator, nil
}

// checkpointKey builds the KV key for a shard checkpoint. Shard IDs contain
// characters that are invalid in KV keys, so they are sanitized.
func (c *TableConsumer) checkpointKey(shardID string) string {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(shardID)
	return c.tableName + "." + safe
}

// getCheckpoint reads the last published sequence number for a shard, or ""
// when the shard has never been consumed.
func (c *TableConsumer) getCheckpoint(ctx context.Context, shardID string) (string, error) {
	entry, err := c.checkpointKV.Get(ctx, c.checkpointKey(shardID))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return "", nil
		}
		return "", err
	}
	return string(entry.Value()), nil
}

// setCheckpoint records the last published sequence number for a shard.
func (c *TableConsumer) setCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	_, err := c.checkpointKV.Put(ctx, c.checkpointKey(shardID), []byte(sequenceNumber))
	return err
}

// isExpiredIteratorError checks whether an error is an expired shard iterator.
func isExpiredIteratorError(err error) bool {
	var expired *dynamostypes.ExpiredIteratorException
	return errors.As(err, &expired)
}
