// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// mappingLookupResponse is the reply payload for mapping lookup requests.
// Missing and tombstoned keys reply with an empty value and no error.
type mappingLookupResponse struct {
	Value string `json:"value"`
	Error string `json:"error,omitempty"`
}

// buildLookupResponse converts a mappings KV lookup result into the reply payload.
func buildLookupResponse(entry jetstream.KeyValueEntry, err error) mappingLookupResponse {
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return mappingLookupResponse{}
		}
		return mappingLookupResponse{Error: err.Error()}
	}

	// A tombstone marks a deleted mapping.
	if isTombstonedMapping(entry.Value()) {
		return mappingLookupResponse{}
	}

	return mappingLookupResponse{Value: string(entry.Value())}
}

// lookupHandler handles NATS function calls for mapping lookups from other
// services. It receives a mapping key as the request payload and replies with
// the corresponding value from the NATS KV store as JSON.
func lookupHandler(msg *nats.Msg) {
	ctx := context.Background()
	mappingKey := string(msg.Data)

	logger.With("mapping_key", mappingKey, "subject", msg.Subject).DebugContext(ctx, "received mapping lookup request")

	entry, err := mappingsKV.Get(ctx, mappingKey)
	if err != nil && err != jetstream.ErrKeyNotFound {
		logger.With(errKey, err, "mapping_key", mappingKey).ErrorContext(ctx, "error retrieving mapping key")
	}

	response := buildLookupResponse(entry, err)

	responseBytes, err := json.Marshal(response)
	if err != nil {
		logger.With(errKey, err, "mapping_key", mappingKey).ErrorContext(ctx, "failed to marshal lookup response")
		return
	}

	if err := msg.Respond(responseBytes); err != nil {
		logger.With(errKey, err, "mapping_key", mappingKey).ErrorContext(ctx, "failed to respond to lookup request")
	}
}
