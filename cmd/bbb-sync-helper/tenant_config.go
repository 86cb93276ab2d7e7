// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Per-tenant BigBlueButton configuration lookup.
//
// Each tenant of the platform can point at its own BBB server. The
// endpoint/secret pair is synced into the meeting-resources KV bucket under
// "{tenantConfigTable}.{tenantAlias}" by the stream consumer. Lookups go
// through a short-lived in-process TTL cache so that bursts of join requests
// for the same tenant do not hammer the KV bucket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	tenantConfigCacheExpiry  = 5 * time.Minute
	tenantConfigCacheCleanup = 10 * time.Minute
)

// tenantConfigCache caches resolved tenantBBBConfig values keyed by tenant alias.
var tenantConfigCache = gocache.New(tenantConfigCacheExpiry, tenantConfigCacheCleanup)

// tenantBBBConfig is the resolved BBB server configuration for one tenant.
type tenantBBBConfig struct {
	Endpoint          string
	Secret            string
	RecordingsEnabled bool
}

// configured reports whether the tenant has a usable BBB server.
func (c tenantBBBConfig) configured() bool {
	return c.Endpoint != "" && c.Secret != ""
}

// normalizeBBBEndpoint ensures the endpoint ends with a single trailing slash
// so that "api/{action}" paths append cleanly.
func normalizeBBBEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/"
}

// parseTenantConfigRecord converts a raw synced record into a tenantBBBConfig.
// Records with a blank endpoint or secret fall back to the service-wide
// defaults so that partially-configured tenants still work.
func parseTenantConfigRecord(record *TenantConfigRecord, defaults tenantBBBConfig) tenantBBBConfig {
	resolved := defaults
	if record == nil {
		return resolved
	}
	if record.Endpoint != "" {
		resolved.Endpoint = normalizeBBBEndpoint(record.Endpoint)
	}
	if record.Secret != "" {
		resolved.Secret = record.Secret
	}
	resolved.RecordingsEnabled = record.RecordingsEnabled
	return resolved
}

// defaultBBBConfig returns the service-wide default BBB server from the
// environment configuration.
func defaultBBBConfig() tenantBBBConfig {
	return tenantBBBConfig{
		Endpoint: cfg.BBBDefaultEndpoint,
		Secret:   cfg.BBBDefaultSecret,
	}
}

// resolveTenantBBBConfig resolves the BBB server for a tenant alias: cache,
// then the synced KV record, then the environment defaults. The result is
// cached even when it is only the defaults so that tenants without records do
// not trigger repeated KV misses.
func resolveTenantBBBConfig(ctx context.Context, tenantAlias string) (tenantBBBConfig, error) {
	if tenantAlias == "" {
		return tenantBBBConfig{}, fmt.Errorf("tenant alias cannot be empty")
	}

	if cached, ok := tenantConfigCache.Get(tenantAlias); ok {
		return cached.(tenantBBBConfig), nil
	}

	resolved := defaultBBBConfig()

	key := tenantConfigTable + "." + tenantAlias
	entry, err := resourcesKV.Get(ctx, key)
	if err == nil {
		var record TenantConfigRecord
		if jsonErr := json.Unmarshal(entry.Value(), &record); jsonErr != nil {
			if msgErr := msgpack.Unmarshal(entry.Value(), &record); msgErr != nil {
				return tenantBBBConfig{}, fmt.Errorf("failed to decode tenant config for %s: %w", tenantAlias, jsonErr)
			}
		}
		resolved = parseTenantConfigRecord(&record, resolved)
	} else {
		logger.With("tenant_alias", tenantAlias).DebugContext(ctx, "no tenant BBB config record, using defaults")
	}

	tenantConfigCache.Set(tenantAlias, resolved, gocache.DefaultExpiration)
	return resolved, nil
}

// invalidateTenantBBBConfig drops the cached entry for a tenant, called when
// its config record changes in the KV bucket.
func invalidateTenantBBBConfig(tenantAlias string) {
	tenantConfigCache.Delete(tenantAlias)
}
