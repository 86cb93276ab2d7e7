// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeBBBEndpoint(t *testing.T) {
	assert.Equal(t, "https://bbb.example.org/", normalizeBBBEndpoint("https://bbb.example.org"))
	assert.Equal(t, "https://bbb.example.org/", normalizeBBBEndpoint("https://bbb.example.org/"))
	assert.Equal(t, "https://bbb.example.org/bigbluebutton/", normalizeBBBEndpoint("  https://bbb.example.org/bigbluebutton// "))
}

func TestParseTenantConfigRecord(t *testing.T) {
	defaults := tenantBBBConfig{Endpoint: "https://default.example.org/", Secret: "default-secret"}

	// Nil record keeps the defaults.
	resolved := parseTenantConfigRecord(nil, defaults)
	assert.Equal(t, defaults, resolved)

	// A full record overrides both endpoint and secret.
	resolved = parseTenantConfigRecord(&TenantConfigRecord{
		Endpoint:          "https://tenant.example.org",
		Secret:            "tenant-secret",
		RecordingsEnabled: true,
	}, defaults)
	assert.Equal(t, "https://tenant.example.org/", resolved.Endpoint)
	assert.Equal(t, "tenant-secret", resolved.Secret)
	assert.True(t, resolved.RecordingsEnabled)

	// Partial records fall back to the defaults for the missing fields.
	resolved = parseTenantConfigRecord(&TenantConfigRecord{Secret: "tenant-secret"}, defaults)
	assert.Equal(t, "https://default.example.org/", resolved.Endpoint)
	assert.Equal(t, "tenant-secret", resolved.Secret)
}

func TestTenantBBBConfigConfigured(t *testing.T) {
	assert.False(t, tenantBBBConfig{}.configured())
	assert.False(t, tenantBBBConfig{Endpoint: "https://bbb.example.org/"}.configured())
	assert.False(t, tenantBBBConfig{Secret: "s3cret"}.configured())
	assert.True(t, tenantBBBConfig{Endpoint: "https://bbb.example.org/", Secret: "s3cret"}.configured())
}
