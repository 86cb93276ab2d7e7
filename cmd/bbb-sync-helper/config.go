// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Configuration management for the bbb-sync-helper service
package main

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
)

// Config holds all configuration values for the bbb-sync-helper service
type Config struct {
	// Default BigBlueButton server used for tenants without their own
	// endpoint/secret in the tenant configuration store. Both may be empty,
	// in which case unconfigured tenants cannot join meetings.
	BBBDefaultEndpoint string
	BBBDefaultSecret   string

	// Auth0 configuration for the platform REST API gateway
	Auth0Tenant        string   // Auth0 tenant name (without .auth0.com suffix)
	Auth0ClientID      string   // Auth0 client ID for private key JWT authentication
	Auth0PrivateKey    string   // Auth0 private key in PEM format
	PlatformAPIGateway *url.URL // Platform REST API gateway URL (audience for Auth0 tokens)

	// JoinTokenPublicKey is the PEM-encoded RSA public key used to verify the
	// user tokens the platform attaches to join requests.
	JoinTokenPublicKey string

	// NATS configuration
	NATSURL string

	// UseMsgpack selects msgpack instead of JSON when writing records into the
	// meeting-resources KV bucket.
	UseMsgpack bool

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	platformAPIGatewayStr := os.Getenv("PLATFORM_API_GW")

	cfg := &Config{
		BBBDefaultEndpoint: os.Getenv("BBB_DEFAULT_ENDPOINT"),
		BBBDefaultSecret:   os.Getenv("BBB_DEFAULT_SECRET"),
		Auth0Tenant:        os.Getenv("AUTH0_TENANT"),
		Auth0ClientID:      os.Getenv("AUTH0_CLIENT_ID"),
		Auth0PrivateKey:    os.Getenv("AUTH0_PRIVATE_KEY"),
		JoinTokenPublicKey: os.Getenv("JOIN_TOKEN_PUBLIC_KEY"),
		NATSURL:            os.Getenv("NATS_URL"),
		UseMsgpack:         parseBooleanEnv("USE_MSGPACK"),
		Port:               os.Getenv("PORT"),
		Bind:               os.Getenv("BIND"),
		Debug:              os.Getenv("DEBUG") != "",
	}

	// Set defaults
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://nats:4222"
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	// The default BBB endpoint must end with a slash so that api/{action}
	// paths resolve correctly.
	if cfg.BBBDefaultEndpoint != "" {
		cfg.BBBDefaultEndpoint = normalizeBBBEndpoint(cfg.BBBDefaultEndpoint)
	}

	// Validate required join token configuration
	if cfg.JoinTokenPublicKey == "" {
		return nil, fmt.Errorf("JOIN_TOKEN_PUBLIC_KEY environment variable is required")
	}

	// Validate required Auth0 configuration
	if cfg.Auth0Tenant == "" {
		return nil, fmt.Errorf("AUTH0_TENANT environment variable is required")
	}
	if cfg.Auth0ClientID == "" {
		return nil, fmt.Errorf("AUTH0_CLIENT_ID environment variable is required")
	}
	if cfg.Auth0PrivateKey == "" {
		return nil, fmt.Errorf("AUTH0_PRIVATE_KEY environment variable is required")
	}

	// Set and parse the platform API gateway URL
	if platformAPIGatewayStr == "" {
		platformAPIGatewayStr = "https://gateway.oae-qa0.oaeproject.org/"
	}

	platformAPIGatewayURL, err := url.Parse(platformAPIGatewayStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PLATFORM_API_GW: %w", err)
	}
	cfg.PlatformAPIGateway = platformAPIGatewayURL

	return cfg, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}
