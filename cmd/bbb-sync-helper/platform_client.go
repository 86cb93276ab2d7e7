// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Authenticated client for the platform REST API gateway.
//
// This module handles principal (user/group) profile lookups with:
// 1. Auth0 client credentials authentication via private key JWT
// 2. KV-backed caching of principal data
// 3. Concurrent request locking to prevent duplicate API calls
// 4. Background cache refresh for stale entries
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/auth0/go-auth0/authentication"
	"github.com/auth0/go-auth0/authentication/oauth"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/oauth2"
)

const (
	principalCacheKeyPrefix         = "principal_cache."
	principalLockKeyPrefix          = "principal_lock."
	principalCacheExpiry            = 1 * time.Hour
	principalCacheStaleWhileRefresh = 6 * time.Hour // Use stale data up to 6 hours with background refresh
	principalLockTimeout            = 30 * time.Second
	principalLockRetryInterval      = 1 * time.Second // Retry interval when lock exists
	principalLockRetryAttempts      = 3               // Number of lock acquisition retry attempts
)

var (
	platformHTTPClient *http.Client
	auth0Config        *authentication.Authentication
)

// PrincipalData represents a user or group profile from the platform principals API
type PrincipalData struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Visibility  string    `json:"visibility"`
	TenantAlias string    `json:"tenantAlias"`
	LastFetched time.Time `json:"_last_fetched"` // Internal field for cache management
}

// principalResponse represents the API response from the platform principals endpoint
type principalResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Visibility  string `json:"visibility"`
	TenantAlias string `json:"tenant"`
}

// ClientCredentialsTokenSource implements oauth2.TokenSource for Auth0 private key JWT
type ClientCredentialsTokenSource struct {
	ctx        context.Context
	authConfig *authentication.Authentication
	audience   string
}

// Token implements the oauth2.TokenSource interface to return a new access token
func (c *ClientCredentialsTokenSource) Token() (*oauth2.Token, error) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.TODO()
	}

	// Build and issue a request using Auth0 client credentials flow
	body := oauth.LoginWithClientCredentialsRequest{
		Audience: c.audience,
	}

	tokenSet, err := c.authConfig.OAuth.LoginWithClientCredentials(ctx, body, oauth.IDTokenValidationOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get Auth0 token: %w", err)
	}

	// Convert the Auth0 response to an oauth2.Token with leeway for clock skew
	const leeway = 60 * time.Second
	token := &oauth2.Token{
		AccessToken: tokenSet.AccessToken,
		TokenType:   tokenSet.TokenType,
		Expiry:      time.Now().Add(time.Duration(tokenSet.ExpiresIn)*time.Second - leeway),
	}

	return token, nil
}

// initPlatformClient initializes the Auth0 authentication and HTTP client for platform API calls
func initPlatformClient(cfg *Config) error {
	// Create Auth0 client configuration with private key JWT
	authConfig, err := authentication.New(
		context.Background(),
		fmt.Sprintf("%s.auth0.com", cfg.Auth0Tenant),
		authentication.WithClientID(cfg.Auth0ClientID),
		authentication.WithClientAssertion(cfg.Auth0PrivateKey, "RS256"),
	)
	if err != nil {
		return fmt.Errorf("failed to create Auth0 client configuration: %w", err)
	}

	auth0Config = authConfig

	// Create HTTP client with Auth0 token source
	tokenSource := &ClientCredentialsTokenSource{
		ctx:        context.Background(),
		authConfig: authConfig,
		audience:   cfg.PlatformAPIGateway.String(),
	}

	platformHTTPClient = oauth2.NewClient(context.Background(), tokenSource)

	return nil
}

// getPrincipalFromAPI fetches a principal profile from the platform principals endpoint
func getPrincipalFromAPI(ctx context.Context, principalID string) (*PrincipalData, error) {
	url := fmt.Sprintf("%sapi/principals/%s", cfg.PlatformAPIGateway.String(), principalID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := platformHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("principals API returned status %d: %s", resp.StatusCode, string(body))
	}

	var principal principalResponse
	if err := json.Unmarshal(body, &principal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal principal response: %w", err)
	}

	// Convert to internal format with cache timestamp
	data := &PrincipalData{
		ID:          principal.ID,
		DisplayName: principal.DisplayName,
		Email:       principal.Email,
		Visibility:  principal.Visibility,
		TenantAlias: principal.TenantAlias,
		LastFetched: time.Now().UTC(),
	}

	return data, nil
}

// getCachedPrincipal retrieves a principal from the mappings KV cache
func getCachedPrincipal(ctx context.Context, principalID string) (*PrincipalData, error) {
	cacheKey := principalCacheKeyPrefix + principalID

	entry, err := mappingsKV.Get(ctx, cacheKey)
	if err != nil {
		return nil, err // No cached entry
	}

	var principal PrincipalData
	if err := json.Unmarshal(entry.Value(), &principal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached principal: %w", err)
	}

	return &principal, nil
}

// setCachedPrincipal stores a principal in the mappings KV cache
func setCachedPrincipal(ctx context.Context, principalID string, principal *PrincipalData) error {
	cacheKey := principalCacheKeyPrefix + principalID

	data, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("failed to marshal principal for cache: %w", err)
	}

	_, err = mappingsKV.Put(ctx, cacheKey, data)
	return err
}

// acquirePrincipalLock attempts to acquire a lock for principal refresh operations with retries
// Returns (acquired, waited) where waited indicates if any retry attempts were made
func acquirePrincipalLock(ctx context.Context, principalID string, kv jetstream.KeyValue, maxRetries int) (bool, bool) {
	lockKey := principalLockKeyPrefix + principalID
	var waited bool

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lockValue := strconv.FormatInt(time.Now().Unix(), 10)

		// Try to create the lock (will fail if it already exists)
		_, err := kv.Create(ctx, lockKey, []byte(lockValue))
		if err == nil {
			return true, waited // Successfully acquired lock
		}

		// Check if lock already exists and if it's stale
		if entry, getErr := kv.Get(ctx, lockKey); getErr == nil {
			if lockTimestamp, parseErr := strconv.ParseInt(string(entry.Value()), 10, 64); parseErr == nil {
				lockTime := time.Unix(lockTimestamp, 0)
				if time.Since(lockTime) > principalLockTimeout {
					// Lock is stale, try to update it
					if _, updateErr := kv.Put(ctx, lockKey, []byte(lockValue)); updateErr == nil {
						return true, waited
					}
				}
			}
		}

		// If this isn't the last attempt, wait before retrying
		if attempt < maxRetries {
			waited = true
			time.Sleep(principalLockRetryInterval)
		}
	}

	return false, waited // Failed to acquire lock after all attempts
}

// releasePrincipalLock releases a principal refresh lock
func releasePrincipalLock(ctx context.Context, principalID string, kv jetstream.KeyValue) error {
	lockKey := principalLockKeyPrefix + principalID
	return kv.Delete(ctx, lockKey)
}

// refreshPrincipalInBackground refreshes principal data in the background
func refreshPrincipalInBackground(ctx context.Context, principalID string) {
	go func() {
		// Acquire lock for this refresh operation
		acquired, _ := acquirePrincipalLock(ctx, principalID, mappingsKV, 1)
		if !acquired {
			return // Another process is already refreshing
		}

		defer func() {
			if releaseErr := releasePrincipalLock(ctx, principalID, mappingsKV); releaseErr != nil {
				logger.With(errKey, releaseErr, "principal_id", principalID).WarnContext(ctx, "failed to release principal cache lock")
			}
		}()

		// Fetch fresh principal data
		principal, err := getPrincipalFromAPI(ctx, principalID)
		if err != nil {
			logger.With(errKey, err, "principal_id", principalID).WarnContext(ctx, "background principal refresh failed")
			return
		}

		// Update cache
		if err := setCachedPrincipal(ctx, principalID, principal); err != nil {
			logger.With(errKey, err, "principal_id", principalID).WarnContext(ctx, "failed to update principal cache after refresh")
		} else {
			logger.With("principal_id", principalID, "display_name", principal.DisplayName).DebugContext(ctx, "principal cache refreshed in background")
		}
	}()
}

// getPrincipalData retrieves principal information with caching and refresh logic
func getPrincipalData(ctx context.Context, principalID string) (*PrincipalData, error) {
	// Try to get from cache first
	cachedPrincipal, err := getCachedPrincipal(ctx, principalID)
	if err == nil {
		age := time.Since(cachedPrincipal.LastFetched)
		// See if cache is still within the "stale" window.
		if age <= principalCacheStaleWhileRefresh {
			if age > principalCacheExpiry {
				// Cache is stale: refresh in background.
				refreshPrincipalInBackground(ctx, principalID)
			}
			if cachedPrincipal.DisplayName == "" {
				return nil, fmt.Errorf("principal %s previously failed to resolve", principalID)
			}
			return cachedPrincipal, nil
		}
		// Fall through if cache is *too* old (past "stale" window).
	}

	// Try to acquire lock.
	acquired, waited := acquirePrincipalLock(ctx, principalID, mappingsKV, principalLockRetryAttempts)

	if acquired {
		// We got the lock: set up defer to release it.
		defer func() {
			if releaseErr := releasePrincipalLock(ctx, principalID, mappingsKV); releaseErr != nil {
				logger.With(errKey, releaseErr, "principal_id", principalID).WarnContext(ctx, "failed to release principal lookup lock")
			}
		}()
	}

	// If we waited, check cache again - another process might have populated it.
	if waited {
		if freshPrincipal, cacheErr := getCachedPrincipal(ctx, principalID); cacheErr == nil {
			if time.Since(freshPrincipal.LastFetched) <= principalCacheExpiry {
				if freshPrincipal.DisplayName == "" {
					return nil, fmt.Errorf("principal %s previously failed to resolve", principalID)
				}
				return freshPrincipal, nil
			}
		}
		// Fall through to fetch fresh data.
	}

	// Fetch from API
	principal, err := getPrincipalFromAPI(ctx, principalID)
	if err != nil {
		// Cache the error state to avoid repeated failed lookups
		errorPrincipal := &PrincipalData{
			ID:          principalID,
			DisplayName: "", // Empty display name indicates error state
			LastFetched: time.Now().UTC(),
		}
		if cacheErr := setCachedPrincipal(ctx, principalID, errorPrincipal); cacheErr != nil {
			logger.With(errKey, cacheErr, "principal_id", principalID).WarnContext(ctx, "failed to cache principal error state")
		}
		return nil, err
	}

	// Update cache
	if err := setCachedPrincipal(ctx, principalID, principal); err != nil {
		logger.With(errKey, err, "principal_id", principalID).WarnContext(ctx, "failed to cache principal data")
	}

	return principal, nil
}
