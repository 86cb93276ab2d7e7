// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signTestToken signs user claims with the given private key the way the
// platform frontend does.
func signTestToken(t *testing.T, key *rsa.PrivateKey, claims userClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func testTokenKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	previous := joinTokenKey
	joinTokenKey = &key.PublicKey
	t.Cleanup(func() { joinTokenKey = previous })

	return key
}

func TestVerifyUserToken(t *testing.T) {
	key := testTokenKey(t)

	token := signTestToken(t, key, userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "oae:t1:ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		DisplayName: "Ada Lovelace",
		TenantAlias: "t1",
	})

	claims, err := verifyUserToken(token)
	require.NoError(t, err)
	assert.Equal(t, "oae:t1:ada", claims.Subject)
	assert.Equal(t, "Ada Lovelace", claims.DisplayName)
	assert.Equal(t, "t1", claims.TenantAlias)
	assert.False(t, claims.Anonymous)
}

func TestVerifyUserTokenExpired(t *testing.T) {
	key := testTokenKey(t)

	token := signTestToken(t, key, userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "oae:t1:ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := verifyUserToken(token)
	assert.Error(t, err)
}

func TestVerifyUserTokenWrongKey(t *testing.T) {
	testTokenKey(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token := signTestToken(t, otherKey, userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "oae:t1:ada",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err = verifyUserToken(token)
	assert.Error(t, err)
}

func TestVerifyUserTokenRejectsNonRSA(t *testing.T) {
	testTokenKey(t)

	// Tokens signed with a symmetric algorithm must be rejected even if the
	// attacker uses the public key bytes as the HMAC secret.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "oae:t1:mallory",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("not-a-secret"))
	require.NoError(t, err)

	_, err = verifyUserToken(token)
	assert.Error(t, err)
}

func TestAuthorizeMeetingAccessPublic(t *testing.T) {
	meeting := &MeetingRecord{ID: "m-1", TenantAlias: "t1", Visibility: VisibilityPublic}

	// Anonymous users may join public meetings as attendees.
	role, err := authorizeMeetingAccess(t.Context(), meeting, &userClaims{Anonymous: true})
	require.NoError(t, err)
	assert.Equal(t, RoleMember, role)
}

func TestAuthorizeMeetingAccessAllModerators(t *testing.T) {
	meeting := &MeetingRecord{ID: "m-1", TenantAlias: "t1", Visibility: VisibilityPublic, AllModerators: true}

	role, err := authorizeMeetingAccess(t.Context(), meeting, &userClaims{Anonymous: true})
	require.NoError(t, err)
	assert.Equal(t, RoleManager, role)
}

func TestAuthorizeMeetingAccessLoggedInRejectsAnonymous(t *testing.T) {
	meeting := &MeetingRecord{ID: "m-1", TenantAlias: "t1", Visibility: VisibilityLoggedIn}

	_, err := authorizeMeetingAccess(t.Context(), meeting, &userClaims{Anonymous: true})
	assert.Error(t, err)

	_, err = authorizeMeetingAccess(t.Context(), meeting, &userClaims{})
	assert.Error(t, err)
}

func TestAuthorizeMeetingAccessPrivateRejectsNonMembers(t *testing.T) {
	meeting := &MeetingRecord{ID: "m-1", TenantAlias: "t1", Visibility: VisibilityPrivate}

	_, err := authorizeMeetingAccess(t.Context(), meeting, &userClaims{Anonymous: true})
	assert.Error(t, err)
}
