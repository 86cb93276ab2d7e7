// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// Principal ID mapping utility for converting platform usernames to the
// search-principal format.
//
// This module handles the conversion of usernames to the principal ID format
// the search and access services expect, which uses "oae:{tenant}:{safe ID}".
package main

import (
	"crypto/sha512"
	"regexp"
	"strings"

	"github.com/akamensky/base58"
)

var (
	// Detect username compatibility with directly-embeddable principal IDs.
	safeNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,58}[A-Za-z0-9]$`)
	hexUserRE  = regexp.MustCompile(`^[0-9a-f]{24,60}$`)
)

// mapUsernameToPrincipalID converts a username to the principal ID format used
// in search documents and access messages.
//
// The mapping logic:
//   - Safe usernames (matching safeNameRE and not hexUserRE): use directly as userID
//   - Unsafe usernames: hash with SHA512 and encode to base58 (~80 chars) for usernames
//     longer than 60 characters, with non-standard chars, or that might collide with
//     a 24+ character hexadecimal internal ID
//
// Returns: "oae:{tenantAlias}:{userID}" format string
func mapUsernameToPrincipalID(tenantAlias, username string) string {
	if username == "" {
		return ""
	}

	var userID string
	if safeNameRE.MatchString(username) && !hexUserRE.MatchString(username) {
		// Safe and forward-compatible to use the username as the unique ID.
		userID = username
	} else {
		// Uses a sha512 hash encoded to base58 (~80 chars) for usernames longer
		// than 60 characters, with non-standard chars, or that might collide
		// with a 24+ character hexadecimal internal ID.
		hash := sha512.Sum512([]byte(username))
		userID = base58.Encode(hash[:])
	}

	return "oae:" + tenantAlias + ":" + userID
}

// normalizePrincipalID maps a raw username into principal ID format unless it
// already is one. Synced member records written by older platform versions
// carry bare usernames instead of principal IDs.
func normalizePrincipalID(tenantAlias, principal string) string {
	if principal == "" || strings.HasPrefix(principal, "oae:") {
		return principal
	}
	return mapUsernameToPrincipalID(tenantAlias, principal)
}
