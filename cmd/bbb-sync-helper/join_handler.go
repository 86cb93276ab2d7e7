// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// NATS request handlers for the BigBlueButton meeting operations.
//
// The platform frontend does not talk to BBB directly. It sends a signed user
// token plus a meeting ID over NATS request/reply and gets back either a
// signed join URL to redirect the browser to, meeting info, or an error. BBB
// FAILED responses are surfaced with their original messageKey and message.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS subjects for the meeting operation request handlers.
const (
	// BBBJoinSubject answers join requests with a signed join URL.
	BBBJoinSubject = "oae.bbb.join"

	// BBBInfoSubject answers with the live state of a meeting's BBB session.
	BBBInfoSubject = "oae.bbb.info"

	// BBBRunningSubject answers whether a meeting's BBB session currently has
	// participants.
	BBBRunningSubject = "oae.bbb.running"

	// BBBEndSubject forcibly ends a meeting's BBB session.
	BBBEndSubject = "oae.bbb.end"

	// BBBRecordingsSubject lists the recordings of a meeting.
	BBBRecordingsSubject = "oae.bbb.recordings"

	// BBBPublishRecordingsSubject toggles the published state of recordings.
	BBBPublishRecordingsSubject = "oae.bbb.publish_recordings"

	// BBBDeleteRecordingsSubject deletes recordings from the BBB server.
	BBBDeleteRecordingsSubject = "oae.bbb.delete_recordings"

	// MappingLookupSubject answers mapping lookup requests from other services.
	MappingLookupSubject = "oae.bbb.lookup"

	// SearchTransformSubject answers search display transform requests.
	SearchTransformSubject = "oae.search.transform.meeting"

	// SearchReindexSubject triggers a full reindex of meeting resources.
	SearchReindexSubject = "oae.search.reindex.meeting"

	// requestQueue is the queue group shared by all service replicas so each
	// request is handled exactly once.
	requestQueue = "bbb-sync-helper"
)

// userClaims are the claims of the signed user token the platform attaches to
// meeting operation requests.
type userClaims struct {
	jwt.RegisteredClaims

	DisplayName string `json:"name"`
	TenantAlias string `json:"tenant"`
	Anonymous   bool   `json:"anon,omitempty"`
}

// joinTokenKey is the parsed RSA public key for verifying user tokens,
// populated from configuration at startup.
var joinTokenKey *rsa.PublicKey

// loadJoinTokenKey parses the configured PEM public key.
func loadJoinTokenKey() error {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JoinTokenPublicKey))
	if err != nil {
		return fmt.Errorf("failed to parse JOIN_TOKEN_PUBLIC_KEY: %w", err)
	}
	joinTokenKey = key
	return nil
}

// verifyUserToken validates the signed user token and returns its claims.
func verifyUserToken(tokenString string) (*userClaims, error) {
	claims := &userClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return joinTokenKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid user token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid user token")
	}
	return claims, nil
}

// meetingOperationRequest is the request payload for all meeting operation subjects.
type meetingOperationRequest struct {
	MeetingID string `json:"meeting_id"`
	Token     string `json:"token"`

	// RecordIDs is used by the recording publish/delete operations.
	RecordIDs []string `json:"record_ids,omitempty"`
	// Publish is used by the publish-recordings operation.
	Publish bool `json:"publish,omitempty"`
}

// meetingOperationResponse is the response payload for meeting operation subjects.
type meetingOperationResponse struct {
	URL        string          `json:"url,omitempty"`
	Info       *bbbMeetingInfo `json:"info,omitempty"`
	Running    *bool           `json:"running,omitempty"`
	Recordings []bbbRecording  `json:"recordings,omitempty"`
	Error      string          `json:"error,omitempty"`
	MessageKey string          `json:"message_key,omitempty"`
}

// respondOperation marshals and sends the response, logging reply failures.
func respondOperation(ctx context.Context, msg *nats.Msg, response meetingOperationResponse) {
	responseBytes, err := json.Marshal(response)
	if err != nil {
		logger.With(errKey, err, "subject", msg.Subject).ErrorContext(ctx, "failed to marshal operation response")
		return
	}
	if err := msg.Respond(responseBytes); err != nil {
		logger.With(errKey, err, "subject", msg.Subject).ErrorContext(ctx, "failed to respond to operation request")
	}
}

// respondOperationError sends an error response, preserving the BBB messageKey
// when the error came from a FAILED BBB response.
func respondOperationError(ctx context.Context, msg *nats.Msg, err error) {
	response := meetingOperationResponse{Error: err.Error()}
	var bErr *bbbError
	if errors.As(err, &bErr) {
		response.Error = bErr.Message
		response.MessageKey = bErr.MessageKey
	}
	respondOperation(ctx, msg, response)
}

// getMeetingRecord loads a live meeting record from the synced resources.
func getMeetingRecord(ctx context.Context, meetingID string) (*MeetingRecord, error) {
	entry, err := resourcesKV.Get(ctx, meetingsTable+"."+meetingID)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, fmt.Errorf("meeting %s not found", meetingID)
		}
		return nil, fmt.Errorf("failed to load meeting %s: %w", meetingID, err)
	}

	data, err := decodeRecordData(entry.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to decode meeting %s: %w", meetingID, err)
	}
	if isSoftDeleted(data) {
		return nil, fmt.Errorf("meeting %s not found", meetingID)
	}

	return convertMapToMeetingRecord(data)
}

// memberRole returns the principal's role on the meeting, or "" when the
// principal is not a member.
func memberRole(ctx context.Context, meetingID, principalID string) string {
	entry, err := resourcesKV.Get(ctx, membersTable+"."+meetingID+"#"+principalID)
	if err != nil {
		return ""
	}
	data, err := decodeRecordData(entry.Value())
	if err != nil || isSoftDeleted(data) {
		return ""
	}
	role, _ := data["role"].(string)
	return role
}

// authorizeMeetingAccess checks whether the token's principal may see the
// meeting and returns the member role to use for the BBB session. Managers
// (and everyone, when the meeting runs in all-moderators mode) join as
// moderators.
func authorizeMeetingAccess(ctx context.Context, meeting *MeetingRecord, claims *userClaims) (string, error) {
	principalID := claims.Subject

	role := ""
	if principalID != "" {
		role = memberRole(ctx, meeting.ID, principalID)
		if role == "" && principalID == meeting.CreatedBy {
			role = RoleManager
		}
	}

	switch meeting.Visibility {
	case VisibilityPublic:
		// Anyone may join, including anonymous users.
	case VisibilityLoggedIn:
		if claims.Anonymous || principalID == "" {
			return "", errors.New("anonymous users cannot join this meeting")
		}
		if claims.TenantAlias != meeting.TenantAlias && role == "" {
			return "", errors.New("user is not authorized to join this meeting")
		}
	default:
		// Private: explicit membership required.
		if role == "" {
			return "", errors.New("user is not a member of this meeting")
		}
	}

	if role == "" {
		role = RoleMember
	}
	if meeting.AllModerators {
		role = RoleManager
	}
	return role, nil
}

// authorizeRequest verifies the token and loads the meeting it targets.
func authorizeRequest(ctx context.Context, request meetingOperationRequest) (*MeetingRecord, *userClaims, tenantBBBConfig, error) {
	claims, err := verifyUserToken(request.Token)
	if err != nil {
		return nil, nil, tenantBBBConfig{}, err
	}

	meeting, err := getMeetingRecord(ctx, request.MeetingID)
	if err != nil {
		return nil, nil, tenantBBBConfig{}, err
	}

	server, err := resolveTenantBBBConfig(ctx, meeting.TenantAlias)
	if err != nil {
		return nil, nil, tenantBBBConfig{}, err
	}
	if !server.configured() {
		return nil, nil, tenantBBBConfig{}, fmt.Errorf("tenant %s has no BigBlueButton server configured", meeting.TenantAlias)
	}

	return meeting, claims, server, nil
}

// joinHandler handles NATS function calls for joining a meeting. It checks the
// session state with getMeetingInfo, creates the session when BBB reports
// notFound, and responds with the signed join URL. The create action is
// idempotent on the BBB side, so concurrent joins of the same meeting are safe.
func joinHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid join request: %w", err))
		return
	}

	funcLogger := logger.With("meeting_id", request.MeetingID)
	funcLogger.DebugContext(ctx, "processing join request")

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		funcLogger.With(errKey, err).InfoContext(ctx, "join request rejected")
		respondOperationError(ctx, msg, err)
		return
	}

	role, err := authorizeMeetingAccess(ctx, meeting, claims)
	if err != nil {
		funcLogger.With("principal_id", claims.Subject).InfoContext(ctx, "join request not authorized")
		respondOperationError(ctx, msg, err)
		return
	}

	attendeePW, moderatorPW := meetingPasswords(meeting.ID, server.Secret)

	_, err = bbb.getMeetingInfo(ctx, server, meeting.ID)
	if isBBBNotFound(err) {
		funcLogger.DebugContext(ctx, "no running session, creating one")
		_, err = bbb.createMeeting(ctx, server, createMeetingParams{
			MeetingID:     meeting.ID,
			Name:          meeting.DisplayName,
			AttendeePW:    attendeePW,
			ModeratorPW:   moderatorPW,
			Record:        meeting.Record && server.RecordingsEnabled,
			WaitModerator: meeting.WaitModerator,
			Welcome:       meeting.Description,
		})
	}
	if err != nil {
		funcLogger.With(errKey, err).ErrorContext(ctx, "failed to prepare meeting session")
		respondOperationError(ctx, msg, err)
		return
	}

	password := attendeePW
	if role == RoleManager {
		password = moderatorPW
	}

	joinURL := joinMeetingURL(server, meeting.ID, claims.DisplayName, password, claims.Subject)

	funcLogger.With("principal_id", claims.Subject, "role", role).InfoContext(ctx, "issued join URL")
	respondOperation(ctx, msg, meetingOperationResponse{URL: joinURL})
}

// infoHandler handles NATS function calls for the live state of a meeting's
// BBB session.
func infoHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid info request: %w", err))
		return
	}

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	if _, err := authorizeMeetingAccess(ctx, meeting, claims); err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	info, err := bbb.getMeetingInfo(ctx, server, meeting.ID)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	respondOperation(ctx, msg, meetingOperationResponse{Info: info})
}

// runningHandler handles NATS function calls asking whether a meeting's BBB
// session currently has participants. A meeting that has never been created on
// the BBB server is reported as not running.
func runningHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid running request: %w", err))
		return
	}

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	if _, err := authorizeMeetingAccess(ctx, meeting, claims); err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	running, err := bbb.isMeetingRunning(ctx, server, meeting.ID)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	respondOperation(ctx, msg, meetingOperationResponse{Running: &running})
}

// endHandler handles NATS function calls for forcibly ending a meeting's BBB
// session. Only managers may end a session.
func endHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid end request: %w", err))
		return
	}

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	role, err := authorizeMeetingAccess(ctx, meeting, claims)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}
	if role != RoleManager {
		respondOperationError(ctx, msg, errors.New("only managers can end a meeting"))
		return
	}

	_, moderatorPW := meetingPasswords(meeting.ID, server.Secret)
	if err := bbb.endMeeting(ctx, server, meeting.ID, moderatorPW); err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	logger.With("meeting_id", meeting.ID, "principal_id", claims.Subject).InfoContext(ctx, "ended meeting session")
	respondOperation(ctx, msg, meetingOperationResponse{})
}

// recordingsHandler handles NATS function calls listing a meeting's recordings.
// The live recordings are also republished to the indexer so search stays in
// sync with the BBB server.
func recordingsHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid recordings request: %w", err))
		return
	}

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	if _, err := authorizeMeetingAccess(ctx, meeting, claims); err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	recordings, err := bbb.getRecordings(ctx, server, meeting.ID)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	syncRecordings(ctx, meeting, recordings)

	respondOperation(ctx, msg, meetingOperationResponse{Recordings: recordings})
}

// manageRecordingsHandler handles NATS function calls for publishing or
// deleting recordings. Only managers may manage recordings.
func manageRecordingsHandler(msg *nats.Msg) {
	ctx := context.Background()

	var request meetingOperationRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		respondOperationError(ctx, msg, fmt.Errorf("invalid recordings request: %w", err))
		return
	}

	meeting, claims, server, err := authorizeRequest(ctx, request)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	role, err := authorizeMeetingAccess(ctx, meeting, claims)
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}
	if role != RoleManager {
		respondOperationError(ctx, msg, errors.New("only managers can manage recordings"))
		return
	}
	if len(request.RecordIDs) == 0 {
		respondOperationError(ctx, msg, errors.New("no record IDs given"))
		return
	}

	switch msg.Subject {
	case BBBPublishRecordingsSubject:
		err = bbb.publishRecordings(ctx, server, request.RecordIDs, request.Publish)
	case BBBDeleteRecordingsSubject:
		err = bbb.deleteRecordings(ctx, server, request.RecordIDs)
		if err == nil {
			for _, recordID := range request.RecordIDs {
				if indexErr := sendIndexerMessage(ctx, IndexMeetingRecordingSubject, MessageActionDeleted, recordID, []string{}); indexErr != nil {
					logger.With(errKey, indexErr, "record_id", recordID).ErrorContext(ctx, "failed to send recording delete indexer message")
				}
			}
		}
	default:
		err = fmt.Errorf("unexpected subject %s", msg.Subject)
	}
	if err != nil {
		respondOperationError(ctx, msg, err)
		return
	}

	logger.With("meeting_id", meeting.ID, "record_count", len(request.RecordIDs)).InfoContext(ctx, "managed recordings")
	respondOperation(ctx, msg, meetingOperationResponse{})
}
