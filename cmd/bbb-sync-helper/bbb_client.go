// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// HTTP/XML client for the BigBlueButton API.
//
// Every BBB API call is a GET against {endpoint}api/{action}?{query} where the
// query carries a trailing checksum parameter computed as
// SHA-1(action + query + secret) over the exact encoded query string that is
// sent. The response is an XML <response> envelope whose returncode is either
// SUCCESS or FAILED; FAILED responses carry a messageKey and message that are
// surfaced to the caller as a *bbbError. HTTP and XML decode errors are
// propagated unmodified.
package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	bbbActionCreate            = "create"
	bbbActionJoin              = "join"
	bbbActionGetMeetingInfo    = "getMeetingInfo"
	bbbActionIsMeetingRunning  = "isMeetingRunning"
	bbbActionEnd               = "end"
	bbbActionGetRecordings     = "getRecordings"
	bbbActionPublishRecordings = "publishRecordings"
	bbbActionDeleteRecordings  = "deleteRecordings"

	bbbReturnCodeSuccess = "SUCCESS"
	bbbReturnCodeFailed  = "FAILED"

	// messageKey returned by getMeetingInfo and end when the meeting does not
	// exist on the BBB server.
	bbbMessageKeyNotFound = "notFound"

	bbbRequestTimeout = 30 * time.Second
)

// bbbError is a FAILED response from the BBB API.
type bbbError struct {
	MessageKey string
	Message    string
}

func (e *bbbError) Error() string {
	return fmt.Sprintf("bbb api error %s: %s", e.MessageKey, e.Message)
}

// isBBBNotFound reports whether err is a FAILED response with the notFound
// message key, which the join flow treats as "create the session first".
func isBBBNotFound(err error) bool {
	var bErr *bbbError
	return errors.As(err, &bErr) && bErr.MessageKey == bbbMessageKeyNotFound
}

// bbbClient issues checksum-signed calls against per-tenant BBB servers.
type bbbClient struct {
	httpClient *http.Client
}

// newBBBClient creates a bbbClient with the default request timeout.
func newBBBClient() *bbbClient {
	return &bbbClient{
		httpClient: &http.Client{Timeout: bbbRequestTimeout},
	}
}

// bbbChecksum computes the BBB API checksum for an action and an encoded
// query string.
func bbbChecksum(action, query, secret string) string {
	sum := sha1.Sum([]byte(action + query + secret))
	return hex.EncodeToString(sum[:])
}

// signedBBBURL builds the full signed URL for a BBB API action. The checksum
// is always the last query parameter and is computed over the exact encoded
// query string placed in the URL.
func signedBBBURL(server tenantBBBConfig, action string, params url.Values) string {
	query := params.Encode()
	checksum := bbbChecksum(action, query, server.Secret)
	if query != "" {
		query += "&"
	}
	return server.Endpoint + "api/" + action + "?" + query + "checksum=" + checksum
}

// bbbEnvelope is the common portion of every BBB XML response.
type bbbEnvelope struct {
	ReturnCode string `xml:"returncode"`
	MessageKey string `xml:"messageKey"`
	Message    string `xml:"message"`
}

// bbbMeetingInfo is the response payload of getMeetingInfo (and create, which
// returns the same meeting fields on success).
type bbbMeetingInfo struct {
	XMLName xml.Name `xml:"response"`
	bbbEnvelope

	MeetingID            string        `xml:"meetingID"`
	MeetingName          string        `xml:"meetingName"`
	InternalMeetingID    string        `xml:"internalMeetingID"`
	CreateTime           int64         `xml:"createTime"`
	AttendeePW           string        `xml:"attendeePW"`
	ModeratorPW          string        `xml:"moderatorPW"`
	Running              bool          `xml:"running"`
	Recording            bool          `xml:"recording"`
	HasBeenForciblyEnded bool          `xml:"hasBeenForciblyEnded"`
	StartTime            int64         `xml:"startTime"`
	EndTime              int64         `xml:"endTime"`
	ParticipantCount     int           `xml:"participantCount"`
	ModeratorCount       int           `xml:"moderatorCount"`
	Attendees            []bbbAttendee `xml:"attendees>attendee"`
}

// bbbAttendee is a participant entry inside a getMeetingInfo response.
type bbbAttendee struct {
	UserID   string `xml:"userID"`
	FullName string `xml:"fullName"`
	Role     string `xml:"role"`
}

// bbbRunningResponse is the response payload of isMeetingRunning.
type bbbRunningResponse struct {
	XMLName xml.Name `xml:"response"`
	bbbEnvelope

	Running bool `xml:"running"`
}

// bbbRecordingsResponse is the response payload of getRecordings.
type bbbRecordingsResponse struct {
	XMLName xml.Name `xml:"response"`
	bbbEnvelope

	Recordings []bbbRecording `xml:"recordings>recording"`
}

// bbbRecording is a single recording entry from getRecordings.
type bbbRecording struct {
	RecordID  string              `xml:"recordID"`
	MeetingID string              `xml:"meetingID"`
	Name      string              `xml:"name"`
	Published bool                `xml:"published"`
	State     string              `xml:"state"`
	StartTime int64               `xml:"startTime"`
	EndTime   int64               `xml:"endTime"`
	Playback  []bbbPlaybackFormat `xml:"playback>format"`
}

// bbbPlaybackFormat is one playback format of a recording.
type bbbPlaybackFormat struct {
	Type string `xml:"type"`
	URL  string `xml:"url"`
}

// playbackURL returns the presentation playback URL of the recording, falling
// back to the first format when no presentation format exists.
func (r bbbRecording) playbackURL() string {
	for _, format := range r.Playback {
		if format.Type == "presentation" {
			return format.URL
		}
	}
	if len(r.Playback) > 0 {
		return r.Playback[0].URL
	}
	return ""
}

// executeBBBCall issues the signed GET for action and decodes the XML body
// into out, which must embed bbbEnvelope. A FAILED returncode is converted to
// a *bbbError; transport and decode errors pass through unmodified.
func (c *bbbClient) executeBBBCall(ctx context.Context, server tenantBBBConfig, action string, params url.Values, out interface{ envelope() *bbbEnvelope }) error {
	callURL := signedBBBURL(server, action, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bbb server returned status %d for action %s", resp.StatusCode, action)
	}

	if err := xml.Unmarshal(body, out); err != nil {
		return err
	}

	env := out.envelope()
	if env.ReturnCode != bbbReturnCodeSuccess {
		return &bbbError{MessageKey: env.MessageKey, Message: env.Message}
	}

	return nil
}

func (m *bbbMeetingInfo) envelope() *bbbEnvelope        { return &m.bbbEnvelope }
func (r *bbbRunningResponse) envelope() *bbbEnvelope    { return &r.bbbEnvelope }
func (r *bbbRecordingsResponse) envelope() *bbbEnvelope { return &r.bbbEnvelope }

// createMeetingParams carries the options passed to the create action.
type createMeetingParams struct {
	MeetingID   string
	Name        string
	AttendeePW  string
	ModeratorPW string
	Record      bool
	// WaitModerator holds attendees at the door until a moderator has joined.
	WaitModerator bool
	LogoutURL     string
	Welcome       string
}

// createMeeting creates a BBB session. Creating a session that already exists
// with the same meeting ID is idempotent on the BBB side; the join flow
// relies on this.
func (c *bbbClient) createMeeting(ctx context.Context, server tenantBBBConfig, create createMeetingParams) (*bbbMeetingInfo, error) {
	params := url.Values{}
	params.Set("meetingID", create.MeetingID)
	params.Set("name", create.Name)
	params.Set("attendeePW", create.AttendeePW)
	params.Set("moderatorPW", create.ModeratorPW)
	if create.Record {
		params.Set("record", "true")
	}
	if create.WaitModerator {
		params.Set("guestPolicy", "ASK_MODERATOR")
	}
	if create.LogoutURL != "" {
		params.Set("logoutURL", create.LogoutURL)
	}
	if create.Welcome != "" {
		params.Set("welcome", create.Welcome)
	}

	var info bbbMeetingInfo
	if err := c.executeBBBCall(ctx, server, bbbActionCreate, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// getMeetingInfo fetches the live state of a BBB session. A *bbbError with
// messageKey notFound means no session exists for the meeting ID.
func (c *bbbClient) getMeetingInfo(ctx context.Context, server tenantBBBConfig, meetingID string) (*bbbMeetingInfo, error) {
	params := url.Values{}
	params.Set("meetingID", meetingID)

	var info bbbMeetingInfo
	if err := c.executeBBBCall(ctx, server, bbbActionGetMeetingInfo, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// isMeetingRunning reports whether a BBB session currently has participants.
func (c *bbbClient) isMeetingRunning(ctx context.Context, server tenantBBBConfig, meetingID string) (bool, error) {
	params := url.Values{}
	params.Set("meetingID", meetingID)

	var resp bbbRunningResponse
	if err := c.executeBBBCall(ctx, server, bbbActionIsMeetingRunning, params, &resp); err != nil {
		return false, err
	}
	return resp.Running, nil
}

// endMeeting forcibly ends a BBB session using the moderator password.
func (c *bbbClient) endMeeting(ctx context.Context, server tenantBBBConfig, meetingID, moderatorPW string) error {
	params := url.Values{}
	params.Set("meetingID", meetingID)
	params.Set("password", moderatorPW)

	var resp bbbRunningResponse
	return c.executeBBBCall(ctx, server, bbbActionEnd, params, &resp)
}

// getRecordings lists the recordings of a meeting.
func (c *bbbClient) getRecordings(ctx context.Context, server tenantBBBConfig, meetingID string) ([]bbbRecording, error) {
	params := url.Values{}
	params.Set("meetingID", meetingID)

	var resp bbbRecordingsResponse
	if err := c.executeBBBCall(ctx, server, bbbActionGetRecordings, params, &resp); err != nil {
		return nil, err
	}
	return resp.Recordings, nil
}

// publishRecordings toggles the published state of the given recordings.
func (c *bbbClient) publishRecordings(ctx context.Context, server tenantBBBConfig, recordIDs []string, publish bool) error {
	params := url.Values{}
	params.Set("recordID", joinRecordIDs(recordIDs))
	params.Set("publish", fmt.Sprintf("%t", publish))

	var resp bbbRunningResponse
	return c.executeBBBCall(ctx, server, bbbActionPublishRecordings, params, &resp)
}

// deleteRecordings removes the given recordings from the BBB server.
func (c *bbbClient) deleteRecordings(ctx context.Context, server tenantBBBConfig, recordIDs []string) error {
	params := url.Values{}
	params.Set("recordID", joinRecordIDs(recordIDs))

	var resp bbbRunningResponse
	return c.executeBBBCall(ctx, server, bbbActionDeleteRecordings, params, &resp)
}

// joinRecordIDs joins record IDs the way the BBB API expects them (comma-separated).
func joinRecordIDs(recordIDs []string) string {
	joined := ""
	for i, id := range recordIDs {
		if i > 0 {
			joined += ","
		}
		joined += id
	}
	return joined
}

// joinMeetingURL builds the signed join URL for a participant. This is a pure
// URL-signing operation; no HTTP call is made. The user's browser is
// redirected to the returned URL and BBB validates the checksum itself.
func joinMeetingURL(server tenantBBBConfig, meetingID, fullName, password, userID string) string {
	params := url.Values{}
	params.Set("meetingID", meetingID)
	params.Set("fullName", fullName)
	params.Set("password", password)
	if userID != "" {
		params.Set("userID", userID)
	}
	return signedBBBURL(server, bbbActionJoin, params)
}

// meetingPasswords derives the deterministic attendee and moderator passwords
// for a meeting from the tenant secret. Deriving them means no password state
// has to be stored: create and join always agree on the same values.
func meetingPasswords(meetingID, secret string) (attendeePW, moderatorPW string) {
	ap := sha1.Sum([]byte(secret + ":" + meetingID + ":attendee"))
	mp := sha1.Sum([]byte(secret + ":" + meetingID + ":moderator"))
	return hex.EncodeToString(ap[:20])[:20], hex.EncodeToString(mp[:20])[:20]
}
