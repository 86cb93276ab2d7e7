// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBBChecksum(t *testing.T) {
	// Checksum is SHA-1 over action + encoded query + secret.
	query := "meetingID=abc&name=Weekly+Sync"
	expected := sha1.Sum([]byte("create" + query + "s3cret"))

	checksum := bbbChecksum("create", query, "s3cret")
	assert.Equal(t, hex.EncodeToString(expected[:]), checksum)
}

func TestSignedBBBURL(t *testing.T) {
	server := tenantBBBConfig{
		Endpoint: "https://bbb.example.org/bigbluebutton/",
		Secret:   "s3cret",
	}

	params := url.Values{}
	params.Set("meetingID", "abc")
	params.Set("name", "Weekly Sync")

	signed := signedBBBURL(server, "create", params)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/bigbluebutton/api/create", parsed.Path)

	// The checksum must be the last query parameter and must be computed over
	// the exact encoded query that precedes it.
	rawQuery := parsed.RawQuery
	checksumIndex := strings.LastIndex(rawQuery, "&checksum=")
	require.Greater(t, checksumIndex, 0)
	queryWithoutChecksum := rawQuery[:checksumIndex]
	checksum := rawQuery[checksumIndex+len("&checksum="):]
	assert.Equal(t, bbbChecksum("create", queryWithoutChecksum, "s3cret"), checksum)
}

func TestSignedBBBURLNoParams(t *testing.T) {
	server := tenantBBBConfig{Endpoint: "https://bbb.example.org/", Secret: "s3cret"}

	signed := signedBBBURL(server, "getMeetings", url.Values{})
	assert.Equal(t,
		"https://bbb.example.org/api/getMeetings?checksum="+bbbChecksum("getMeetings", "", "s3cret"),
		signed)
}

func TestJoinMeetingURL(t *testing.T) {
	server := tenantBBBConfig{Endpoint: "https://bbb.example.org/", Secret: "s3cret"}

	joinURL := joinMeetingURL(server, "meeting-1", "Ada Lovelace", "pw123", "oae:t1:ada")

	parsed, err := url.Parse(joinURL)
	require.NoError(t, err)
	assert.Equal(t, "/api/join", parsed.Path)
	assert.Equal(t, "meeting-1", parsed.Query().Get("meetingID"))
	assert.Equal(t, "Ada Lovelace", parsed.Query().Get("fullName"))
	assert.Equal(t, "pw123", parsed.Query().Get("password"))
	assert.Equal(t, "oae:t1:ada", parsed.Query().Get("userID"))
	assert.NotEmpty(t, parsed.Query().Get("checksum"))
}

func TestMeetingPasswords(t *testing.T) {
	attendee1, moderator1 := meetingPasswords("meeting-1", "s3cret")
	attendee2, moderator2 := meetingPasswords("meeting-1", "s3cret")

	// Deterministic: the same meeting and secret always derive the same pair.
	assert.Equal(t, attendee1, attendee2)
	assert.Equal(t, moderator1, moderator2)
	assert.NotEqual(t, attendee1, moderator1)

	// Different secrets derive different passwords.
	attendee3, _ := meetingPasswords("meeting-1", "other")
	assert.NotEqual(t, attendee1, attendee3)
}

func TestGetMeetingInfoSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/getMeetingInfo", r.URL.Path)
		assert.Equal(t, "meeting-1", r.URL.Query().Get("meetingID"))
		assert.NotEmpty(t, r.URL.Query().Get("checksum"))
		w.Write([]byte(`<response>
			<returncode>SUCCESS</returncode>
			<meetingID>meeting-1</meetingID>
			<meetingName>Weekly Sync</meetingName>
			<running>true</running>
			<participantCount>3</participantCount>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	info, err := client.getMeetingInfo(context.Background(), server, "meeting-1")
	require.NoError(t, err)
	assert.Equal(t, "meeting-1", info.MeetingID)
	assert.Equal(t, "Weekly Sync", info.MeetingName)
	assert.True(t, info.Running)
	assert.Equal(t, 3, info.ParticipantCount)
}

func TestGetMeetingInfoNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<response>
			<returncode>FAILED</returncode>
			<messageKey>notFound</messageKey>
			<message>We could not find a meeting with that meeting ID</message>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	_, err := client.getMeetingInfo(context.Background(), server, "missing")
	require.Error(t, err)
	assert.True(t, isBBBNotFound(err))

	var bErr *bbbError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "notFound", bErr.MessageKey)
	assert.Equal(t, "We could not find a meeting with that meeting ID", bErr.Message)
}

func TestExecuteBBBCallFailedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<response>
			<returncode>FAILED</returncode>
			<messageKey>checksumError</messageKey>
			<message>You did not pass the checksum security check</message>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "wrong"}
	client := newBBBClient()

	_, err := client.isMeetingRunning(context.Background(), server, "meeting-1")
	require.Error(t, err)
	assert.False(t, isBBBNotFound(err))

	var bErr *bbbError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "checksumError", bErr.MessageKey)
}

func TestExecuteBBBCallHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	_, err := client.getMeetingInfo(context.Background(), server, "meeting-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCreateMeetingParams(t *testing.T) {
	var gotQuery url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`<response>
			<returncode>SUCCESS</returncode>
			<meetingID>meeting-1</meetingID>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	_, err := client.createMeeting(context.Background(), server, createMeetingParams{
		MeetingID:   "meeting-1",
		Name:        "Weekly Sync",
		AttendeePW:  "apw",
		ModeratorPW: "mpw",
		Record:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "meeting-1", gotQuery.Get("meetingID"))
	assert.Equal(t, "Weekly Sync", gotQuery.Get("name"))
	assert.Equal(t, "apw", gotQuery.Get("attendeePW"))
	assert.Equal(t, "mpw", gotQuery.Get("moderatorPW"))
	assert.Equal(t, "true", gotQuery.Get("record"))
	assert.Empty(t, gotQuery.Get("guestPolicy"))

	// Meetings that wait for a moderator map onto the ASK_MODERATOR guest
	// policy on the BBB side.
	_, err = client.createMeeting(context.Background(), server, createMeetingParams{
		MeetingID:     "meeting-2",
		Name:          "Office Hours",
		AttendeePW:    "apw",
		ModeratorPW:   "mpw",
		WaitModerator: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ASK_MODERATOR", gotQuery.Get("guestPolicy"))
}

func TestIsMeetingRunning(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/isMeetingRunning", r.URL.Path)
		assert.Equal(t, "meeting-1", r.URL.Query().Get("meetingID"))
		w.Write([]byte(`<response>
			<returncode>SUCCESS</returncode>
			<running>true</running>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	running, err := client.isMeetingRunning(context.Background(), server, "meeting-1")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestGetRecordings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<response>
			<returncode>SUCCESS</returncode>
			<recordings>
				<recording>
					<recordID>rec-1</recordID>
					<meetingID>meeting-1</meetingID>
					<name>Weekly Sync</name>
					<published>true</published>
					<state>published</state>
					<startTime>1693526400000</startTime>
					<endTime>1693530000000</endTime>
					<playback>
						<format>
							<type>presentation</type>
							<url>https://bbb.example.org/playback/rec-1</url>
						</format>
					</playback>
				</recording>
			</recordings>
		</response>`))
	}))
	defer ts.Close()

	server := tenantBBBConfig{Endpoint: ts.URL + "/", Secret: "s3cret"}
	client := newBBBClient()

	recordings, err := client.getRecordings(context.Background(), server, "meeting-1")
	require.NoError(t, err)
	require.Len(t, recordings, 1)
	assert.Equal(t, "rec-1", recordings[0].RecordID)
	assert.True(t, recordings[0].Published)
	assert.Equal(t, "https://bbb.example.org/playback/rec-1", recordings[0].playbackURL())
}

func TestJoinRecordIDs(t *testing.T) {
	assert.Equal(t, "", joinRecordIDs(nil))
	assert.Equal(t, "rec-1", joinRecordIDs([]string{"rec-1"}))
	assert.Equal(t, "rec-1,rec-2", joinRecordIDs([]string{"rec-1", "rec-2"}))
}
