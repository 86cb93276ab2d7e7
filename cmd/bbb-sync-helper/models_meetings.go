// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

// Meeting visibility values, matching the platform's resource visibility model.
const (
	// VisibilityPublic means anyone, including anonymous users, can see and join the meeting.
	VisibilityPublic = "public"
	// VisibilityLoggedIn means any authenticated user of the meeting's tenant can see and join.
	VisibilityLoggedIn = "loggedin"
	// VisibilityPrivate means only explicit members can see and join.
	VisibilityPrivate = "private"
)

// Member roles on a meeting resource.
const (
	// RoleManager members can update the meeting and join as BBB moderators.
	RoleManager = "manager"
	// RoleMember members can view the meeting and join as BBB attendees.
	RoleMember = "member"
)

// MeetingRecord is the meeting resource record as synced into the
// meeting-resources KV bucket from the platform's meetings table.
type MeetingRecord struct {
	ID          string `json:"meeting_id"`
	TenantAlias string `json:"tenant_alias"`
	CreatedBy   string `json:"created_by"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`

	// BBB session options chosen by the meeting manager.
	ChatEnabled   bool `json:"chat_enabled"`
	ContactList   bool `json:"contact_list"`
	Record        bool `json:"record"`
	AllModerators bool `json:"all_moderators"`
	WaitModerator bool `json:"wait_moderator"`

	// Scheduling. StartTime is RFC 3339; Duration is in minutes.
	StartTime  string             `json:"start_time,omitempty"`
	Duration   int                `json:"duration,omitempty"`
	Timezone   string             `json:"timezone,omitempty"`
	Recurrence *MeetingRecurrence `json:"recurrence,omitempty"`

	Created      string `json:"created"`
	LastModified string `json:"last_modified"`
}

// MeetingRecurrence describes the repeat pattern of a recurring meeting.
// Type is 1 for daily, 2 for weekly, 3 for monthly.
type MeetingRecurrence struct {
	Type           int    `json:"type"`
	RepeatInterval int    `json:"repeat_interval,omitempty"`
	WeeklyDays     string `json:"weekly_days,omitempty"` // comma-separated, 1=Sunday..7=Saturday
	MonthlyDay     int    `json:"monthly_day,omitempty"`
	MonthlyWeek    int    `json:"monthly_week,omitempty"`
	MonthlyWeekDay int    `json:"monthly_week_day,omitempty"`
	EndTimes       int    `json:"end_times,omitempty"`
	EndDateTime    string `json:"end_date_time,omitempty"`
}

// MemberRecord is a meeting membership record from the meeting-members table.
// The KV key is "{membersTable}.{meeting_id}#{principal_id}".
type MemberRecord struct {
	MeetingID   string `json:"meeting_id"`
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	TenantAlias string `json:"tenant_alias"`
	Modified    string `json:"modified_at,omitempty"`
}

// MessageRecord is a chat message posted to a meeting's message box.
type MessageRecord struct {
	ID          string `json:"message_id"`
	MeetingID   string `json:"meeting_id"`
	CreatedBy   string `json:"created_by"`
	Body        string `json:"body"`
	ThreadKey   string `json:"thread_key,omitempty"`
	TenantAlias string `json:"tenant_alias"`
	Created     string `json:"created"`
}

// TenantConfigRecord carries the per-tenant BBB configuration as synced from
// the platform's tenant configuration store.
type TenantConfigRecord struct {
	TenantAlias       string `json:"tenant_alias"`
	Endpoint          string `json:"endpoint"`
	Secret            string `json:"secret"`
	RecordingsEnabled bool   `json:"recordings_enabled"`
	Modified          string `json:"modified_at,omitempty"`
}

// MeetingSearchDocument is the search document indexed for a meeting resource.
// Field names follow the search schema of the platform's indexer: q_high is
// the high-signal full-text field, q_low the low-signal one, and _extra holds
// denormalized display data the transformer surfaces without re-fetching.
type MeetingSearchDocument struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resourceType"`
	TenantAlias  string         `json:"tenantAlias"`
	DisplayName  string         `json:"displayName"`
	Description  string         `json:"description,omitempty"`
	Visibility   string         `json:"visibility"`
	QHigh        string         `json:"q_high"`
	QLow         string         `json:"q_low,omitempty"`
	Sort         string         `json:"sort"`
	DateCreated  string         `json:"dateCreated"`
	LastModified string         `json:"lastModified"`
	Extra        map[string]any `json:"_extra,omitempty"`
}

// MessageSearchDocument is the search document indexed for a single chat
// message, child of the meeting document via MeetingID.
type MessageSearchDocument struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	MeetingID    string `json:"meetingId"`
	TenantAlias  string `json:"tenantAlias"`
	Body         string `json:"body"`
	QHigh        string `json:"q_high"`
	CreatedBy    string `json:"createdBy"`
	AuthorName   string `json:"authorName,omitempty"`
	Sort         string `json:"sort"`
	DateCreated  string `json:"dateCreated"`
}

// RecordingSearchDocument is the search document indexed for a BBB recording
// of a past meeting session.
type RecordingSearchDocument struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	MeetingID    string `json:"meetingId"`
	TenantAlias  string `json:"tenantAlias"`
	DisplayName  string `json:"displayName"`
	QHigh        string `json:"q_high"`
	PlaybackURL  string `json:"playbackUrl,omitempty"`
	Published    bool   `json:"published"`
	StartTime    string `json:"startTime,omitempty"`
	EndTime      string `json:"endTime,omitempty"`
}

// MeetingSearchResult is the display shape produced by the search transformer
// from an indexed meeting document.
type MeetingSearchResult struct {
	ID           string `json:"id"`
	ResourceType string `json:"resourceType"`
	TenantAlias  string `json:"tenantAlias"`
	DisplayName  string `json:"displayName"`
	Description  string `json:"description,omitempty"`
	Visibility   string `json:"visibility"`
	ProfilePath  string `json:"profilePath"`
	LastModified string `json:"lastModified"`
	// NextOccurrence is the RFC 3339 start of the next scheduled session, if
	// the meeting is recurring and has one.
	NextOccurrence string `json:"nextOccurrence,omitempty"`
}
