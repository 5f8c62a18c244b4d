package store

import "time"

// Credential holds the OAuth token pair for one connected account.
//
// The refresh token is stored encrypted at rest; only the auth service can
// decrypt it. If AccessToken is non-empty, AccessTokenExpiresAt is set.
type Credential struct {
	AccountID            string
	AccessToken          string
	RefreshTokenEnc      []byte
	AccessTokenExpiresAt *time.Time
	RefreshDeniedAt      *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// WatchChannel is an active provider-side notification subscription.
//
// A nil LastSyncCursor means the channel has never synced and the next sync
// must be a full listing. At most one channel exists per (account, resource).
type WatchChannel struct {
	ChannelID  string
	AccountID  string
	ResourceID string
	// ProviderResourceID is the provider-assigned opaque id for the watched
	// resource, distinct from the logical ResourceID key. Needed to stop a
	// channel.
	ProviderResourceID string
	ExpirationAt       time.Time
	LastSyncCursor     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Attendee is one entry of an event's attendee list, in provider order.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	IsOrganizer    bool   `json:"is_organizer,omitempty"`
	IsSelf         bool   `json:"is_self,omitempty"`
}

// CalendarEvent is a locally materialized provider event.
//
// Cancelled events are never stored; a cancellation observed during sync
// deletes the row instead.
type CalendarEvent struct {
	AccountID    string
	ResourceID   string
	EventID      string
	Title        string
	Description  string
	StartTime    *time.Time
	EndTime      *time.Time
	Status       string
	Attendees    []Attendee
	RawPayload   []byte
	ETag         string
	LastModified *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
