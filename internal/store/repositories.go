package store

import (
	"context"
	"time"
)

// CredentialRepository defines persistence operations for account credentials.
type CredentialRepository interface {
	Get(ctx context.Context, accountID string) (*Credential, error)
	// Upsert stores a credential for a newly connected account. An empty
	// refreshTokenEnc leaves any previously stored refresh token in place,
	// matching providers that only issue one on the first consent.
	Upsert(ctx context.Context, accountID string, refreshTokenEnc []byte, accessToken string, expiresAt time.Time) error
	// UpdateAccessToken persists the result of a successful refresh and
	// clears the refresh-denied flag. It never touches the refresh token.
	UpdateAccessToken(ctx context.Context, accountID, accessToken string, expiresAt time.Time) error
	// MarkRefreshDenied records that the provider rejected the refresh
	// token, leaving the stale credential in place for diagnostics.
	MarkRefreshDenied(ctx context.Context, accountID string, at time.Time) error
	Delete(ctx context.Context, accountID string) error
}

// ChannelRepository manages watch channel registrations.
type ChannelRepository interface {
	GetByID(ctx context.Context, channelID string) (*WatchChannel, error)
	// Upsert registers a channel, replacing any existing registration for
	// the same (account, resource) pair.
	Upsert(ctx context.Context, ch WatchChannel) error
	ListByAccount(ctx context.Context, accountID string) ([]WatchChannel, error)
	// ListExpiring returns channels whose expiration falls before the cutoff.
	ListExpiring(ctx context.Context, cutoff time.Time) ([]WatchChannel, error)
	// UpdateExpiration rotates the expiration without touching the cursor.
	UpdateExpiration(ctx context.Context, channelID string, expiration time.Time) error
	// UpdateCursor advances the sync cursor without touching the expiration.
	UpdateCursor(ctx context.Context, channelID, cursor string) error
	// AcquireSyncLease takes the per-channel sync lease if it is free or
	// stale, returning false when another sync currently holds it.
	AcquireSyncLease(ctx context.Context, channelID string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseSyncLease(ctx context.Context, channelID string) error
	Delete(ctx context.Context, channelID string) error
}

// EventRepository handles materialized calendar event storage.
type EventRepository interface {
	BatchUpsert(ctx context.Context, events []CalendarEvent) error
	BatchDelete(ctx context.Context, accountID, resourceID string, eventIDs []string) error
	ListByIDs(ctx context.Context, accountID, resourceID string, eventIDs []string) ([]CalendarEvent, error)
	ListByAccount(ctx context.Context, accountID string) ([]CalendarEvent, error)
	DeleteByResource(ctx context.Context, accountID, resourceID string) error
	DeleteByAccount(ctx context.Context, accountID string) error
}
