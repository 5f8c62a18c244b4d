package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool *pgxpool.Pool
}

func (r *credentialRepo) Get(ctx context.Context, accountID string) (*Credential, error) {
	defer observeDB(ctx, "db.credentials.get")()
	const q = `SELECT account_id, COALESCE(access_token, ''), refresh_token_enc,
        access_token_expires_at, refresh_denied_at, created_at, updated_at
FROM credentials WHERE account_id = $1`

	var c Credential
	err := r.pool.QueryRow(ctx, q, accountID).Scan(
		&c.AccountID, &c.AccessToken, &c.RefreshTokenEnc,
		&c.AccessTokenExpiresAt, &c.RefreshDeniedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %s: %w", accountID, err)
	}
	return &c, nil
}

func (r *credentialRepo) Upsert(ctx context.Context, accountID string, refreshTokenEnc []byte, accessToken string, expiresAt time.Time) error {
	defer observeDB(ctx, "db.credentials.upsert")()
	var token *string
	var expiry *time.Time
	if accessToken != "" {
		token = &accessToken
		expiry = &expiresAt
	}

	// A reconnect may arrive without a refresh token (the provider only
	// issues one on the first consent); keep the stored one in that case.
	const q = `INSERT INTO credentials (account_id, refresh_token_enc, access_token, access_token_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id) DO UPDATE SET
    refresh_token_enc = COALESCE(NULLIF(EXCLUDED.refresh_token_enc, ''::bytea), credentials.refresh_token_enc),
    access_token = EXCLUDED.access_token,
    access_token_expires_at = EXCLUDED.access_token_expires_at,
    refresh_denied_at = NULL,
    updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, accountID, refreshTokenEnc, token, expiry); err != nil {
		return fmt.Errorf("upsert credential %s: %w", accountID, err)
	}
	return nil
}

func (r *credentialRepo) UpdateAccessToken(ctx context.Context, accountID, accessToken string, expiresAt time.Time) error {
	defer observeDB(ctx, "db.credentials.update_access_token")()
	const q = `UPDATE credentials
SET access_token = $2, access_token_expires_at = $3, refresh_denied_at = NULL, updated_at = NOW()
WHERE account_id = $1`
	tag, err := r.pool.Exec(ctx, q, accountID, accessToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update access token %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) MarkRefreshDenied(ctx context.Context, accountID string, at time.Time) error {
	defer observeDB(ctx, "db.credentials.mark_refresh_denied")()
	const q = `UPDATE credentials SET refresh_denied_at = $2, updated_at = NOW() WHERE account_id = $1`
	tag, err := r.pool.Exec(ctx, q, accountID, at)
	if err != nil {
		return fmt.Errorf("mark refresh denied %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) Delete(ctx context.Context, accountID string) error {
	defer observeDB(ctx, "db.credentials.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM credentials WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete credential %s: %w", accountID, err)
	}
	return nil
}

// channelRepo implements ChannelRepository.
type channelRepo struct {
	pool *pgxpool.Pool
}

const channelColumns = `channel_id, account_id, resource_id, provider_resource_id, expiration_at, last_sync_cursor, created_at, updated_at`

func scanChannel(row pgx.Row) (*WatchChannel, error) {
	var ch WatchChannel
	err := row.Scan(&ch.ChannelID, &ch.AccountID, &ch.ResourceID, &ch.ProviderResourceID,
		&ch.ExpirationAt, &ch.LastSyncCursor, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *channelRepo) GetByID(ctx context.Context, channelID string) (*WatchChannel, error) {
	defer observeDB(ctx, "db.channels.get")()
	q := `SELECT ` + channelColumns + ` FROM watch_channels WHERE channel_id = $1`
	ch, err := scanChannel(r.pool.QueryRow(ctx, q, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return ch, nil
}

func (r *channelRepo) Upsert(ctx context.Context, ch WatchChannel) error {
	defer observeDB(ctx, "db.channels.upsert")()
	const q = `INSERT INTO watch_channels (channel_id, account_id, resource_id, provider_resource_id, expiration_at, last_sync_cursor)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id, resource_id) DO UPDATE SET
    channel_id = EXCLUDED.channel_id,
    provider_resource_id = EXCLUDED.provider_resource_id,
    expiration_at = EXCLUDED.expiration_at,
    last_sync_cursor = EXCLUDED.last_sync_cursor,
    sync_lease_until = NULL,
    updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, ch.ChannelID, ch.AccountID, ch.ResourceID, ch.ProviderResourceID, ch.ExpirationAt, ch.LastSyncCursor); err != nil {
		return fmt.Errorf("upsert channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

func (r *channelRepo) ListByAccount(ctx context.Context, accountID string) ([]WatchChannel, error) {
	defer observeDB(ctx, "db.channels.list_by_account")()
	q := `SELECT ` + channelColumns + ` FROM watch_channels WHERE account_id = $1`
	return r.list(ctx, q, accountID)
}

func (r *channelRepo) ListExpiring(ctx context.Context, cutoff time.Time) ([]WatchChannel, error) {
	defer observeDB(ctx, "db.channels.list_expiring")()
	q := `SELECT ` + channelColumns + ` FROM watch_channels WHERE expiration_at < $1 ORDER BY expiration_at`
	return r.list(ctx, q, cutoff)
}

func (r *channelRepo) list(ctx context.Context, q string, args ...any) ([]WatchChannel, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []WatchChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (r *channelRepo) UpdateExpiration(ctx context.Context, channelID string, expiration time.Time) error {
	defer observeDB(ctx, "db.channels.update_expiration")()
	const q = `UPDATE watch_channels SET expiration_at = $2, updated_at = NOW() WHERE channel_id = $1`
	tag, err := r.pool.Exec(ctx, q, channelID, expiration)
	if err != nil {
		return fmt.Errorf("update channel expiration %s: %w", channelID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *channelRepo) UpdateCursor(ctx context.Context, channelID, cursor string) error {
	defer observeDB(ctx, "db.channels.update_cursor")()
	const q = `UPDATE watch_channels SET last_sync_cursor = $2, updated_at = NOW() WHERE channel_id = $1`
	tag, err := r.pool.Exec(ctx, q, channelID, cursor)
	if err != nil {
		return fmt.Errorf("update channel cursor %s: %w", channelID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *channelRepo) AcquireSyncLease(ctx context.Context, channelID string, now time.Time, ttl time.Duration) (bool, error) {
	defer observeDB(ctx, "db.channels.acquire_lease")()
	// Conditional update: only one writer can move a free or stale lease.
	const q = `UPDATE watch_channels SET sync_lease_until = $2
WHERE channel_id = $1 AND (sync_lease_until IS NULL OR sync_lease_until < $3)`
	tag, err := r.pool.Exec(ctx, q, channelID, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire sync lease %s: %w", channelID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *channelRepo) ReleaseSyncLease(ctx context.Context, channelID string) error {
	defer observeDB(ctx, "db.channels.release_lease")()
	const q = `UPDATE watch_channels SET sync_lease_until = NULL WHERE channel_id = $1`
	if _, err := r.pool.Exec(ctx, q, channelID); err != nil {
		return fmt.Errorf("release sync lease %s: %w", channelID, err)
	}
	return nil
}

func (r *channelRepo) Delete(ctx context.Context, channelID string) error {
	defer observeDB(ctx, "db.channels.delete")()
	if _, err := r.pool.Exec(ctx, `DELETE FROM watch_channels WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

const eventColumns = `account_id, resource_id, event_id, title, description,
    start_time, end_time, status, attendees, raw_payload, etag, last_modified,
    created_at, updated_at`

func (r *eventRepo) BatchUpsert(ctx context.Context, events []CalendarEvent) error {
	if len(events) == 0 {
		return nil
	}
	defer observeDB(ctx, "db.events.batch_upsert")()

	const q = `INSERT INTO calendar_events (account_id, resource_id, event_id, title, description,
    start_time, end_time, status, attendees, raw_payload, etag, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (account_id, resource_id, event_id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    start_time = EXCLUDED.start_time,
    end_time = EXCLUDED.end_time,
    status = EXCLUDED.status,
    attendees = EXCLUDED.attendees,
    raw_payload = EXCLUDED.raw_payload,
    etag = EXCLUDED.etag,
    last_modified = EXCLUDED.last_modified,
    updated_at = NOW()`

	batch := &pgx.Batch{}
	for _, ev := range events {
		attendees, err := json.Marshal(ev.Attendees)
		if err != nil {
			return fmt.Errorf("marshal attendees for %s: %w", ev.EventID, err)
		}
		raw := ev.RawPayload
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		batch.Queue(q, ev.AccountID, ev.ResourceID, ev.EventID, ev.Title, ev.Description,
			ev.StartTime, ev.EndTime, ev.Status, attendees, raw, ev.ETag, ev.LastModified)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch upsert events: %w", err)
		}
	}
	return nil
}

func (r *eventRepo) BatchDelete(ctx context.Context, accountID, resourceID string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	defer observeDB(ctx, "db.events.batch_delete")()
	const q = `DELETE FROM calendar_events
WHERE account_id = $1 AND resource_id = $2 AND event_id = ANY($3)`
	if _, err := r.pool.Exec(ctx, q, accountID, resourceID, eventIDs); err != nil {
		return fmt.Errorf("batch delete events: %w", err)
	}
	return nil
}

func (r *eventRepo) ListByIDs(ctx context.Context, accountID, resourceID string, eventIDs []string) ([]CalendarEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	defer observeDB(ctx, "db.events.list_by_ids")()
	q := `SELECT ` + eventColumns + ` FROM calendar_events
WHERE account_id = $1 AND resource_id = $2 AND event_id = ANY($3)`
	return r.list(ctx, q, accountID, resourceID, eventIDs)
}

func (r *eventRepo) ListByAccount(ctx context.Context, accountID string) ([]CalendarEvent, error) {
	defer observeDB(ctx, "db.events.list_by_account")()
	q := `SELECT ` + eventColumns + ` FROM calendar_events
WHERE account_id = $1 ORDER BY start_time NULLS LAST, event_id`
	return r.list(ctx, q, accountID)
}

func (r *eventRepo) list(ctx context.Context, q string, args ...any) ([]CalendarEvent, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []CalendarEvent
	for rows.Next() {
		var ev CalendarEvent
		var attendees []byte
		if err := rows.Scan(&ev.AccountID, &ev.ResourceID, &ev.EventID, &ev.Title, &ev.Description,
			&ev.StartTime, &ev.EndTime, &ev.Status, &attendees, &ev.RawPayload, &ev.ETag, &ev.LastModified,
			&ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(attendees, &ev.Attendees); err != nil {
			return nil, fmt.Errorf("unmarshal attendees for %s: %w", ev.EventID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *eventRepo) DeleteByResource(ctx context.Context, accountID, resourceID string) error {
	defer observeDB(ctx, "db.events.delete_by_resource")()
	const q = `DELETE FROM calendar_events WHERE account_id = $1 AND resource_id = $2`
	if _, err := r.pool.Exec(ctx, q, accountID, resourceID); err != nil {
		return fmt.Errorf("delete events for resource %s: %w", resourceID, err)
	}
	return nil
}

func (r *eventRepo) DeleteByAccount(ctx context.Context, accountID string) error {
	defer observeDB(ctx, "db.events.delete_by_account")()
	const q = `DELETE FROM calendar_events WHERE account_id = $1`
	if _, err := r.pool.Exec(ctx, q, accountID); err != nil {
		return fmt.Errorf("delete events for account %s: %w", accountID, err)
	}
	return nil
}
