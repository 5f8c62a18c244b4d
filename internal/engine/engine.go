// Package engine implements delta synchronization against the provider's
// change feed, watch channel setup, and channel renewal.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/dispatch"
	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// TokenSource yields an access token valid for the account right now.
// Implemented by the auth service.
type TokenSource interface {
	EnsureValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// Provider is the outbound calendar API surface the engine needs.
// Implemented by the google client.
type Provider interface {
	Watch(ctx context.Context, accessToken, resourceID, channelID string) (*google.WatchResult, error)
	Stop(ctx context.Context, accessToken, channelID, providerResourceID string) error
	ListChanges(ctx context.Context, accessToken, resourceID, cursor string, fullSyncStart time.Time) (*google.ChangeSet, error)
}

const statusCancelled = "cancelled"

// Service coordinates sync and channel lifecycle for all accounts.
type Service struct {
	credentials store.CredentialRepository
	channels    store.ChannelRepository
	events      store.EventRepository
	tokens      TokenSource
	provider    Provider
	dispatcher  dispatch.Dispatcher

	leaseTTL  time.Duration
	lookahead time.Duration
	newID     func() string
	now       func() time.Time
}

type Params struct {
	Credentials store.CredentialRepository
	Channels    store.ChannelRepository
	Events      store.EventRepository
	Tokens      TokenSource
	Provider    Provider
	Dispatcher  dispatch.Dispatcher
	LeaseTTL    time.Duration
	Lookahead   time.Duration
	NewID       func() string
}

func New(p Params) *Service {
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = 2 * time.Minute
	}
	if p.Lookahead <= 0 {
		p.Lookahead = 48 * time.Hour
	}
	return &Service{
		credentials: p.Credentials,
		channels:    p.Channels,
		events:      p.Events,
		tokens:      p.Tokens,
		provider:    p.Provider,
		dispatcher:  p.Dispatcher,
		leaseTTL:    p.LeaseTTL,
		lookahead:   p.Lookahead,
		newID:       p.NewID,
		now:         time.Now,
	}
}

// Sync pulls the change feed for one channel and reconciles the event store.
//
// With forceFull set (initial handshake notifications) any stored cursor is
// ignored and a bounded full listing runs instead. Concurrent syncs for the
// same channel are serialized through a lease; the loser no-ops, since the
// in-flight sync covers the same ground.
func (s *Service) Sync(ctx context.Context, ch *store.WatchChannel, forceFull bool) error {
	start := s.now()

	acquired, err := s.channels.AcquireSyncLease(ctx, ch.ChannelID, start, s.leaseTTL)
	if err != nil {
		metrics.ObserveSync("error", start, 0, 0)
		return fmt.Errorf("acquire lease for channel %s: %w", ch.ChannelID, err)
	}
	if !acquired {
		log.Printf("[INFO] channel %s sync already in flight, skipping", ch.ChannelID)
		metrics.ObserveSync("lease_held", start, 0, 0)
		return nil
	}
	defer func() {
		if err := s.channels.ReleaseSyncLease(context.WithoutCancel(ctx), ch.ChannelID); err != nil {
			log.Printf("[WARN] release lease for channel %s: %v", ch.ChannelID, err)
		}
	}()

	token, err := s.tokens.EnsureValidAccessToken(ctx, ch.AccountID)
	if err != nil {
		metrics.ObserveSync("token_error", start, 0, 0)
		return err
	}

	cursor := ""
	if !forceFull && ch.LastSyncCursor != nil {
		cursor = *ch.LastSyncCursor
	}

	set, err := s.provider.ListChanges(ctx, token, ch.ResourceID, cursor, startOfToday(start))
	if errors.Is(err, google.ErrCursorExpired) && cursor != "" {
		// The delta history is gone; fall back to a full resync exactly
		// once. A second expiry on the fresh listing is fatal.
		log.Printf("[INFO] cursor expired for channel %s, running full resync", ch.ChannelID)
		set, err = s.provider.ListChanges(ctx, token, ch.ResourceID, "", startOfToday(start))
	}
	if err != nil {
		metrics.ObserveSync("provider_error", start, 0, 0)
		return fmt.Errorf("sync channel %s: %w", ch.ChannelID, err)
	}

	upserts, deleteIDs := s.partition(ch, set.Items)

	// Prior rows feed the attendee diff that suppresses redundant
	// dispatches. If this lookup fails we dispatch for everything rather
	// than block the sync.
	var prior map[string]store.CalendarEvent
	upsertIDs := make([]string, 0, len(upserts))
	for _, ev := range upserts {
		upsertIDs = append(upsertIDs, ev.EventID)
	}
	if existing, err := s.events.ListByIDs(ctx, ch.AccountID, ch.ResourceID, upsertIDs); err != nil {
		log.Printf("[WARN] prior event lookup for channel %s: %v", ch.ChannelID, err)
	} else {
		prior = make(map[string]store.CalendarEvent, len(existing))
		for _, ev := range existing {
			prior[ev.EventID] = ev
		}
	}

	if err := s.events.BatchUpsert(ctx, upserts); err != nil {
		metrics.ObserveSync("store_error", start, 0, 0)
		return fmt.Errorf("upsert events for channel %s: %w", ch.ChannelID, err)
	}
	if err := s.events.BatchDelete(ctx, ch.AccountID, ch.ResourceID, deleteIDs); err != nil {
		metrics.ObserveSync("store_error", start, 0, 0)
		return fmt.Errorf("delete events for channel %s: %w", ch.ChannelID, err)
	}

	// The cursor commit comes strictly after the data writes it represents.
	// A crash in between just replays this page; the writes above are
	// idempotent by provider id.
	if set.NextCursor != "" {
		if err := s.channels.UpdateCursor(ctx, ch.ChannelID, set.NextCursor); err != nil {
			metrics.ObserveSync("store_error", start, 0, 0)
			return fmt.Errorf("advance cursor for channel %s: %w", ch.ChannelID, err)
		}
	}

	for _, ev := range upserts {
		old, existed := prior[ev.EventID]
		if prior != nil && existed && attendeeEmailsEqual(old.Attendees, ev.Attendees) {
			continue
		}
		kind := dispatch.ChangeCreated
		if existed {
			kind = dispatch.ChangeAttendeesUpdated
		}
		s.dispatcher.Notify(ctx, ch.AccountID, ev.EventID, kind)
	}

	metrics.ObserveSync("ok", start, len(upserts), len(deleteIDs))
	return nil
}

// partition splits a change set into upsert rows and deletion ids. Cancelled
// items only ever contribute their id to the deletion set.
func (s *Service) partition(ch *store.WatchChannel, items []*calendar.Event) ([]store.CalendarEvent, []string) {
	var upserts []store.CalendarEvent
	var deleteIDs []string
	for _, item := range items {
		if item == nil || item.Id == "" {
			continue
		}
		if item.Status == statusCancelled {
			deleteIDs = append(deleteIDs, item.Id)
			continue
		}
		upserts = append(upserts, mapEvent(ch, item))
	}
	return upserts, deleteIDs
}

// mapEvent converts a provider event into its materialized form.
func mapEvent(ch *store.WatchChannel, item *calendar.Event) store.CalendarEvent {
	ev := store.CalendarEvent{
		AccountID:   ch.AccountID,
		ResourceID:  ch.ResourceID,
		EventID:     item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Status:      item.Status,
		Attendees:   normalizeAttendees(item.Attendees),
		ETag:        item.Etag,
		StartTime:   parseEventTime(item.Start),
		EndTime:     parseEventTime(item.End),
	}
	if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
		ev.LastModified = &t
	}
	if raw, err := json.Marshal(item); err == nil {
		ev.RawPayload = raw
	}
	return ev
}

func parseEventTime(edt *calendar.EventDateTime) *time.Time {
	if edt == nil {
		return nil
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return &t
		}
		return nil
	}
	if edt.Date != "" {
		// All-day events carry a bare date.
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return &t
		}
	}
	return nil
}

// startOfToday bounds a full listing so a first sync does not ingest the
// account's entire history.
func startOfToday(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
