// Package storetest provides in-memory repository implementations for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

// Credentials is an in-memory store.CredentialRepository.
type Credentials struct {
	mu    sync.Mutex
	Items map[string]*store.Credential

	GetErr    error
	UpdateErr error
}

func NewCredentials() *Credentials {
	return &Credentials{Items: make(map[string]*store.Credential)}
}

func (c *Credentials) Get(ctx context.Context, accountID string) (*store.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	cred, ok := c.Items[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (c *Credentials) Upsert(ctx context.Context, accountID string, refreshTokenEnc []byte, accessToken string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.Items[accountID]
	if !ok {
		cred = &store.Credential{AccountID: accountID, CreatedAt: time.Now()}
		c.Items[accountID] = cred
	}
	if len(refreshTokenEnc) > 0 {
		cred.RefreshTokenEnc = refreshTokenEnc
	}
	cred.AccessToken = accessToken
	if accessToken != "" {
		expiry := expiresAt
		cred.AccessTokenExpiresAt = &expiry
	} else {
		cred.AccessTokenExpiresAt = nil
	}
	cred.RefreshDeniedAt = nil
	cred.UpdatedAt = time.Now()
	return nil
}

func (c *Credentials) UpdateAccessToken(ctx context.Context, accountID, accessToken string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpdateErr != nil {
		return c.UpdateErr
	}
	cred, ok := c.Items[accountID]
	if !ok {
		return store.ErrNotFound
	}
	cred.AccessToken = accessToken
	expiry := expiresAt
	cred.AccessTokenExpiresAt = &expiry
	cred.RefreshDeniedAt = nil
	cred.UpdatedAt = time.Now()
	return nil
}

func (c *Credentials) MarkRefreshDenied(ctx context.Context, accountID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.Items[accountID]
	if !ok {
		return store.ErrNotFound
	}
	when := at
	cred.RefreshDeniedAt = &when
	return nil
}

func (c *Credentials) Delete(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Items, accountID)
	return nil
}

// Channels is an in-memory store.ChannelRepository.
type Channels struct {
	mu    sync.Mutex
	Items map[string]*store.WatchChannel
	Lease map[string]time.Time

	UpdateCursorErr     error
	UpdateExpirationErr error
	CursorWrites        []string
}

func NewChannels() *Channels {
	return &Channels{
		Items: make(map[string]*store.WatchChannel),
		Lease: make(map[string]time.Time),
	}
}

func (c *Channels) GetByID(ctx context.Context, channelID string) (*store.WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.Items[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *ch
	if ch.LastSyncCursor != nil {
		cursor := *ch.LastSyncCursor
		copied.LastSyncCursor = &cursor
	}
	return &copied, nil
}

func (c *Channels) Upsert(ctx context.Context, ch store.WatchChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, existing := range c.Items {
		if existing.AccountID == ch.AccountID && existing.ResourceID == ch.ResourceID {
			delete(c.Items, id)
		}
	}
	stored := ch
	c.Items[ch.ChannelID] = &stored
	delete(c.Lease, ch.ChannelID)
	return nil
}

func (c *Channels) ListByAccount(ctx context.Context, accountID string) ([]store.WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.WatchChannel
	for _, ch := range c.Items {
		if ch.AccountID == accountID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (c *Channels) ListExpiring(ctx context.Context, cutoff time.Time) ([]store.WatchChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.WatchChannel
	for _, ch := range c.Items {
		if ch.ExpirationAt.Before(cutoff) {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpirationAt.Before(out[j].ExpirationAt) })
	return out, nil
}

func (c *Channels) UpdateExpiration(ctx context.Context, channelID string, expiration time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpdateExpirationErr != nil {
		return c.UpdateExpirationErr
	}
	ch, ok := c.Items[channelID]
	if !ok {
		return store.ErrNotFound
	}
	ch.ExpirationAt = expiration
	return nil
}

func (c *Channels) UpdateCursor(ctx context.Context, channelID, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UpdateCursorErr != nil {
		return c.UpdateCursorErr
	}
	ch, ok := c.Items[channelID]
	if !ok {
		return store.ErrNotFound
	}
	stored := cursor
	ch.LastSyncCursor = &stored
	c.CursorWrites = append(c.CursorWrites, cursor)
	return nil
}

func (c *Channels) AcquireSyncLease(ctx context.Context, channelID string, now time.Time, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Items[channelID]; !ok {
		return false, nil
	}
	if until, held := c.Lease[channelID]; held && until.After(now) {
		return false, nil
	}
	c.Lease[channelID] = now.Add(ttl)
	return true, nil
}

func (c *Channels) ReleaseSyncLease(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Lease, channelID)
	return nil
}

func (c *Channels) Delete(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Items, channelID)
	delete(c.Lease, channelID)
	return nil
}

type eventKey struct {
	accountID  string
	resourceID string
	eventID    string
}

// Events is an in-memory store.EventRepository.
type Events struct {
	mu    sync.Mutex
	items map[eventKey]store.CalendarEvent

	UpsertErr    error
	ListByIDsErr error
}

func NewEvents() *Events {
	return &Events{items: make(map[eventKey]store.CalendarEvent)}
}

func (e *Events) BatchUpsert(ctx context.Context, events []store.CalendarEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.UpsertErr != nil {
		return e.UpsertErr
	}
	for _, ev := range events {
		e.items[eventKey{ev.AccountID, ev.ResourceID, ev.EventID}] = ev
	}
	return nil
}

func (e *Events) BatchDelete(ctx context.Context, accountID, resourceID string, eventIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range eventIDs {
		delete(e.items, eventKey{accountID, resourceID, id})
	}
	return nil
}

func (e *Events) ListByIDs(ctx context.Context, accountID, resourceID string, eventIDs []string) ([]store.CalendarEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListByIDsErr != nil {
		return nil, e.ListByIDsErr
	}
	var out []store.CalendarEvent
	for _, id := range eventIDs {
		if ev, ok := e.items[eventKey{accountID, resourceID, id}]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *Events) ListByAccount(ctx context.Context, accountID string) ([]store.CalendarEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []store.CalendarEvent
	for key, ev := range e.items {
		if key.accountID == accountID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (e *Events) DeleteByResource(ctx context.Context, accountID, resourceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.items {
		if key.accountID == accountID && key.resourceID == resourceID {
			delete(e.items, key)
		}
	}
	return nil
}

func (e *Events) DeleteByAccount(ctx context.Context, accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.items {
		if key.accountID == accountID {
			delete(e.items, key)
		}
	}
	return nil
}

// Get returns a stored event and whether it exists.
func (e *Events) Get(accountID, resourceID, eventID string) (store.CalendarEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.items[eventKey{accountID, resourceID, eventID}]
	return ev, ok
}

// Len reports the number of stored events.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

var (
	_ store.CredentialRepository = (*Credentials)(nil)
	_ store.ChannelRepository    = (*Channels)(nil)
	_ store.EventRepository      = (*Events)(nil)
)
