package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"github.com/jw6ventures/calsync/internal/dispatch"
	"github.com/jw6ventures/calsync/internal/google"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/store/storetest"
)

type listCall struct {
	cursor  string
	timeMin time.Time
}

type listResult struct {
	set *google.ChangeSet
	err error
}

type fakeProvider struct {
	listResults []listResult
	listCalls   []listCall

	watchResult *google.WatchResult
	watchErr    map[string]error
	watchCalls  []string

	stopCalls []string
}

func (p *fakeProvider) ListChanges(ctx context.Context, accessToken, resourceID, cursor string, fullSyncStart time.Time) (*google.ChangeSet, error) {
	p.listCalls = append(p.listCalls, listCall{cursor: cursor, timeMin: fullSyncStart})
	if len(p.listResults) == 0 {
		return &google.ChangeSet{}, nil
	}
	next := p.listResults[0]
	p.listResults = p.listResults[1:]
	return next.set, next.err
}

func (p *fakeProvider) Watch(ctx context.Context, accessToken, resourceID, channelID string) (*google.WatchResult, error) {
	p.watchCalls = append(p.watchCalls, channelID)
	if err := p.watchErr[channelID]; err != nil {
		return nil, err
	}
	result := p.watchResult
	if result == nil {
		result = &google.WatchResult{ResourceID: "prov-" + resourceID, Expiration: time.Now().Add(7 * 24 * time.Hour)}
	}
	return result, nil
}

func (p *fakeProvider) Stop(ctx context.Context, accessToken, channelID, providerResourceID string) error {
	p.stopCalls = append(p.stopCalls, channelID)
	return nil
}

type staticTokens struct {
	err error
}

func (s staticTokens) EnsureValidAccessToken(ctx context.Context, accountID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "token-" + accountID, nil
}

type notification struct {
	accountID string
	eventID   string
	kind      dispatch.ChangeKind
}

type recordingDispatcher struct {
	notifications []notification
}

func (d *recordingDispatcher) Notify(ctx context.Context, accountID, eventID string, kind dispatch.ChangeKind) {
	d.notifications = append(d.notifications, notification{accountID, eventID, kind})
}

type fixture struct {
	svc        *Service
	creds      *storetest.Credentials
	channels   *storetest.Channels
	events     *storetest.Events
	provider   *fakeProvider
	dispatcher *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		creds:      storetest.NewCredentials(),
		channels:   storetest.NewChannels(),
		events:     storetest.NewEvents(),
		provider:   &fakeProvider{},
		dispatcher: &recordingDispatcher{},
	}
	nextID := 0
	f.svc = New(Params{
		Credentials: f.creds,
		Channels:    f.channels,
		Events:      f.events,
		Tokens:      staticTokens{},
		Provider:    f.provider,
		Dispatcher:  f.dispatcher,
		NewID: func() string {
			nextID++
			return fmt.Sprintf("chan-%d", nextID)
		},
	})
	return f
}

func (f *fixture) addChannel(t *testing.T, channelID, accountID, resourceID string, cursor *string) *store.WatchChannel {
	t.Helper()
	ch := store.WatchChannel{
		ChannelID:      channelID,
		AccountID:      accountID,
		ResourceID:     resourceID,
		ExpirationAt:   time.Now().Add(7 * 24 * time.Hour),
		LastSyncCursor: cursor,
	}
	if err := f.channels.Upsert(context.Background(), ch); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	stored, err := f.channels.GetByID(context.Background(), channelID)
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	return stored
}

func confirmedEvent(id, summary string, attendees ...*calendar.EventAttendee) *calendar.Event {
	return &calendar.Event{
		Id:        id,
		Status:    "confirmed",
		Summary:   summary,
		Attendees: attendees,
		Start:     &calendar.EventDateTime{DateTime: "2025-01-01T10:00:00Z"},
		End:       &calendar.EventDateTime{DateTime: "2025-01-01T11:00:00Z"},
	}
}

func TestSyncInitialFullSync(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items: []*calendar.Event{confirmedEvent("e1", "Demo",
			&calendar.EventAttendee{Email: "a@x.com", Organizer: true},
			&calendar.EventAttendee{Email: "b@y.com"},
		)},
		NextCursor: "tok1",
	}}}

	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	ev, ok := f.events.Get("acct-1", "primary", "e1")
	if !ok {
		t.Fatal("event e1 not stored")
	}
	if ev.Title != "Demo" || len(ev.Attendees) != 2 {
		t.Errorf("stored event = %+v", ev)
	}
	if !ev.Attendees[0].IsOrganizer || ev.Attendees[0].Email != "a@x.com" {
		t.Errorf("attendees not normalized in order: %+v", ev.Attendees)
	}

	updated, err := f.channels.GetByID(context.Background(), "c1")
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	if updated.LastSyncCursor == nil || *updated.LastSyncCursor != "tok1" {
		t.Errorf("cursor = %v, want tok1", updated.LastSyncCursor)
	}

	if len(f.dispatcher.notifications) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.dispatcher.notifications))
	}
	n := f.dispatcher.notifications[0]
	if n.eventID != "e1" || n.kind != dispatch.ChangeCreated {
		t.Errorf("notification = %+v", n)
	}
}

func TestSyncForceFullIgnoresStoredCursor(t *testing.T) {
	f := newFixture(t)
	stale := "stale-cursor"
	ch := f.addChannel(t, "c1", "acct-1", "primary", &stale)

	f.provider.listResults = []listResult{{set: &google.ChangeSet{NextCursor: "tok1"}}}

	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(f.provider.listCalls) != 1 {
		t.Fatalf("list calls = %d", len(f.provider.listCalls))
	}
	if f.provider.listCalls[0].cursor != "" {
		t.Errorf("forced full sync sent cursor %q", f.provider.listCalls[0].cursor)
	}
	if f.provider.listCalls[0].timeMin.IsZero() {
		t.Error("full sync must bound the listing with a start time")
	}
}

func TestSyncIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	page := func() listResult {
		return listResult{set: &google.ChangeSet{
			Items: []*calendar.Event{
				confirmedEvent("e1", "Standup", &calendar.EventAttendee{Email: "a@x.com"}),
				{Id: "e2", Status: "cancelled"},
			},
			NextCursor: "tok1",
		}}
	}

	f.provider.listResults = []listResult{page()}
	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	first, _ := f.events.Get("acct-1", "primary", "e1")
	count := f.events.Len()

	// Redelivery of the same page.
	ch, _ = f.channels.GetByID(context.Background(), "c1")
	f.provider.listResults = []listResult{page()}
	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("replay Sync: %v", err)
	}

	second, ok := f.events.Get("acct-1", "primary", "e1")
	if !ok {
		t.Fatal("event e1 missing after replay")
	}
	if second.Title != first.Title || len(second.Attendees) != len(first.Attendees) {
		t.Errorf("replay changed the stored event: %+v vs %+v", first, second)
	}
	if f.events.Len() != count {
		t.Errorf("event count changed on replay: %d -> %d", count, f.events.Len())
	}

	updated, _ := f.channels.GetByID(context.Background(), "c1")
	if updated.LastSyncCursor == nil || *updated.LastSyncCursor != "tok1" {
		t.Errorf("cursor after replay = %v", updated.LastSyncCursor)
	}
}

func TestSyncCrashBeforeCursorCommitConverges(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	page := func() listResult {
		return listResult{set: &google.ChangeSet{
			Items:      []*calendar.Event{confirmedEvent("e1", "Planning")},
			NextCursor: "tok1",
		}}
	}

	// Simulated crash between the event writes and the cursor commit.
	f.channels.UpdateCursorErr = errors.New("connection reset")
	f.provider.listResults = []listResult{page()}
	if err := f.svc.Sync(context.Background(), ch, true); err == nil {
		t.Fatal("expected error when cursor persistence fails")
	}

	interrupted, _ := f.channels.GetByID(context.Background(), "c1")
	if interrupted.LastSyncCursor != nil {
		t.Fatal("cursor advanced despite failed commit")
	}
	if _, ok := f.events.Get("acct-1", "primary", "e1"); !ok {
		t.Fatal("event writes must land before the cursor commit")
	}

	// Redelivery re-runs the same page and converges.
	f.channels.UpdateCursorErr = nil
	f.provider.listResults = []listResult{page()}
	if err := f.svc.Sync(context.Background(), interrupted, true); err != nil {
		t.Fatalf("recovery Sync: %v", err)
	}

	final, _ := f.channels.GetByID(context.Background(), "c1")
	if final.LastSyncCursor == nil || *final.LastSyncCursor != "tok1" {
		t.Errorf("cursor = %v, want tok1", final.LastSyncCursor)
	}
	if f.events.Len() != 1 {
		t.Errorf("event count = %d, want 1", f.events.Len())
	}
}

func TestSyncCursorExpiredTriggersSingleFullResync(t *testing.T) {
	f := newFixture(t)
	cursor := "stale"
	ch := f.addChannel(t, "c1", "acct-1", "primary", &cursor)

	f.provider.listResults = []listResult{
		{err: google.ErrCursorExpired},
		{set: &google.ChangeSet{
			Items:      []*calendar.Event{confirmedEvent("e1", "Recovered")},
			NextCursor: "tok-fresh",
		}},
	}

	if err := f.svc.Sync(context.Background(), ch, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if len(f.provider.listCalls) != 2 {
		t.Fatalf("list calls = %d, want 2", len(f.provider.listCalls))
	}
	if f.provider.listCalls[0].cursor != "stale" {
		t.Errorf("first call cursor = %q", f.provider.listCalls[0].cursor)
	}
	if f.provider.listCalls[1].cursor != "" {
		t.Errorf("resync call cursor = %q, want empty", f.provider.listCalls[1].cursor)
	}

	updated, _ := f.channels.GetByID(context.Background(), "c1")
	if updated.LastSyncCursor == nil || *updated.LastSyncCursor != "tok-fresh" {
		t.Errorf("cursor = %v, want tok-fresh", updated.LastSyncCursor)
	}
}

func TestSyncCursorExpiredOnResyncIsFatal(t *testing.T) {
	f := newFixture(t)
	cursor := "stale"
	ch := f.addChannel(t, "c1", "acct-1", "primary", &cursor)

	f.provider.listResults = []listResult{
		{err: google.ErrCursorExpired},
		{err: google.ErrCursorExpired},
		{set: &google.ChangeSet{NextCursor: "never-reached"}},
	}

	err := f.svc.Sync(context.Background(), ch, false)
	if !errors.Is(err, google.ErrCursorExpired) {
		t.Fatalf("expected cursor-expired error, got %v", err)
	}
	if len(f.provider.listCalls) != 2 {
		t.Fatalf("list calls = %d, want exactly 2 (no unbounded recursion)", len(f.provider.listCalls))
	}
}

func TestSyncPartitionsCancelledIntoDeletions(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	// Pre-existing row that this delta cancels.
	_ = f.events.BatchUpsert(context.Background(), []store.CalendarEvent{{
		AccountID: "acct-1", ResourceID: "primary", EventID: "gone", Status: "confirmed",
	}})

	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items: []*calendar.Event{
			confirmedEvent("keep-1", "Kept"),
			{Id: "gone", Status: "cancelled"},
			{Id: "tentative-1", Status: "tentative", Summary: "Maybe"},
		},
		NextCursor: "tok1",
	}}}

	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if _, ok := f.events.Get("acct-1", "primary", "gone"); ok {
		t.Error("cancelled event must be deleted, not stored")
	}
	if _, ok := f.events.Get("acct-1", "primary", "keep-1"); !ok {
		t.Error("confirmed event missing")
	}
	ev, ok := f.events.Get("acct-1", "primary", "tentative-1")
	if !ok || ev.Status != "tentative" {
		t.Errorf("tentative event = %+v, ok=%v", ev, ok)
	}
}

func TestSyncAttendeeDiffSuppressesRedundantDispatch(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	_ = f.events.BatchUpsert(context.Background(), []store.CalendarEvent{{
		AccountID: "acct-1", ResourceID: "primary", EventID: "e1", Status: "confirmed",
		Attendees: []store.Attendee{{Email: "a@x.com"}, {Email: "b@y.com"}},
	}})

	// Same email set, different order: no dispatch.
	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items: []*calendar.Event{confirmedEvent("e1", "Reordered",
			&calendar.EventAttendee{Email: "b@y.com"},
			&calendar.EventAttendee{Email: "A@X.com"},
		)},
		NextCursor: "tok1",
	}}}
	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(f.dispatcher.notifications) != 0 {
		t.Fatalf("dispatches = %d, want 0 for attendee-identical update", len(f.dispatcher.notifications))
	}

	// Changed email set: exactly one dispatch.
	ch, _ = f.channels.GetByID(context.Background(), "c1")
	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items: []*calendar.Event{confirmedEvent("e1", "Changed",
			&calendar.EventAttendee{Email: "a@x.com"},
			&calendar.EventAttendee{Email: "c@z.com"},
		)},
		NextCursor: "tok2",
	}}}
	if err := f.svc.Sync(context.Background(), ch, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(f.dispatcher.notifications) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(f.dispatcher.notifications))
	}
	if f.dispatcher.notifications[0].kind != dispatch.ChangeAttendeesUpdated {
		t.Errorf("kind = %q", f.dispatcher.notifications[0].kind)
	}
}

func TestSyncDropsAttendeesWithoutEmail(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items: []*calendar.Event{confirmedEvent("e1", "Room booking",
			&calendar.EventAttendee{Email: "a@x.com"},
			&calendar.EventAttendee{DisplayName: "Conference Room 4", Resource: true},
		)},
		NextCursor: "tok1",
	}}}

	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	ev, _ := f.events.Get("acct-1", "primary", "e1")
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "a@x.com" {
		t.Errorf("attendees = %+v, want only a@x.com", ev.Attendees)
	}
}

func TestSyncLeaseContentionNoOps(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	ok, err := f.channels.AcquireSyncLease(context.Background(), "c1", time.Now(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	if err := f.svc.Sync(context.Background(), ch, false); err != nil {
		t.Fatalf("Sync under contention must no-op, got %v", err)
	}
	if len(f.provider.listCalls) != 0 {
		t.Errorf("provider called %d times while lease held", len(f.provider.listCalls))
	}
}

func TestSyncDispatchesWhenPriorLookupFails(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	f.events.ListByIDsErr = errors.New("lookup failed")
	f.provider.listResults = []listResult{{set: &google.ChangeSet{
		Items:      []*calendar.Event{confirmedEvent("e1", "Demo", &calendar.EventAttendee{Email: "a@x.com"})},
		NextCursor: "tok1",
	}}}

	if err := f.svc.Sync(context.Background(), ch, true); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(f.dispatcher.notifications) != 1 {
		t.Errorf("dispatches = %d, want 1 when the diff lookup fails", len(f.dispatcher.notifications))
	}
}

func TestSyncTokenFailurePropagates(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)

	tokenErr := errors.New("refresh denied")
	f.svc.tokens = staticTokens{err: tokenErr}

	if err := f.svc.Sync(context.Background(), ch, false); !errors.Is(err, tokenErr) {
		t.Fatalf("expected token error, got %v", err)
	}
	if len(f.provider.listCalls) != 0 {
		t.Error("provider must not be called without a token")
	}
}

func TestHandleResourceGoneCascades(t *testing.T) {
	f := newFixture(t)
	ch := f.addChannel(t, "c1", "acct-1", "primary", nil)
	f.addChannel(t, "c2", "acct-1", "secondary", nil)

	_ = f.events.BatchUpsert(context.Background(), []store.CalendarEvent{
		{AccountID: "acct-1", ResourceID: "primary", EventID: "e1", Status: "confirmed"},
		{AccountID: "acct-1", ResourceID: "primary", EventID: "e2", Status: "confirmed"},
		{AccountID: "acct-1", ResourceID: "secondary", EventID: "e3", Status: "confirmed"},
	})

	if err := f.svc.HandleResourceGone(context.Background(), ch); err != nil {
		t.Fatalf("HandleResourceGone: %v", err)
	}

	if _, err := f.channels.GetByID(context.Background(), "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("channel c1 should be deleted")
	}
	if _, ok := f.events.Get("acct-1", "primary", "e1"); ok {
		t.Error("events for the gone resource should be deleted")
	}
	if _, ok := f.events.Get("acct-1", "secondary", "e3"); !ok {
		t.Error("events for other resources must survive")
	}
	if _, err := f.channels.GetByID(context.Background(), "c2"); err != nil {
		t.Error("other channels must survive")
	}
}

func TestSetupWatchReplacesExistingRegistration(t *testing.T) {
	f := newFixture(t)
	cursor := "old-cursor"
	f.addChannel(t, "old-chan", "acct-1", "primary", &cursor)
	f.creds.Items["acct-1"] = &store.Credential{AccountID: "acct-1", RefreshTokenEnc: []byte("x")}

	if err := f.svc.SetupWatch(context.Background(), "acct-1", "primary"); err != nil {
		t.Fatalf("SetupWatch: %v", err)
	}

	if _, err := f.channels.GetByID(context.Background(), "old-chan"); !errors.Is(err, store.ErrNotFound) {
		t.Error("old registration should be replaced")
	}
	replaced, err := f.channels.GetByID(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("new channel missing: %v", err)
	}
	if replaced.LastSyncCursor != nil {
		t.Error("fresh registration must start without a cursor")
	}
	if replaced.ProviderResourceID != "prov-primary" {
		t.Errorf("ProviderResourceID = %q", replaced.ProviderResourceID)
	}
}

func TestDisconnectAccountTearsEverythingDown(t *testing.T) {
	f := newFixture(t)
	f.addChannel(t, "c1", "acct-1", "primary", nil)
	f.creds.Items["acct-1"] = &store.Credential{AccountID: "acct-1", RefreshTokenEnc: []byte("x")}
	_ = f.events.BatchUpsert(context.Background(), []store.CalendarEvent{
		{AccountID: "acct-1", ResourceID: "primary", EventID: "e1", Status: "confirmed"},
	})

	if err := f.svc.DisconnectAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("DisconnectAccount: %v", err)
	}

	if len(f.provider.stopCalls) != 1 || f.provider.stopCalls[0] != "c1" {
		t.Errorf("stop calls = %v", f.provider.stopCalls)
	}
	if _, err := f.channels.GetByID(context.Background(), "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("channel should be deleted")
	}
	if f.events.Len() != 0 {
		t.Error("events should be deleted")
	}
	if _, err := f.creds.Get(context.Background(), "acct-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("credential should be deleted")
	}
}
