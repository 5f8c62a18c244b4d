package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrCursorExpired signals that the provider can no longer resume from the
// presented sync cursor (HTTP 410) and a full resync is required.
var ErrCursorExpired = errors.New("sync cursor expired")

const defaultCallTimeout = 30 * time.Second

// Client wraps the Google Calendar API for watch-channel and change-feed
// operations. Calls are paced by a shared limiter to stay inside API quota.
type Client struct {
	webhookURL string
	endpoint   string // override for tests; empty means the API default
	limiter    *rate.Limiter
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at an alternate API base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithCallTimeout bounds each outbound provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient builds a provider client that registers webhookURL as the push
// notification address.
func NewClient(webhookURL string, opts ...Option) *Client {
	c := &Client{
		webhookURL: webhookURL,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		timeout:    defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WatchResult is the provider's answer to a subscribe/watch call.
type WatchResult struct {
	ResourceID string
	Expiration time.Time
}

// ChangeSet is one fully drained change-feed read.
type ChangeSet struct {
	Items      []*calendar.Event
	NextCursor string
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// Watch subscribes (or re-subscribes) a channel for change notifications on
// the given resource. Renewal must reuse the original channel id so the
// provider replaces the subscription instead of orphaning it.
func (c *Client) Watch(ctx context.Context, accessToken, resourceID, channelID string) (*WatchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ch, err := svc.Events.Watch(resourceID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: c.webhookURL,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", resourceID, err)
	}

	result := &WatchResult{ResourceID: ch.ResourceId}
	if result.ResourceID == "" {
		result.ResourceID = resourceID
	}
	// Expiration arrives as epoch milliseconds.
	if ch.Expiration > 0 {
		result.Expiration = time.UnixMilli(ch.Expiration).UTC()
	}
	return result, nil
}

// Stop tears down an active watch channel. Used on account disconnect.
func (c *Client) Stop(ctx context.Context, accessToken, channelID, providerResourceID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: providerResourceID}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}

// ListChanges reads the change feed for a resource. With a cursor it
// retrieves only the delta; without one it lists from fullSyncStart onward.
// Pagination is drained completely before returning, so NextCursor is only
// ever the token covering everything in Items. A provider 410 maps to
// ErrCursorExpired.
func (c *Client) ListChanges(ctx context.Context, accessToken, resourceID, cursor string, fullSyncStart time.Time) (*ChangeSet, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	set := &ChangeSet{}
	pageToken := ""
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		call := svc.Events.List(resourceID)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			call = call.TimeMin(fullSyncStart.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := c.doList(ctx, call)
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
				return nil, fmt.Errorf("list changes for %s: %w", resourceID, ErrCursorExpired)
			}
			return nil, fmt.Errorf("list changes for %s: %w", resourceID, err)
		}

		set.Items = append(set.Items, page.Items...)
		if page.NextPageToken == "" {
			set.NextCursor = page.NextSyncToken
			return set, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) doList(ctx context.Context, call *calendar.EventsListCall) (*calendar.Events, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return call.Context(ctx).Do()
}
