package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/jw6ventures/calsync/internal/store"
)

// SetupWatch subscribes a channel for an account's resource and records it,
// replacing any previous registration for the same (account, resource) pair.
// The cursor starts out empty; the provider's initial handshake notification
// triggers the first full sync.
func (s *Service) SetupWatch(ctx context.Context, accountID, resourceID string) error {
	token, err := s.tokens.EnsureValidAccessToken(ctx, accountID)
	if err != nil {
		return err
	}

	channelID := s.newID()
	result, err := s.provider.Watch(ctx, token, resourceID, channelID)
	if err != nil {
		return fmt.Errorf("subscribe %s for account %s: %w", resourceID, accountID, err)
	}

	ch := store.WatchChannel{
		ChannelID:          channelID,
		AccountID:          accountID,
		ResourceID:         resourceID,
		ProviderResourceID: result.ResourceID,
		ExpirationAt:       result.Expiration,
	}
	if err := s.channels.Upsert(ctx, ch); err != nil {
		return fmt.Errorf("record channel %s: %w", channelID, err)
	}

	log.Printf("[INFO] watch channel %s registered for account %s resource %s, expires %s",
		channelID, accountID, resourceID, result.Expiration.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}

// HandleResourceGone reacts to a not_exists notification: the watched
// resource was deleted upstream, so its materialized events and the channel
// registration go away with it.
func (s *Service) HandleResourceGone(ctx context.Context, ch *store.WatchChannel) error {
	if err := s.events.DeleteByResource(ctx, ch.AccountID, ch.ResourceID); err != nil {
		return fmt.Errorf("cascade delete events for %s: %w", ch.ResourceID, err)
	}
	if err := s.channels.Delete(ctx, ch.ChannelID); err != nil {
		return fmt.Errorf("delete channel %s: %w", ch.ChannelID, err)
	}
	log.Printf("[INFO] resource %s gone, removed channel %s and its events", ch.ResourceID, ch.ChannelID)
	return nil
}

// DisconnectAccount tears down everything owned by an account: provider-side
// subscriptions (best effort), channel registrations, materialized events,
// and the stored credential.
func (s *Service) DisconnectAccount(ctx context.Context, accountID string) error {
	channels, err := s.channels.ListByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list channels for account %s: %w", accountID, err)
	}

	token, tokenErr := s.tokens.EnsureValidAccessToken(ctx, accountID)
	if tokenErr != nil {
		log.Printf("[WARN] no usable token while disconnecting %s, skipping provider-side stop: %v", accountID, tokenErr)
	}

	for _, ch := range channels {
		if tokenErr == nil {
			if err := s.provider.Stop(ctx, token, ch.ChannelID, ch.ProviderResourceID); err != nil {
				log.Printf("[WARN] stop channel %s during disconnect: %v", ch.ChannelID, err)
			}
		}
		if err := s.channels.Delete(ctx, ch.ChannelID); err != nil {
			return fmt.Errorf("delete channel %s: %w", ch.ChannelID, err)
		}
	}

	if err := s.events.DeleteByAccount(ctx, accountID); err != nil {
		return fmt.Errorf("delete events for account %s: %w", accountID, err)
	}
	if err := s.credentials.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("delete credential for account %s: %w", accountID, err)
	}

	log.Printf("[INFO] account %s disconnected (%d channels removed)", accountID, len(channels))
	return nil
}
