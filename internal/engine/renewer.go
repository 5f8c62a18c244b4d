package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// RunRenewalSweep re-subscribes every channel expiring within the lookahead
// window, reusing each channel's original id so the provider rotates the
// subscription in place. One channel's failure never aborts the sweep.
// Overlapping sweeps are harmless: both re-check the same expiration
// predicate and renewal is idempotent.
func (s *Service) RunRenewalSweep(ctx context.Context) error {
	cutoff := s.now().Add(s.lookahead)
	expiring, err := s.channels.ListExpiring(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expiring channels: %w", err)
	}
	if len(expiring) == 0 {
		log.Printf("[INFO] renewal sweep: no channels expiring before %s", cutoff.UTC().Format("2006-01-02T15:04:05Z"))
		return nil
	}

	log.Printf("[INFO] renewal sweep: %d channels to renew", len(expiring))
	renewed := 0
	for i := range expiring {
		ch := &expiring[i]
		if err := s.renewChannel(ctx, ch); err != nil {
			log.Printf("[ERROR] renew channel %s for account %s: %v", ch.ChannelID, ch.AccountID, err)
			metrics.CountRenewal("error")
			continue
		}
		metrics.CountRenewal("ok")
		renewed++
	}

	log.Printf("[INFO] renewal sweep finished: %d/%d renewed", renewed, len(expiring))
	return nil
}

func (s *Service) renewChannel(ctx context.Context, ch *store.WatchChannel) error {
	token, err := s.tokens.EnsureValidAccessToken(ctx, ch.AccountID)
	if err != nil {
		return err
	}

	result, err := s.provider.Watch(ctx, token, ch.ResourceID, ch.ChannelID)
	if err != nil {
		return err
	}

	// Only the expiration rotates; the cursor column belongs to the sync
	// path and stays untouched.
	if err := s.channels.UpdateExpiration(ctx, ch.ChannelID, result.Expiration); err != nil {
		return err
	}

	log.Printf("[INFO] renewed channel %s, new expiration %s", ch.ChannelID, result.Expiration.UTC().Format("2006-01-02T15:04:05Z"))
	return nil
}
