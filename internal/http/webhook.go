package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/jw6ventures/calsync/internal/auth"
	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerResourceID    = "X-Goog-Resource-ID"

	stateSync      = "sync"
	stateExists    = "exists"
	stateNotExists = "not_exists"
)

// SyncEngine is the slice of the engine the HTTP layer drives.
type SyncEngine interface {
	Sync(ctx context.Context, ch *store.WatchChannel, forceFull bool) error
	HandleResourceGone(ctx context.Context, ch *store.WatchChannel) error
	SetupWatch(ctx context.Context, accountID, resourceID string) error
	DisconnectAccount(ctx context.Context, accountID string) error
	RunRenewalSweep(ctx context.Context) error
}

// WebhookHandler receives provider push notifications and turns them into
// sync work.
type WebhookHandler struct {
	channels store.ChannelRepository
	engine   SyncEngine

	// async acknowledges the provider right after validation and runs the
	// sync detached. Failures then surface only in logs and metrics.
	async bool
}

func NewWebhookHandler(channels store.ChannelRepository, engine SyncEngine, async bool) *WebhookHandler {
	return &WebhookHandler{channels: channels, engine: engine, async: async}
}

// Handle processes one push notification.
//
// The provider retries on 5xx, so transient failures return 500 to invite
// redelivery, while notifications for unknown channels are acknowledged with
// 200 and dropped. Rejecting those would only make the provider hammer us
// with redeliveries for a channel we will never recognize.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	state := r.Header.Get(headerResourceState)
	resourceID := r.Header.Get(headerResourceID)

	if channelID == "" || state == "" || resourceID == "" {
		httperrors.BadRequestError(w, r, nil, "missing notification headers")
		return
	}

	metrics.CountNotification(state)

	if state != stateSync && state != stateExists && state != stateNotExists {
		httperrors.LogInfo(r, "ignoring notification with unrecognized state "+state)
		w.WriteHeader(http.StatusOK)
		return
	}

	ch, err := h.channels.GetByID(r.Context(), channelID)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.LogInfo(r, "notification for unknown channel "+channelID+", acknowledging")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "channel lookup failed")
		return
	}

	if state == stateNotExists {
		if err := h.engine.HandleResourceGone(r.Context(), ch); err != nil {
			httperrors.InternalError(w, r, err, "resource teardown failed")
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	// The handshake notification carries no changes; it kicks off the
	// initial full listing. Anything after that is an incremental pull.
	forceFull := state == stateSync

	if h.async {
		w.WriteHeader(http.StatusOK)
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if err := h.engine.Sync(ctx, ch, forceFull); err != nil {
				httperrors.LogError(r, "async sync for channel "+ch.ChannelID, err)
			}
		}()
		return
	}

	if err := h.engine.Sync(r.Context(), ch, forceFull); err != nil {
		if errors.Is(err, auth.ErrNoCredential) || errors.Is(err, auth.ErrRefreshDenied) {
			httperrors.LogError(r, "sync rejected for channel "+ch.ChannelID, err)
			http.Error(w, "account not authorized", http.StatusForbidden)
			return
		}
		httperrors.InternalError(w, r, err, "sync failed")
		return
	}

	w.WriteHeader(http.StatusOK)
}
