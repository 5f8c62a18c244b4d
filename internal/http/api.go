package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/store"
)

// APIHandler serves the JSON account surface: stored events, sync health,
// watch setup and disconnect.
type APIHandler struct {
	store  *store.Store
	engine SyncEngine
}

func NewAPIHandler(st *store.Store, engine SyncEngine) *APIHandler {
	return &APIHandler{store: st, engine: engine}
}

type eventJSON struct {
	ResourceID   string           `json:"resource_id"`
	EventID      string           `json:"event_id"`
	Title        string           `json:"title,omitempty"`
	Description  string           `json:"description,omitempty"`
	Status       string           `json:"status"`
	StartsAt     *time.Time       `json:"starts_at,omitempty"`
	EndsAt       *time.Time       `json:"ends_at,omitempty"`
	Attendees    []store.Attendee `json:"attendees"`
	LastModified *time.Time       `json:"last_modified,omitempty"`
}

// ListEvents returns all stored events for an account.
func (h *APIHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	events, err := h.store.Events.ListByAccount(r.Context(), accountID)
	if err != nil {
		httperrors.InternalError(w, r, err, "list events")
		return
	}

	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		attendees := ev.Attendees
		if attendees == nil {
			attendees = []store.Attendee{}
		}
		out = append(out, eventJSON{
			ResourceID:   ev.ResourceID,
			EventID:      ev.EventID,
			Title:        ev.Title,
			Description:  ev.Description,
			Status:       ev.Status,
			StartsAt:     ev.StartTime,
			EndsAt:       ev.EndTime,
			Attendees:    attendees,
			LastModified: ev.LastModified,
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"events": out})
}

// SyncHealth reports whether the account is connected and whether token
// refresh has been denied by the provider.
func (h *APIHandler) SyncHealth(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	cred, err := h.store.Credentials.Get(r.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"connected":      false,
			"refresh_denied": false,
		})
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "credential lookup")
		return
	}

	body := map[string]any{
		"connected":      true,
		"refresh_denied": cred.RefreshDeniedAt != nil,
	}
	if cred.RefreshDeniedAt != nil {
		body["refresh_denied_at"] = cred.RefreshDeniedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, r, http.StatusOK, body)
}

// SetupWatch re-registers the push channel for an already connected account.
func (h *APIHandler) SetupWatch(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if _, err := h.store.Credentials.Get(r.Context(), accountID); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "account not connected", http.StatusNotFound)
		return
	} else if err != nil {
		httperrors.InternalError(w, r, err, "credential lookup")
		return
	}

	if err := h.engine.SetupWatch(r.Context(), accountID, "primary"); err != nil {
		httperrors.InternalError(w, r, err, "watch setup")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "watching"})
}

// Disconnect tears down an account: channels stopped and deleted, events and
// credential removed.
func (h *APIHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	if err := h.engine.DisconnectAccount(r.Context(), accountID); err != nil {
		httperrors.InternalError(w, r, err, "account disconnect")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerRenewal runs one renewal sweep. Meant for an external scheduler.
func (h *APIHandler) TriggerRenewal(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RunRenewalSweep(r.Context()); err != nil {
		httperrors.InternalError(w, r, err, "renewal sweep")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		httperrors.LogError(r, "encode response", err)
	}
}
