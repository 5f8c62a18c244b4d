// Package dispatch decouples downstream reactions to event changes from the
// sync critical path. Dispatches are fire-and-forget: a downstream outage
// must never block cursor advancement.
package dispatch

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/jw6ventures/calsync/internal/metrics"
)

// ChangeKind classifies why an event change is worth reacting to.
type ChangeKind string

const (
	ChangeCreated          ChangeKind = "created"
	ChangeAttendeesUpdated ChangeKind = "attendees_updated"
)

// TypeEventChanged is the task type consumed by downstream workers.
const TypeEventChanged = "calendar:event_changed"

// EventChangedPayload is the task payload for TypeEventChanged.
type EventChangedPayload struct {
	AccountID  string     `json:"account_id"`
	EventID    string     `json:"event_id"`
	ChangeKind ChangeKind `json:"change_kind"`
}

// Dispatcher notifies downstream consumers of a materialized event change.
type Dispatcher interface {
	Notify(ctx context.Context, accountID, eventID string, kind ChangeKind)
}

// AsynqDispatcher enqueues event-change tasks onto a Redis-backed queue.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

func NewAsynqDispatcher(redisAddr, queue string) *AsynqDispatcher {
	return &AsynqDispatcher{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		queue:  queue,
	}
}

func (d *AsynqDispatcher) Notify(ctx context.Context, accountID, eventID string, kind ChangeKind) {
	payload, err := json.Marshal(EventChangedPayload{
		AccountID:  accountID,
		EventID:    eventID,
		ChangeKind: kind,
	})
	if err != nil {
		log.Printf("[ERROR] marshal dispatch payload for event %s: %v", eventID, err)
		metrics.CountDispatch("error")
		return
	}

	task := asynq.NewTask(TypeEventChanged, payload)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue), asynq.MaxRetry(5)); err != nil {
		log.Printf("[ERROR] enqueue event change for %s/%s: %v", accountID, eventID, err)
		metrics.CountDispatch("error")
		return
	}
	metrics.CountDispatch("ok")
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// LogDispatcher is the fallback when no queue is configured.
type LogDispatcher struct{}

func (LogDispatcher) Notify(ctx context.Context, accountID, eventID string, kind ChangeKind) {
	log.Printf("[INFO] event change %s for %s/%s (no dispatch queue configured)", kind, accountID, eventID)
	metrics.CountDispatch("ok")
}

var (
	_ Dispatcher = (*AsynqDispatcher)(nil)
	_ Dispatcher = LogDispatcher{}
)
