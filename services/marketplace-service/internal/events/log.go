package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

type Store interface {
	InsertPlatformEvent(ctx context.Context, evt *model.PlatformEvent) error
}

// Log is the append-only platform event log. Emit is the collaborator API
// for producing facts outside a lifecycle transition (chat messages,
// reviews, logins): it persists the event, then dispatches it.
type Log struct {
	store      Store
	dispatcher *Dispatcher
	now        func() time.Time
}

func NewLog(store Store, dispatcher *Dispatcher) *Log {
	return &Log{store: store, dispatcher: dispatcher, now: time.Now}
}

func New(eventType, entityType string, entityID int64, actorID *int64, payload map[string]any) model.PlatformEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return model.PlatformEvent{
		EventUID:   uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
}

func (l *Log) Emit(ctx context.Context, eventType, entityType string, entityID int64, actorID *int64, payload map[string]any) (model.PlatformEvent, error) {
	evt := New(eventType, entityType, entityID, actorID, payload)
	evt.CreatedAt = l.now().UTC()
	if err := l.store.InsertPlatformEvent(ctx, &evt); err != nil {
		return model.PlatformEvent{}, err
	}
	l.dispatcher.Dispatch(ctx, evt)
	return evt, nil
}
