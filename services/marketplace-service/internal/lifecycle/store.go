package lifecycle

import (
	"context"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Tx is the unit-of-work surface the state machine mutates through. All
// effects of one operation go through a single Tx and commit or roll back
// together. GetAppointmentForUpdate must hold a row-level exclusive lock
// until the transaction ends, so concurrent claims serialize.
type Tx interface {
	GetAppointmentForUpdate(ctx context.Context, id int64) (*model.Appointment, error)
	InsertAppointment(ctx context.Context, appt *model.Appointment) error
	UpdateAppointment(ctx context.Context, appt *model.Appointment) error
	InsertAppointmentEvent(ctx context.Context, evt *model.AppointmentEvent) error
	InsertPlatformEvent(ctx context.Context, evt *model.PlatformEvent) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	ListActiveMasters(ctx context.Context) ([]model.User, error)
	InsertNotification(ctx context.Context, n *model.Notification) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// StatsRecalculator re-derives per-user aggregates after a transition.
// Implementations run outside the transition transaction; failures are
// logged by the implementation and never affect the transition.
type StatsRecalculator interface {
	RecalculateMaster(ctx context.Context, masterID int64)
	RecalculateClient(ctx context.Context, clientID int64)
}
