package events

import (
	"context"
	"log/slog"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Platform event types emitted by the core. Collaborators may emit their
// own types (chat, reviews, logins); rules trigger on the string value.
const (
	TypeAppointmentCreated          = "appointment.created"
	TypeAppointmentStatusChanged    = "appointment.status_changed"
	TypeAppointmentMasterTaken      = "appointment.master_taken"
	TypeAppointmentPriceSet         = "appointment.price_set"
	TypeAppointmentProofUploaded    = "appointment.payment_proof_uploaded"
	TypeAppointmentPaymentMarked    = "appointment.payment_marked"
	TypeAppointmentPaymentConfirmed = "appointment.payment_confirmed"
	TypeAppointmentWorkStarted      = "appointment.work_started"
	TypeAppointmentWorkCompleted    = "appointment.work_completed"
	TypeAppointmentClientSignal     = "appointment.client_signal"
	TypeSLABreached                 = "sla.breached"
)

// Subscriber receives platform events after they have been committed.
// Handlers must not assume the triggering transaction is still open.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt model.PlatformEvent)
}

// Dispatcher is the explicit subscriber registry that replaces implicit
// framework hooks: every consumer of emitted events registers here and is
// invoked synchronously, in registration order.
type Dispatcher struct {
	logger *slog.Logger
	subs   []Subscriber
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

func (d *Dispatcher) Register(s Subscriber) {
	d.subs = append(d.subs, s)
}

func (d *Dispatcher) Dispatch(ctx context.Context, evts ...model.PlatformEvent) {
	for _, evt := range evts {
		for _, s := range d.subs {
			s.HandleEvent(ctx, evt)
		}
	}
}
