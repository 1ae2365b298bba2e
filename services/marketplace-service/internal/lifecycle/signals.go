package lifecycle

import (
	"context"
	"fmt"

	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

type signalMeta struct {
	Title   string
	Message string
}

var clientSignals = map[string]signalMeta{
	"ready_for_session": {
		Title:   "Client is ready to connect",
		Message: "The client confirmed readiness for the remote session.",
	},
	"need_help": {
		Title:   "Client asks for help",
		Message: "The client asks for step-by-step guidance on the current appointment.",
	},
	"payment_issue": {
		Title:   "Payment problem",
		Message: "The client reported a payment problem and is waiting for advice.",
	},
	"need_reschedule": {
		Title:   "Session needs rescheduling",
		Message: "The client asks to move the connection time.",
	},
}

// ClientSignal records an out-of-band client ping on an active appointment
// and forwards it to the assigned master as a notification.
func (s *Service) ClientSignal(ctx context.Context, appointmentID, clientID int64, signal, comment string) error {
	meta, ok := clientSignals[signal]
	if !ok {
		return fmt.Errorf("%w: unknown client signal %q", ErrValidation, signal)
	}
	return s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, clientID)
		if err != nil {
			return err
		}
		appt, err := w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireOwnerClient(appt, user); err != nil {
			return err
		}
		if appt.Status.Terminal() {
			return fmt.Errorf("%w: signals are unavailable in status %s", ErrValidation, appt.Status)
		}

		note := meta.Title
		if comment != "" {
			note = note + ". Comment: " + comment
		}
		if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			ActorID:       &clientID,
			EventType:     model.EventClientSignal,
			Note:          note,
			Metadata:      map[string]any{"signal": signal, "comment": comment},
		}); err != nil {
			return err
		}
		if err := w.emit(ctx, s.now().UTC(), events.TypeAppointmentClientSignal, appt.ID, &clientID, map[string]any{
			"signal":  signal,
			"comment": comment,
		}); err != nil {
			return err
		}

		if appt.AssignedMasterID != nil {
			return w.tx.InsertNotification(ctx, &model.Notification{
				UserID:  *appt.AssignedMasterID,
				Type:    model.NotificationAppointment,
				Title:   fmt.Sprintf("Signal on appointment #%d", appt.ID),
				Message: meta.Message,
				Payload: map[string]any{"appointment_id": appt.ID, "signal": signal},
			})
		}
		return nil
	})
}

// Repeat clones the device info of a past appointment into a fresh NEW one
// for the same client.
func (s *Service) Repeat(ctx context.Context, sourceID, clientID int64) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, clientID)
		if err != nil {
			return err
		}
		if user == nil || user.Role != model.RoleClient {
			return fmt.Errorf("%w: only a client can repeat an appointment", ErrForbidden)
		}
		if user.IsBanned {
			return fmt.Errorf("%w: client is banned", ErrForbidden)
		}
		source, err := w.tx.GetAppointmentForUpdate(ctx, sourceID)
		if err != nil {
			return err
		}
		if source.ClientID != clientID {
			return fmt.Errorf("%w: only the appointment's client may do this", ErrForbidden)
		}
		appt, err = s.createLocked(ctx, w, clientID, DeviceInfo{
			Brand:       source.Brand,
			Model:       source.Model,
			LockType:    source.LockType,
			HasPC:       source.HasPC,
			Description: source.Description,
		}, map[string]any{
			"source_appointment_id": source.ID,
			"created_via":           "repeat",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}
