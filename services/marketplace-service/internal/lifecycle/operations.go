package lifecycle

import (
	"context"
	"fmt"

	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Named operations. Each enforces its own exact required current status on
// top of the edge table, so a caller cannot, say, set a price on anything
// but an IN_REVIEW appointment even though other edges exist.

func requireAssignedMaster(appt *model.Appointment, user *model.User) error {
	if user == nil || user.Role != model.RoleMaster {
		return fmt.Errorf("%w: master role required", ErrForbidden)
	}
	if appt.AssignedMasterID == nil || *appt.AssignedMasterID != user.ID {
		return fmt.Errorf("%w: appointment is not assigned to this master", ErrForbidden)
	}
	return nil
}

func requireOwnerClient(appt *model.Appointment, user *model.User) error {
	if user == nil || user.Role != model.RoleClient || appt.ClientID != user.ID {
		return fmt.Errorf("%w: only the appointment's client may do this", ErrForbidden)
	}
	return nil
}

// SetPrice fixes the total price and moves the appointment to
// AWAITING_PAYMENT. Only the assigned master, only from IN_REVIEW.
func (s *Service) SetPrice(ctx context.Context, appointmentID, masterID, totalPrice int64) (*model.Appointment, error) {
	if totalPrice <= 0 {
		return nil, fmt.Errorf("%w: total_price must be positive", ErrValidation)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, masterID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireAssignedMaster(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusInReview {
			return fmt.Errorf("%w: price can only be set in IN_REVIEW", ErrInvalidTransition)
		}

		appt.TotalPrice = &totalPrice
		if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			ActorID:       &masterID,
			EventType:     model.EventPriceSet,
			Metadata:      map[string]any{"total_price": totalPrice},
		}); err != nil {
			return err
		}
		if err := w.emit(ctx, s.now().UTC(), events.TypeAppointmentPriceSet, appt.ID, &masterID, map[string]any{
			"total_price": totalPrice,
		}); err != nil {
			return err
		}
		return s.transitionLocked(ctx, w, appt, &masterID, model.StatusAwaitingPayment, "")
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// UploadProofAck records that the client attached a payment proof. The
// status stays AWAITING_PAYMENT; MarkPaid performs the transition.
func (s *Service) UploadProofAck(ctx context.Context, appointmentID, clientID int64, proofRef string) (*model.Appointment, error) {
	if proofRef == "" {
		return nil, fmt.Errorf("%w: proof reference is required", ErrValidation)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, clientID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireOwnerClient(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusAwaitingPayment {
			return fmt.Errorf("%w: proof can only be uploaded in AWAITING_PAYMENT", ErrInvalidTransition)
		}

		appt.PaymentProofRef = proofRef
		if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			ActorID:       &clientID,
			EventType:     model.EventPaymentProofUploaded,
		}); err != nil {
			return err
		}
		return w.emit(ctx, s.now().UTC(), events.TypeAppointmentProofUploaded, appt.ID, &clientID, map[string]any{
			"status": string(appt.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// MarkPaid is the client's claim that payment was sent. Requires an
// uploaded proof and moves the appointment to PAYMENT_PROOF_UPLOADED.
func (s *Service) MarkPaid(ctx context.Context, appointmentID, clientID int64, method model.PaymentMethod) (*model.Appointment, error) {
	if method != model.PaymentCrypto && method != model.PaymentBankTransfer {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, method)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, clientID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireOwnerClient(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusAwaitingPayment {
			return fmt.Errorf("%w: payment can only be marked in AWAITING_PAYMENT", ErrInvalidTransition)
		}
		if appt.PaymentProofRef == "" {
			return fmt.Errorf("%w: upload a payment proof first", ErrValidation)
		}

		now := s.now().UTC()
		appt.PaymentMethod = method
		appt.PaymentMarkedAt = &now
		if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := s.transitionLocked(ctx, w, appt, &clientID, model.StatusPaymentProofUploaded, "client marked payment"); err != nil {
			return err
		}
		if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			ActorID:       &clientID,
			EventType:     model.EventPaymentMarked,
			Metadata:      map[string]any{"payment_method": string(method)},
		}); err != nil {
			return err
		}
		return w.emit(ctx, now, events.TypeAppointmentPaymentMarked, appt.ID, &clientID, map[string]any{
			"payment_method": string(method),
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// ConfirmPayment is performed by an admin or the assigned master after
// checking the proof; it moves the appointment to PAID and starts the
// completion SLA clock.
func (s *Service) ConfirmPayment(ctx context.Context, appointmentID, actorID int64) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		actor, err := w.tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if actor == nil {
			return fmt.Errorf("%w: unknown actor", ErrForbidden)
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		allowed := actor.Role == model.RoleAdmin
		if actor.Role == model.RoleMaster && appt.AssignedMasterID != nil && *appt.AssignedMasterID == actor.ID {
			allowed = true
		}
		if !allowed {
			return fmt.Errorf("%w: no rights to confirm payment", ErrForbidden)
		}
		if appt.Status != model.StatusPaymentProofUploaded {
			return fmt.Errorf("%w: payment can only be confirmed from PAYMENT_PROOF_UPLOADED", ErrInvalidTransition)
		}

		now := s.now().UTC()
		appt.PaymentConfirmedBy = &actorID
		appt.PaymentConfirmedAt = &now
		if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := s.transitionLocked(ctx, w, appt, &actorID, model.StatusPaid, ""); err != nil {
			return err
		}
		if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
			AppointmentID: appt.ID,
			ActorID:       &actorID,
			EventType:     model.EventPaymentConfirmed,
		}); err != nil {
			return err
		}
		return w.emit(ctx, now, events.TypeAppointmentPaymentConfirmed, appt.ID, &actorID, map[string]any{
			"confirmed_by": actorID,
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Start begins the unlock session. Assigned master only, from PAID.
func (s *Service) Start(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, masterID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireAssignedMaster(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusPaid {
			return fmt.Errorf("%w: work can only start after PAID", ErrInvalidTransition)
		}
		if err := s.transitionLocked(ctx, w, appt, &masterID, model.StatusInProgress, ""); err != nil {
			return err
		}
		return w.emit(ctx, s.now().UTC(), events.TypeAppointmentWorkStarted, appt.ID, &masterID, map[string]any{
			"status": string(model.StatusInProgress),
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Complete finishes the work. Assigned master only, from IN_PROGRESS.
func (s *Service) Complete(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, masterID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireAssignedMaster(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusInProgress {
			return fmt.Errorf("%w: completion is only possible in IN_PROGRESS", ErrInvalidTransition)
		}
		if err := s.transitionLocked(ctx, w, appt, &masterID, model.StatusCompleted, ""); err != nil {
			return err
		}
		w.recalcClient(appt.ClientID)
		return w.emit(ctx, s.now().UTC(), events.TypeAppointmentWorkCompleted, appt.ID, &masterID, map[string]any{
			"status": string(model.StatusCompleted),
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Decline lets the assigned master walk away before payment is confirmed.
func (s *Service) Decline(ctx context.Context, appointmentID, masterID int64, note string) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		user, err := w.tx.GetUser(ctx, masterID)
		if err != nil {
			return err
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := requireAssignedMaster(appt, user); err != nil {
			return err
		}
		if appt.Status != model.StatusInReview && appt.Status != model.StatusAwaitingPayment {
			return fmt.Errorf("%w: decline is only possible in IN_REVIEW or AWAITING_PAYMENT", ErrInvalidTransition)
		}
		if err := s.transitionLocked(ctx, w, appt, &masterID, model.StatusDeclinedByMaster, note); err != nil {
			return err
		}
		w.recalcClient(appt.ClientID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Cancel terminates the appointment. The owning client or an admin may
// cancel from any non-terminal status; the edge table is the guard.
func (s *Service) Cancel(ctx context.Context, appointmentID, actorID int64, note string) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		actor, err := w.tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if actor == nil {
			return fmt.Errorf("%w: unknown actor", ErrForbidden)
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if actor.Role != model.RoleAdmin && !(actor.Role == model.RoleClient && appt.ClientID == actor.ID) {
			return fmt.Errorf("%w: only the client or an admin can cancel", ErrForbidden)
		}
		if err := s.transitionLocked(ctx, w, appt, &actorID, model.StatusCancelled, note); err != nil {
			return err
		}
		w.recalcClient(appt.ClientID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// AdminSetStatus is the manual override used by operators; it still obeys
// the edge table.
func (s *Service) AdminSetStatus(ctx context.Context, appointmentID, adminID int64, to model.Status, note string) (*model.Appointment, error) {
	if !model.ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		actor, err := w.tx.GetUser(ctx, adminID)
		if err != nil {
			return err
		}
		if actor == nil || actor.Role != model.RoleAdmin {
			return fmt.Errorf("%w: admin role required", ErrForbidden)
		}
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := s.transitionLocked(ctx, w, appt, &adminID, to, note); err != nil {
			return err
		}
		w.recalcClient(appt.ClientID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}
