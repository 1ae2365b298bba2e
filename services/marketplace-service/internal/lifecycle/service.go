package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/remlock/remlock/services/marketplace-service/internal/sla"
)

// Settings is the site-wide configuration injected into the service at
// startup. It is read explicitly at the start of each operation instead of
// being fetched from a lazily-materialized settings row.
type Settings struct {
	SLA            sla.Config
	BankRequisites string
	CryptoWallet   string
}

// Service owns the appointment state machine. Every mutation goes through
// one transaction: status change, audit event, platform event rows and SLA
// checks commit together or not at all. Emitted platform events are
// dispatched to subscribers only after the transaction commits.
type Service struct {
	store      Store
	monitor    *sla.Monitor
	dispatcher *events.Dispatcher
	stats      StatsRecalculator
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(store Store, monitor *sla.Monitor, dispatcher *events.Dispatcher, stats StatsRecalculator, settings Settings, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		monitor:    monitor,
		dispatcher: dispatcher,
		stats:      stats,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
	}
}

// PaymentRequisites returns the transfer destinations a client pays to
// while an appointment awaits payment.
func (s *Service) PaymentRequisites() (bank, cryptoWallet string) {
	return s.settings.BankRequisites, s.settings.CryptoWallet
}

// txWork accumulates the platform events and stats targets produced inside
// one transaction, so they can be dispatched after a successful commit.
type txWork struct {
	tx            Tx
	pending       []model.PlatformEvent
	recalcMasters []int64
	recalcClients []int64
}

func (w *txWork) emit(ctx context.Context, now time.Time, eventType string, entityID int64, actorID *int64, payload map[string]any) error {
	evt := events.New(eventType, model.EntityAppointment, entityID, actorID, payload)
	evt.CreatedAt = now
	if err := w.tx.InsertPlatformEvent(ctx, &evt); err != nil {
		return err
	}
	w.pending = append(w.pending, evt)
	return nil
}

func (w *txWork) recalcMaster(id int64) { w.recalcMasters = append(w.recalcMasters, id) }
func (w *txWork) recalcClient(id int64) { w.recalcClients = append(w.recalcClients, id) }

// run executes fn inside a transaction and, on commit, dispatches the
// collected platform events and schedules stats recalculation.
func (s *Service) run(ctx context.Context, fn func(w *txWork) error) error {
	var work *txWork
	err := s.store.InTx(ctx, func(tx Tx) error {
		work = &txWork{tx: tx}
		return fn(work)
	})
	if err != nil {
		return err
	}
	s.dispatcher.Dispatch(ctx, work.pending...)
	if s.stats != nil {
		for _, id := range work.recalcMasters {
			s.stats.RecalculateMaster(ctx, id)
		}
		for _, id := range work.recalcClients {
			s.stats.RecalculateClient(ctx, id)
		}
	}
	return nil
}

// transitionLocked applies one guarded transition to an appointment that
// is already locked in the current transaction. Milestone timestamps are
// set only on first entry to their state.
func (s *Service) transitionLocked(ctx context.Context, w *txWork, appt *model.Appointment, actorID *int64, to model.Status, note string) error {
	from := appt.Status
	if !model.AllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := s.now().UTC()
	appt.Status = to
	switch to {
	case model.StatusInReview:
		if appt.TakenAt == nil {
			appt.TakenAt = &now
		}
	case model.StatusPaid:
		deadline := s.monitor.CompletionDeadline()
		appt.CompletionDeadlineAt = &deadline
	case model.StatusInProgress:
		if appt.StartedAt == nil {
			appt.StartedAt = &now
		}
	case model.StatusCompleted:
		if appt.CompletedAt == nil {
			appt.CompletedAt = &now
		}
	}

	if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
		return err
	}
	if err := w.tx.InsertAppointmentEvent(ctx, &model.AppointmentEvent{
		AppointmentID: appt.ID,
		ActorID:       actorID,
		EventType:     model.EventStatusChanged,
		FromStatus:    from,
		ToStatus:      to,
		Note:          note,
	}); err != nil {
		return err
	}
	if err := w.emit(ctx, now, events.TypeAppointmentStatusChanged, appt.ID, actorID, map[string]any{
		"from_status": string(from),
		"to_status":   string(to),
		"note":        note,
	}); err != nil {
		return err
	}

	switch to {
	case model.StatusInReview:
		if breach, ok := s.monitor.CheckResponse(appt); ok {
			if err := s.markSLABreachLocked(ctx, w, appt, actorID, breach); err != nil {
				return err
			}
		}
	case model.StatusCompleted:
		if breach, ok := s.monitor.CheckCompletion(appt); ok {
			if err := s.markSLABreachLocked(ctx, w, appt, actorID, breach); err != nil {
				return err
			}
		}
	}

	if appt.AssignedMasterID != nil {
		w.recalcMaster(*appt.AssignedMasterID)
	}
	return nil
}

// markSLABreachLocked is idempotent: once an appointment is flagged, later
// breaches of either kind are no-ops and emit nothing.
func (s *Service) markSLABreachLocked(ctx context.Context, w *txWork, appt *model.Appointment, actorID *int64, breach sla.Breach) error {
	if appt.SLABreached {
		return nil
	}
	appt.SLABreached = true
	if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
		return err
	}
	payload := map[string]any{"reason": breach.Reason}
	for k, v := range breach.Metadata {
		payload[k] = v
	}
	return w.emit(ctx, s.now().UTC(), events.TypeSLABreached, appt.ID, actorID, payload)
}

// Transition is the generic guarded transition used by the rule engine and
// admin tooling. Named operations add narrower preconditions on top.
func (s *Service) Transition(ctx context.Context, appointmentID int64, actorID *int64, to model.Status, note string) (*model.Appointment, error) {
	if !model.ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		var err error
		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		return s.transitionLocked(ctx, w, appt, actorID, to, note)
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Take claims a NEW appointment for a master. The row lock taken by
// GetAppointmentForUpdate serializes concurrent claims; the loser observes
// a non-NEW status and fails with ErrConflict.
func (s *Service) Take(ctx context.Context, appointmentID, masterID int64) (*model.Appointment, error) {
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		master, err := w.tx.GetUser(ctx, masterID)
		if err != nil {
			return err
		}
		if master == nil || master.Role != model.RoleMaster {
			return fmt.Errorf("%w: only a master can take an appointment", ErrForbidden)
		}
		if !master.IsMasterActive {
			return fmt.Errorf("%w: master is not activated", ErrForbidden)
		}

		appt, err = w.tx.GetAppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status != model.StatusNew {
			return fmt.Errorf("%w: appointment already taken", ErrConflict)
		}

		appt.AssignedMasterID = &masterID
		if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if err := s.transitionLocked(ctx, w, appt, &masterID, model.StatusInReview, "taken by master"); err != nil {
			return err
		}
		return w.emit(ctx, s.now().UTC(), events.TypeAppointmentMasterTaken, appt.ID, &masterID, map[string]any{
			"assigned_master_id": masterID,
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// DeviceInfo is the client-provided description of the locked device.
type DeviceInfo struct {
	Brand       string
	Model       string
	LockType    string
	HasPC       bool
	Description string
}

// CreateAppointment opens a NEW appointment for a client and fixes its
// response deadline from the configured SLA window.
func (s *Service) CreateAppointment(ctx context.Context, clientID int64, device DeviceInfo) (*model.Appointment, error) {
	if device.Brand == "" || device.Model == "" || device.LockType == "" {
		return nil, fmt.Errorf("%w: brand, model and lock_type are required", ErrValidation)
	}
	var appt *model.Appointment
	err := s.run(ctx, func(w *txWork) error {
		client, err := w.tx.GetUser(ctx, clientID)
		if err != nil {
			return err
		}
		if client == nil || client.Role != model.RoleClient {
			return fmt.Errorf("%w: only a client can create appointments", ErrForbidden)
		}
		if client.IsBanned {
			return fmt.Errorf("%w: client is banned", ErrForbidden)
		}
		appt, err = s.createLocked(ctx, w, clientID, device, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *Service) createLocked(ctx context.Context, w *txWork, clientID int64, device DeviceInfo, extraPayload map[string]any) (*model.Appointment, error) {
	now := s.now().UTC()
	appt := &model.Appointment{
		ClientID:    clientID,
		Brand:       device.Brand,
		Model:       device.Model,
		LockType:    device.LockType,
		HasPC:       device.HasPC,
		Description: device.Description,
		Status:      model.StatusNew,
		Currency:    "RUB",
		CreatedAt:   now,
	}
	if err := w.tx.InsertAppointment(ctx, appt); err != nil {
		return nil, err
	}

	deadline := s.monitor.ResponseDeadline(appt.CreatedAt)
	appt.ResponseDeadlineAt = &deadline
	if err := w.tx.UpdateAppointment(ctx, appt); err != nil {
		return nil, err
	}

	payload := map[string]any{"status": string(appt.Status)}
	for k, v := range extraPayload {
		payload[k] = v
	}
	if err := w.emit(ctx, now, events.TypeAppointmentCreated, appt.ID, &clientID, payload); err != nil {
		return nil, err
	}

	masters, err := w.tx.ListActiveMasters(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range masters {
		if err := w.tx.InsertNotification(ctx, &model.Notification{
			UserID:  m.ID,
			Type:    model.NotificationAppointment,
			Title:   "New appointment available",
			Message: fmt.Sprintf("%s %s is waiting for a master", appt.Brand, appt.Model),
			Payload: map[string]any{"appointment_id": appt.ID},
		}); err != nil {
			return nil, err
		}
	}
	return appt, nil
}
