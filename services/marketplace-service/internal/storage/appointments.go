package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/remlock/remlock/services/marketplace-service/internal/lifecycle"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

const appointmentColumns = `
	id, client_id, assigned_master_id, brand, model, lock_type, has_pc, description,
	status, total_price, currency,
	COALESCE(payment_method, ''), COALESCE(payment_proof_ref, ''),
	payment_marked_at, payment_confirmed_at, payment_confirmed_by,
	taken_at, started_at, completed_at,
	response_deadline_at, completion_deadline_at, sla_breached,
	platform_tags, created_at, updated_at`

type appointmentScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row appointmentScanner) (*model.Appointment, error) {
	var appt model.Appointment
	var method string
	err := row.Scan(
		&appt.ID,
		&appt.ClientID,
		&appt.AssignedMasterID,
		&appt.Brand,
		&appt.Model,
		&appt.LockType,
		&appt.HasPC,
		&appt.Description,
		&appt.Status,
		&appt.TotalPrice,
		&appt.Currency,
		&method,
		&appt.PaymentProofRef,
		&appt.PaymentMarkedAt,
		&appt.PaymentConfirmedAt,
		&appt.PaymentConfirmedBy,
		&appt.TakenAt,
		&appt.StartedAt,
		&appt.CompletedAt,
		&appt.ResponseDeadlineAt,
		&appt.CompletionDeadlineAt,
		&appt.SLABreached,
		&appt.PlatformTags,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	appt.PaymentMethod = model.PaymentMethod(method)
	return &appt, nil
}

// GetAppointmentForUpdate locks the row for the rest of the transaction,
// serializing concurrent claims on the same appointment.
func (t *storeTx) GetAppointmentForUpdate(ctx context.Context, id int64) (*model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %d", lifecycle.ErrNotFound, id)
	}
	return appt, err
}

func (t *storeTx) InsertAppointment(ctx context.Context, appt *model.Appointment) error {
	tags := appt.PlatformTags
	if tags == nil {
		tags = []string{}
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO appointments
			(client_id, brand, model, lock_type, has_pc, description, status, currency, platform_tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, appt.ClientID, appt.Brand, appt.Model, appt.LockType, appt.HasPC, appt.Description,
		appt.Status, appt.Currency, tags).Scan(&appt.ID, &appt.CreatedAt, &appt.UpdatedAt)
}

func (t *storeTx) UpdateAppointment(ctx context.Context, appt *model.Appointment) error {
	var method *string
	if appt.PaymentMethod != "" {
		m := string(appt.PaymentMethod)
		method = &m
	}
	tags := appt.PlatformTags
	if tags == nil {
		tags = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET assigned_master_id = $2,
			status = $3,
			total_price = $4,
			payment_method = $5,
			payment_proof_ref = NULLIF($6, ''),
			payment_marked_at = $7,
			payment_confirmed_at = $8,
			payment_confirmed_by = $9,
			taken_at = $10,
			started_at = $11,
			completed_at = $12,
			response_deadline_at = $13,
			completion_deadline_at = $14,
			sla_breached = $15,
			platform_tags = $16,
			updated_at = now()
		WHERE id = $1
	`, appt.ID, appt.AssignedMasterID, appt.Status, appt.TotalPrice, method, appt.PaymentProofRef,
		appt.PaymentMarkedAt, appt.PaymentConfirmedAt, appt.PaymentConfirmedBy,
		appt.TakenAt, appt.StartedAt, appt.CompletedAt,
		appt.ResponseDeadlineAt, appt.CompletionDeadlineAt, appt.SLABreached, tags)
	return err
}

func (t *storeTx) InsertAppointmentEvent(ctx context.Context, evt *model.AppointmentEvent) error {
	metadata, err := json.Marshal(orEmptyMap(evt.Metadata))
	if err != nil {
		return err
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO appointment_events
			(appointment_id, actor_id, event_type, from_status, to_status, note, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, evt.AppointmentID, evt.ActorID, evt.EventType, evt.FromStatus, evt.ToStatus, evt.Note, metadata).
		Scan(&evt.ID, &evt.CreatedAt)
}

func (t *storeTx) InsertPlatformEvent(ctx context.Context, evt *model.PlatformEvent) error {
	return insertPlatformEvent(ctx, t.tx, evt)
}

func (t *storeTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return getUser(ctx, t.tx, id)
}

func (t *storeTx) ListActiveMasters(ctx context.Context) ([]model.User, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, role, display_name, is_banned, is_master_active, created_at
		FROM users
		WHERE role = 'master' AND is_master_active AND NOT is_banned
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (t *storeTx) InsertNotification(ctx context.Context, n *model.Notification) error {
	return insertNotification(ctx, t.tx, n)
}

// GetAppointment is the non-locking read used by the rule engine and
// handlers. A missing row resolves to nil, not an error: platform event
// entity references are weak.
func (s *Store) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return appt, err
}

func (s *Store) ListAppointmentsByClient(ctx context.Context, clientID int64, limit int) ([]model.Appointment, error) {
	return s.listAppointments(ctx, `client_id = $1`, clientID, limit)
}

func (s *Store) ListAppointmentsByMaster(ctx context.Context, masterID int64, limit int) ([]model.Appointment, error) {
	return s.listAppointments(ctx, `assigned_master_id = $1`, masterID, limit)
}

func (s *Store) ListAppointmentsByStatus(ctx context.Context, status model.Status, limit int) ([]model.Appointment, error) {
	return s.listAppointments(ctx, `status = $1`, status, limit)
}

func (s *Store) listAppointments(ctx context.Context, where string, arg any, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, *appt)
	}
	return appts, rows.Err()
}

func (s *Store) ListAppointmentEvents(ctx context.Context, appointmentID, afterID int64, limit int) ([]model.AppointmentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, actor_id, event_type, from_status, to_status, note, metadata, created_at
		FROM appointment_events
		WHERE appointment_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, appointmentID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []model.AppointmentEvent
	for rows.Next() {
		var evt model.AppointmentEvent
		var metadata []byte
		if err := rows.Scan(&evt.ID, &evt.AppointmentID, &evt.ActorID, &evt.EventType,
			&evt.FromStatus, &evt.ToStatus, &evt.Note, &metadata, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &evt.Metadata); err != nil {
				return nil, err
			}
		}
		evts = append(evts, evt)
	}
	return evts, rows.Err()
}

// AddAppointmentTag is an idempotent set-add on platform_tags.
func (s *Store) AddAppointmentTag(ctx context.Context, appointmentID int64, tag string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET platform_tags = array_append(platform_tags, $2),
			updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(platform_tags))
	`, appointmentID, tag)
	return err
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
