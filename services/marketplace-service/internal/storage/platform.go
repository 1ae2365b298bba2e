package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	otelx "github.com/remlock/remlock/libs/otel"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Platform events carry the producing request's trace context so the
// outbox relay can attach it to the Kafka message later.
func insertPlatformEvent(ctx context.Context, q pgx.Tx, evt *model.PlatformEvent) error {
	payload, err := json.Marshal(orEmptyMap(evt.Payload))
	if err != nil {
		return err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return q.QueryRow(ctx, `
		INSERT INTO platform_events (event_uid, event_type, entity_type, entity_id, actor_id, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, evt.EventUID, evt.EventType, evt.EntityType, evt.EntityID, evt.ActorID, payload, traceparent, tracestate).
		Scan(&evt.ID, &evt.CreatedAt)
}

// InsertPlatformEvent persists a collaborator-emitted event outside a
// lifecycle transaction.
func (s *Store) InsertPlatformEvent(ctx context.Context, evt *model.PlatformEvent) error {
	payload, err := json.Marshal(orEmptyMap(evt.Payload))
	if err != nil {
		return err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return s.pool.QueryRow(ctx, `
		INSERT INTO platform_events (event_uid, event_type, entity_type, entity_id, actor_id, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, evt.EventUID, evt.EventType, evt.EntityType, evt.EntityID, evt.ActorID, payload, traceparent, tracestate).
		Scan(&evt.ID, &evt.CreatedAt)
}

// InsertPlatformEventOnce inserts an event keyed by its event_uid and
// reports whether the row was new. A duplicate uid leaves the stored event
// untouched.
func (s *Store) InsertPlatformEventOnce(ctx context.Context, evt *model.PlatformEvent) (bool, error) {
	payload, err := json.Marshal(orEmptyMap(evt.Payload))
	if err != nil {
		return false, err
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	err = s.pool.QueryRow(ctx, `
		INSERT INTO platform_events (event_uid, event_type, entity_type, entity_id, actor_id, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_uid) DO NOTHING
		RETURNING id, created_at
	`, evt.EventUID, evt.EventType, evt.EntityType, evt.EntityID, evt.ActorID, payload, traceparent, tracestate).
		Scan(&evt.ID, &evt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const platformEventColumns = `id, event_uid, event_type, entity_type, entity_id, actor_id, payload, created_at`

func scanPlatformEvents(rows pgx.Rows) ([]model.PlatformEvent, error) {
	var evts []model.PlatformEvent
	for rows.Next() {
		var evt model.PlatformEvent
		var payload []byte
		if err := rows.Scan(&evt.ID, &evt.EventUID, &evt.EventType, &evt.EntityType,
			&evt.EntityID, &evt.ActorID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, err
			}
		}
		evts = append(evts, evt)
	}
	return evts, rows.Err()
}

// ListRecentPlatformEvents returns the newest events first, for replay and
// the admin event feed.
func (s *Store) ListRecentPlatformEvents(ctx context.Context, limit int) ([]model.PlatformEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformEventColumns+`
		FROM platform_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlatformEvents(rows)
}

func (s *Store) ListPlatformEventsByEntity(ctx context.Context, entityType string, entityID int64, limit int) ([]model.PlatformEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformEventColumns+`
		FROM platform_events
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlatformEvents(rows)
}

func (s *Store) ListPlatformEventsByType(ctx context.Context, eventType string, limit int) ([]model.PlatformEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+platformEventColumns+`
		FROM platform_events
		WHERE event_type = $1
		ORDER BY id DESC
		LIMIT $2
	`, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlatformEvents(rows)
}

// ListActiveRules loads matching rules fresh on every call, first 50 by id
// ascending, so operator edits apply on the next evaluation.
func (s *Store) ListActiveRules(ctx context.Context, trigger string, limit int) ([]model.Rule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, trigger_event_type, condition, actions, created_at, updated_at
		FROM rules
		WHERE is_active AND trigger_event_type = $1
		ORDER BY id
		LIMIT $2
	`, trigger, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, trigger_event_type, condition, actions, created_at, updated_at
		FROM rules
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]model.Rule, error) {
	var out []model.Rule
	for rows.Next() {
		var r model.Rule
		var condition, actions []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.IsActive, &r.TriggerEventType,
			&condition, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if len(condition) > 0 {
			if err := json.Unmarshal(condition, &r.Condition); err != nil {
				return nil, err
			}
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &r.Actions); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateRule(ctx context.Context, r *model.Rule) error {
	condition, err := json.Marshal(orEmptyMap(r.Condition))
	if err != nil {
		return err
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO rules (name, is_active, trigger_event_type, condition, actions)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, r.Name, r.IsActive, r.TriggerEventType, condition, actions).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}

func (s *Store) UpdateRule(ctx context.Context, r *model.Rule) error {
	condition, err := json.Marshal(orEmptyMap(r.Condition))
	if err != nil {
		return err
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE rules
		SET name = $2,
			is_active = $3,
			trigger_event_type = $4,
			condition = $5,
			actions = $6,
			updated_at = now()
		WHERE id = $1
	`, r.ID, r.Name, r.IsActive, r.TriggerEventType, condition, actions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, is_active, trigger_event_type, condition, actions, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func getUser(ctx context.Context, q pgx.Tx, id int64) (*model.User, error) {
	row := q.QueryRow(ctx, `
		SELECT id, role, display_name, is_banned, is_master_active, created_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, role, display_name, is_banned, is_master_active, created_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func scanUser(row appointmentScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Role, &u.DisplayName, &u.IsBanned, &u.IsMasterActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanUsers(rows pgx.Rows) ([]model.User, error) {
	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Role, &u.DisplayName, &u.IsBanned, &u.IsMasterActive, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, role, display_name, is_banned, is_master_active, created_at
		FROM users
		WHERE role = $1
		ORDER BY id
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *Store) GetClientStats(ctx context.Context, userID int64) (*model.ClientStats, error) {
	var st model.ClientStats
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, completed_orders, cancelled_orders, average_rating,
			cancellation_rate, risk_score, risk_level, risk_updated_at
		FROM client_stats
		WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.CompletedOrders, &st.CancelledOrders, &st.AverageRating,
		&st.CancellationRate, &st.RiskScore, &st.RiskLevel, &st.RiskUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetMasterStats(ctx context.Context, userID int64) (*model.MasterStats, error) {
	var st model.MasterStats
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, completed_orders, declined_orders, average_rating, master_score, updated_at
		FROM master_stats
		WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.CompletedOrders, &st.DeclinedOrders, &st.AverageRating,
		&st.MasterScore, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func insertNotification(ctx context.Context, q pgx.Tx, n *model.Notification) error {
	payload, err := json.Marshal(orEmptyMap(n.Payload))
	if err != nil {
		return err
	}
	return q.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, title, message, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, n.UserID, n.Type, n.Title, n.Message, payload).Scan(&n.ID, &n.CreatedAt)
}

func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) error {
	payload, err := json.Marshal(orEmptyMap(n.Payload))
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, title, message, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, n.UserID, n.Type, n.Title, n.Message, payload).Scan(&n.ID, &n.CreatedAt)
}

func (s *Store) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, type, title, message, payload, is_read, created_at, read_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT is_read`
	}
	query += `
		ORDER BY id DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message,
			&payload, &n.IsRead, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationsRead marks the given ids (or all unread when ids is
// empty) and returns the number updated.
func (s *Store) MarkNotificationsRead(ctx context.Context, userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		tag, err := s.pool.Exec(ctx, `
			UPDATE notifications
			SET is_read = TRUE, read_at = now()
			WHERE user_id = $1 AND NOT is_read
		`, userID)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = now()
		WHERE user_id = $1 AND NOT is_read AND id = ANY($2)
	`, userID, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id = $1 AND NOT is_read
	`, userID).Scan(&count)
	return count, err
}

func (s *Store) GetFeatureFlag(ctx context.Context, name string) (*model.FeatureFlag, error) {
	var f model.FeatureFlag
	var roles []string
	err := s.pool.QueryRow(ctx, `
		SELECT name, is_enabled, rollout_percentage, scope, allowed_roles, allowed_user_ids, created_at, updated_at
		FROM feature_flags
		WHERE name = $1
	`, name).Scan(&f.Name, &f.IsEnabled, &f.RolloutPercentage, &f.Scope,
		&roles, &f.AllowedUserIDs, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		f.AllowedRoles = append(f.AllowedRoles, model.Role(r))
	}
	return &f, nil
}

func (s *Store) ListFeatureFlags(ctx context.Context) ([]model.FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, is_enabled, rollout_percentage, scope, allowed_roles, allowed_user_ids, created_at, updated_at
		FROM feature_flags
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []model.FeatureFlag
	for rows.Next() {
		var f model.FeatureFlag
		var roles []string
		if err := rows.Scan(&f.Name, &f.IsEnabled, &f.RolloutPercentage, &f.Scope,
			&roles, &f.AllowedUserIDs, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		for _, r := range roles {
			f.AllowedRoles = append(f.AllowedRoles, model.Role(r))
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

func (s *Store) UpsertFeatureFlag(ctx context.Context, f *model.FeatureFlag) error {
	roles := make([]string, len(f.AllowedRoles))
	for i, r := range f.AllowedRoles {
		roles[i] = string(r)
	}
	userIDs := f.AllowedUserIDs
	if userIDs == nil {
		userIDs = []int64{}
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO feature_flags (name, is_enabled, rollout_percentage, scope, allowed_roles, allowed_user_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET is_enabled = EXCLUDED.is_enabled,
			rollout_percentage = EXCLUDED.rollout_percentage,
			scope = EXCLUDED.scope,
			allowed_roles = EXCLUDED.allowed_roles,
			allowed_user_ids = EXCLUDED.allowed_user_ids,
			updated_at = now()
		RETURNING created_at, updated_at
	`, f.Name, f.IsEnabled, f.RolloutPercentage, f.Scope, roles, userIDs).
		Scan(&f.CreatedAt, &f.UpdatedAt)
}
