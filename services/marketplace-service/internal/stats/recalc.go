package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/remlock/remlock/libs/db"
)

// Recalculator re-derives per-user aggregates from appointment history.
// It runs after the triggering transaction commits; a failed recalc is
// logged and retried on the next transition touching the same user.
type Recalculator struct {
	pool   *db.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewRecalculator(pool *db.Pool, logger *slog.Logger) *Recalculator {
	return &Recalculator{pool: pool, logger: logger, now: time.Now}
}

func (r *Recalculator) RecalculateClient(ctx context.Context, clientID int64) {
	if err := r.recalculateClient(ctx, clientID); err != nil {
		r.logger.Error("client stats recalc failed", "client_id", clientID, "error", err)
	}
}

func (r *Recalculator) recalculateClient(ctx context.Context, clientID int64) error {
	var completed, cancelled int
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status IN ('CANCELLED', 'DECLINED_BY_MASTER'))
		FROM appointments
		WHERE client_id = $1
	`, clientID).Scan(&completed, &cancelled)
	if err != nil {
		return err
	}

	var createdAt time.Time
	if err := r.pool.QueryRow(ctx, `SELECT created_at FROM users WHERE id = $1`, clientID).Scan(&createdAt); err != nil {
		return err
	}
	accountAgeDays := int(r.now().Sub(createdAt).Hours() / 24)

	rate := 0.0
	if completed+cancelled > 0 {
		rate = float64(cancelled) / float64(completed+cancelled)
	}
	score, level := ComputeClientRisk(completed, cancelled, accountAgeDays)

	_, err = r.pool.Exec(ctx, `
		INSERT INTO client_stats (user_id, completed_orders, cancelled_orders, cancellation_rate, risk_score, risk_level, risk_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE
		SET completed_orders = EXCLUDED.completed_orders,
			cancelled_orders = EXCLUDED.cancelled_orders,
			cancellation_rate = EXCLUDED.cancellation_rate,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			risk_updated_at = now()
	`, clientID, completed, cancelled, rate, score, level)
	return err
}

func (r *Recalculator) RecalculateMaster(ctx context.Context, masterID int64) {
	if err := r.recalculateMaster(ctx, masterID); err != nil {
		r.logger.Error("master stats recalc failed", "master_id", masterID, "error", err)
	}
}

func (r *Recalculator) recalculateMaster(ctx context.Context, masterID int64) error {
	var completed, declined int
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'DECLINED_BY_MASTER')
		FROM appointments
		WHERE assigned_master_id = $1
	`, masterID).Scan(&completed, &declined)
	if err != nil {
		return err
	}

	score := ComputeMasterScore(completed, declined)

	_, err = r.pool.Exec(ctx, `
		INSERT INTO master_stats (user_id, completed_orders, declined_orders, master_score, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET completed_orders = EXCLUDED.completed_orders,
			declined_orders = EXCLUDED.declined_orders,
			master_score = EXCLUDED.master_score,
			updated_at = now()
	`, masterID, completed, declined, score)
	return err
}
