package rules

import (
	"context"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Store is the read/write surface the engine needs. Rules are loaded fresh
// on every evaluation so operator edits take effect immediately.
type Store interface {
	ListActiveRules(ctx context.Context, trigger string, limit int) ([]model.Rule, error)
	ListRecentPlatformEvents(ctx context.Context, limit int) ([]model.PlatformEvent, error)
	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetClientStats(ctx context.Context, userID int64) (*model.ClientStats, error)
	GetMasterStats(ctx context.Context, userID int64) (*model.MasterStats, error)
	ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error)
	InsertNotification(ctx context.Context, n *model.Notification) error
	AddAppointmentTag(ctx context.Context, appointmentID int64, tag string) error
}

// resolveAppointment follows the event's weak entity reference to an
// appointment: directly for appointment entities, via an appointment_id
// payload key for linked entities (messages, reviews). A dangling
// reference resolves to nil.
func (e *Engine) resolveAppointment(ctx context.Context, evt model.PlatformEvent) *model.Appointment {
	id := evt.EntityID
	if evt.EntityType != model.EntityAppointment {
		n, ok := toNumber(evt.Payload["appointment_id"])
		if !ok {
			return nil
		}
		id = int64(n)
	}
	appt, err := e.store.GetAppointment(ctx, id)
	if err != nil {
		e.logger.Warn("rule context: appointment lookup failed", "appointment_id", id, "err", err)
		return nil
	}
	return appt
}

// buildContext flattens the event and its resolved aggregates into the
// namespaces conditions address: event, actor, appointment, client, master.
func (e *Engine) buildContext(ctx context.Context, evt model.PlatformEvent, appt *model.Appointment) Context {
	actorCtx := map[string]any{"id": nil, "role": nil}
	if evt.ActorID != nil {
		actorCtx["id"] = *evt.ActorID
		if actor, err := e.store.GetUser(ctx, *evt.ActorID); err == nil && actor != nil {
			actorCtx["role"] = string(actor.Role)
		}
	}

	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	out := Context{
		"event": map[string]any{
			"id":          evt.ID,
			"event_type":  evt.EventType,
			"entity_type": evt.EntityType,
			"entity_id":   evt.EntityID,
			"created_at":  evt.CreatedAt.UTC().Format(time.RFC3339),
			"payload":     payload,
		},
		"actor": actorCtx,
	}
	if appt == nil {
		return out
	}

	apptCtx := map[string]any{
		"id":                 appt.ID,
		"status":             string(appt.Status),
		"client_id":          appt.ClientID,
		"assigned_master_id": nil,
		"total_price":        nil,
		"sla_breached":       appt.SLABreached,
		"created_at":         appt.CreatedAt.UTC().Format(time.RFC3339),
		"platform_tags":      tagsAsAny(appt.PlatformTags),
	}
	if appt.AssignedMasterID != nil {
		apptCtx["assigned_master_id"] = *appt.AssignedMasterID
	}
	if appt.TotalPrice != nil {
		apptCtx["total_price"] = *appt.TotalPrice
	}
	out["appointment"] = apptCtx

	clientCtx := map[string]any{"id": appt.ClientID, "risk_level": "low", "risk_score": 0, "is_banned": false}
	if client, err := e.store.GetUser(ctx, appt.ClientID); err == nil && client != nil {
		clientCtx["is_banned"] = client.IsBanned
	}
	if stats, err := e.store.GetClientStats(ctx, appt.ClientID); err == nil && stats != nil {
		clientCtx["risk_level"] = stats.RiskLevel
		clientCtx["risk_score"] = stats.RiskScore
		clientCtx["average_rating"] = stats.AverageRating
		clientCtx["cancellation_rate"] = stats.CancellationRate
	}
	out["client"] = clientCtx

	masterCtx := map[string]any{"id": nil, "master_score": nil, "is_master_active": false}
	if appt.AssignedMasterID != nil {
		masterCtx["id"] = *appt.AssignedMasterID
		if master, err := e.store.GetUser(ctx, *appt.AssignedMasterID); err == nil && master != nil {
			masterCtx["is_master_active"] = master.IsMasterActive
		}
		if stats, err := e.store.GetMasterStats(ctx, *appt.AssignedMasterID); err == nil && stats != nil {
			masterCtx["master_score"] = stats.MasterScore
		}
	}
	out["master"] = masterCtx
	return out
}

func tagsAsAny(tags []string) []any {
	out := make([]any, len(tags))
	for i, t := range tags {
		out[i] = t
	}
	return out
}
