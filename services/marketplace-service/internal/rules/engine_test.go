package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rules         []model.Rule
	events        []model.PlatformEvent
	appointments  map[int64]*model.Appointment
	users         map[int64]model.User
	clientStats   map[int64]*model.ClientStats
	notifications []model.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments: make(map[int64]*model.Appointment),
		users:        make(map[int64]model.User),
		clientStats:  make(map[int64]*model.ClientStats),
	}
}

func (s *fakeStore) ListActiveRules(ctx context.Context, trigger string, limit int) ([]model.Rule, error) {
	var out []model.Rule
	for _, r := range s.rules {
		if r.IsActive && r.TriggerEventType == trigger {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListRecentPlatformEvents(ctx context.Context, limit int) ([]model.PlatformEvent, error) {
	var out []model.PlatformEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *fakeStore) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (s *fakeStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *fakeStore) GetClientStats(ctx context.Context, userID int64) (*model.ClientStats, error) {
	return s.clientStats[userID], nil
}

func (s *fakeStore) GetMasterStats(ctx context.Context, userID int64) (*model.MasterStats, error) {
	return nil, nil
}

func (s *fakeStore) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	var out []model.User
	for _, u := range s.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *fakeStore) AddAppointmentTag(ctx context.Context, appointmentID int64, tag string) error {
	a, ok := s.appointments[appointmentID]
	if !ok {
		return fmt.Errorf("appointment %d not found", appointmentID)
	}
	a.PlatformTags = append(a.PlatformTags, tag)
	return nil
}

// fakeTransitioner applies the edge-checked transition and feeds the
// resulting status_changed event back into the engine, the way the
// dispatcher does in production.
type fakeTransitioner struct {
	store  *fakeStore
	engine *Engine
	calls  int
}

func (t *fakeTransitioner) Transition(ctx context.Context, appointmentID int64, actorID *int64, to model.Status, note string) (*model.Appointment, error) {
	appt := t.store.appointments[appointmentID]
	if appt == nil {
		return nil, fmt.Errorf("appointment %d not found", appointmentID)
	}
	if !model.AllowedTransition(appt.Status, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s", appt.Status, to)
	}
	t.calls++
	from := appt.Status
	appt.Status = to

	t.engine.ProcessEvent(ctx, model.PlatformEvent{
		ID:         int64(1000 + t.calls),
		EventType:  "appointment.status_changed",
		EntityType: model.EntityAppointment,
		EntityID:   appointmentID,
		ActorID:    actorID,
		Payload:    map[string]any{"from_status": string(from), "to_status": string(to), "note": note},
	})
	copied := *appt
	return &copied, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *fakeTransitioner) {
	t.Helper()
	store := newFakeStore()
	trans := &fakeTransitioner{store: store}
	engine := NewEngine(store, trans, slog.New(slog.NewTextHandler(io.Discard, nil)))
	trans.engine = engine
	return engine, store, trans
}

func createdEvent(appointmentID int64, actorID int64) model.PlatformEvent {
	return model.PlatformEvent{
		ID:         1,
		EventUID:   "uid-1",
		EventType:  "appointment.created",
		EntityType: model.EntityAppointment,
		EntityID:   appointmentID,
		ActorID:    &actorID,
		Payload:    map[string]any{"status": "NEW"},
	}
}

func TestProcessEvent_NotificationRule(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[1] = model.User{ID: 1, Role: model.RoleClient}
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "greet-admins", IsActive: true,
		TriggerEventType: "appointment.created",
		Condition:        map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"},
		Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
	})

	executed := engine.ProcessEvent(context.Background(), createdEvent(10, 1))
	require.Equal(t, 1, executed)
	require.Len(t, store.notifications, 1)
	require.Equal(t, int64(5), store.notifications[0].UserID)
	require.Equal(t, "Rule: greet-admins", store.notifications[0].Title)
	require.Equal(t, int64(1), store.notifications[0].Payload["rule_id"])
}

func TestProcessEvent_ConditionMiss(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusPaid}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "only-new", IsActive: true,
		TriggerEventType: "appointment.created",
		Condition:        map[string]any{"field": "appointment.status", "op": "==", "value": "NEW"},
		Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
	})

	require.Equal(t, 0, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
	require.Empty(t, store.notifications)
}

func TestProcessEvent_MalformedRuleSkipped(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules,
		model.Rule{
			ID: 1, Name: "broken", IsActive: true,
			TriggerEventType: "appointment.created",
			Condition:        map[string]any{"field": "x", "op": "~="},
			Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
		},
		model.Rule{
			ID: 2, Name: "works", IsActive: true,
			TriggerEventType: "appointment.created",
			Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
		},
	)

	require.Equal(t, 1, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
	require.Len(t, store.notifications, 1)
}

func TestProcessEvent_ChangeStatus(t *testing.T) {
	engine, store, trans := newTestEngine(t)
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "auto-cancel", IsActive: true,
		TriggerEventType: "appointment.created",
		Actions:          []map[string]any{{"type": "change_status", "to_status": "CANCELLED"}},
	})

	require.Equal(t, 1, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
	require.Equal(t, 1, trans.calls)
	require.Equal(t, model.StatusCancelled, store.appointments[10].Status)
}

// A disallowed edge and a same-status target are silent no-ops, still
// counted as executed actions.
func TestProcessEvent_ChangeStatusNoOps(t *testing.T) {
	engine, store, trans := newTestEngine(t)
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "illegal-jump", IsActive: true,
		TriggerEventType: "appointment.created",
		Actions: []map[string]any{
			{"type": "change_status", "to_status": "COMPLETED"},
			{"type": "change_status", "to_status": "NEW"},
		},
	})

	require.Equal(t, 2, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
	require.Equal(t, 0, trans.calls)
	require.Equal(t, model.StatusNew, store.appointments[10].Status)
}

func TestProcessEvent_AssignTagIdempotent(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "tag-vip", IsActive: true,
		TriggerEventType: "appointment.created",
		Actions:          []map[string]any{{"type": "assign_tag", "tag": "vip"}},
	})

	evt := createdEvent(10, 1)
	engine.ProcessEvent(context.Background(), evt)
	engine.ProcessEvent(context.Background(), evt)
	require.Equal(t, []string{"vip"}, store.appointments[10].PlatformTags)
}

// Cascades terminate: a created event changes status, the resulting
// status_changed event changes status again, and the chain stops at the
// depth bound even though a matching rule still fires.
func TestProcessEvent_CascadeDepthBounded(t *testing.T) {
	engine, store, trans := newTestEngine(t)
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules,
		model.Rule{
			ID: 1, Name: "take", IsActive: true,
			TriggerEventType: "appointment.created",
			Actions:          []map[string]any{{"type": "change_status", "to_status": "IN_REVIEW"}},
		},
		model.Rule{
			ID: 2, Name: "cancel-reviewed", IsActive: true,
			TriggerEventType: "appointment.status_changed",
			Condition:        map[string]any{"field": "event.payload.to_status", "op": "==", "value": "IN_REVIEW"},
			Actions:          []map[string]any{{"type": "change_status", "to_status": "CANCELLED"}},
		},
	)

	engine.ProcessEvent(context.Background(), createdEvent(10, 1))
	require.Equal(t, model.StatusCancelled, store.appointments[10].Status)
	require.Equal(t, 2, trans.calls)
}

func TestProcessEvent_DepthExhausted(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "always", IsActive: true,
		TriggerEventType: "appointment.created",
		Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
	})

	ctx := withDepth(context.Background(), MaxDepth)
	require.Equal(t, 0, engine.ProcessEvent(ctx, createdEvent(10, 1)))
	require.Empty(t, store.notifications)
}

func TestProcessEvent_RequestAdminAttention(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.users[6] = model.User{ID: 6, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew, SLABreached: true}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "escalate-breach", IsActive: true,
		TriggerEventType: "sla.breached",
		Actions:          []map[string]any{{"type": "request_admin_attention", "title": "SLA breach"}},
	})

	evt := model.PlatformEvent{
		ID: 2, EventType: "sla.breached",
		EntityType: model.EntityAppointment, EntityID: 10,
		Payload: map[string]any{"reason": "response_timeout"},
	}
	require.Equal(t, 1, engine.ProcessEvent(context.Background(), evt))
	require.Len(t, store.notifications, 2)
}

// Rules can key on client risk data joined into the context.
func TestProcessEvent_ClientRiskCondition(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[1] = model.User{ID: 1, Role: model.RoleClient}
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.clientStats[1] = &model.ClientStats{UserID: 1, RiskScore: 80, RiskLevel: "critical"}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "flag-risky", IsActive: true,
		TriggerEventType: "appointment.created",
		Condition:        map[string]any{"field": "client.risk_level", "op": ">=", "value": "high"},
		Actions:          []map[string]any{{"type": "assign_tag", "tag": "high_risk"}},
	})

	require.Equal(t, 1, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
	require.True(t, store.appointments[10].HasTag("high_risk"))
}

func TestReplay(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	for i := int64(1); i <= 3; i++ {
		store.events = append(store.events, model.PlatformEvent{
			ID: i, EventType: "appointment.created",
			EntityType: model.EntityAppointment, EntityID: 10,
			Payload: map[string]any{"seq": i},
		})
	}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "notify", IsActive: true,
		TriggerEventType: "appointment.created",
		Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
	})

	processed, executed, err := engine.Replay(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, processed)
	require.Equal(t, 2, executed)
	// newest two events, applied oldest first
	require.Equal(t, int64(2), store.notifications[0].Payload["event_id"])
	require.Equal(t, int64(3), store.notifications[1].Payload["event_id"])
}

func TestInactiveRuleIgnored(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.users[5] = model.User{ID: 5, Role: model.RoleAdmin}
	store.appointments[10] = &model.Appointment{ID: 10, ClientID: 1, Status: model.StatusNew}
	store.rules = append(store.rules, model.Rule{
		ID: 1, Name: "disabled", IsActive: false,
		TriggerEventType: "appointment.created",
		Actions:          []map[string]any{{"type": "create_notification", "target": "admins"}},
	})

	require.Equal(t, 0, engine.ProcessEvent(context.Background(), createdEvent(10, 1)))
}
