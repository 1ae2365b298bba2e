package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// MaxDepth bounds rule cascades: a rule action that emits an event can
// trigger further rules, but evaluation short-circuits once the call chain
// is this deep. Exhaustion is not an error; the nested call simply
// executes nothing.
const MaxDepth = 3

// maxRulesPerEvent is a fairness/cost bound on how many rules one event
// can match, taken in id order.
const maxRulesPerEvent = 50

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}

// Transitioner performs guarded status changes on behalf of rule actions.
// It is the same edge-table-checked path operators use, so rules cannot
// perform illegal jumps.
type Transitioner interface {
	Transition(ctx context.Context, appointmentID int64, actorID *int64, to model.Status, note string) (*model.Appointment, error)
}

// Engine evaluates active rules against emitted platform events and runs
// their actions. Action failures are logged and skipped: a misconfigured
// rule must never break the transition that triggered it.
type Engine struct {
	store  Store
	trans  Transitioner
	logger *slog.Logger
}

func NewEngine(store Store, trans Transitioner, logger *slog.Logger) *Engine {
	return &Engine{store: store, trans: trans, logger: logger}
}

// HandleEvent implements events.Subscriber.
func (e *Engine) HandleEvent(ctx context.Context, evt model.PlatformEvent) {
	e.ProcessEvent(ctx, evt)
}

// ProcessEvent runs all matching active rules for one event and returns
// the number of successfully executed actions. The recursion depth is
// carried on the context so it is scoped to this call chain and resets
// when the outermost call returns.
func (e *Engine) ProcessEvent(ctx context.Context, evt model.PlatformEvent) int {
	depth := depthFrom(ctx)
	if depth >= MaxDepth {
		return 0
	}

	matched, err := e.store.ListActiveRules(ctx, evt.EventType, maxRulesPerEvent)
	if err != nil {
		e.logger.Error("rule lookup failed", "event_type", evt.EventType, "err", err)
		return 0
	}
	if len(matched) == 0 {
		return 0
	}

	appt := e.resolveAppointment(ctx, evt)
	evalCtx := e.buildContext(ctx, evt, appt)
	ctx = withDepth(ctx, depth+1)

	executed := 0
	for _, rule := range matched {
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			e.logger.Warn("skipping rule with malformed condition", "rule", rule.Name, "err", err)
			continue
		}
		if !cond.Eval(evalCtx) {
			continue
		}
		for _, action := range rule.Actions {
			if err := e.executeAction(ctx, rule, action, evt, appt); err != nil {
				e.logger.Error("rule action failed", "rule", rule.Name, "action", action["type"], "err", err)
				continue
			}
			executed++
		}
	}
	return executed
}

func (e *Engine) executeAction(ctx context.Context, rule model.Rule, action map[string]any, evt model.PlatformEvent, appt *model.Appointment) error {
	actionType, _ := action["type"].(string)
	switch actionType {
	case "create_notification":
		return e.createNotification(ctx, rule, action, evt, appt)
	case "change_status":
		return e.changeStatus(ctx, rule, action, evt, appt)
	case "assign_tag", "assign_flag":
		return e.assignTag(ctx, action, appt)
	case "request_admin_attention":
		return e.requestAdminAttention(ctx, rule, action, evt)
	}
	return fmt.Errorf("unknown action type %q", actionType)
}

func (e *Engine) createNotification(ctx context.Context, rule model.Rule, action map[string]any, evt model.PlatformEvent, appt *model.Appointment) error {
	recipients, err := e.actionRecipients(ctx, action, evt, appt)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	title, _ := action["title"].(string)
	if title == "" {
		title = "Rule: " + rule.Name
	}
	message, _ := action["message"].(string)
	if message == "" {
		message = "Rule triggered for event " + evt.EventType
	}
	notifType := model.NotificationSystem
	if t, ok := action["notification_type"].(string); ok && t != "" {
		notifType = model.NotificationType(t)
	}

	payload := map[string]any{"rule_id": rule.ID, "event_id": evt.ID}
	if extra, ok := action["payload"].(map[string]any); ok {
		for k, v := range extra {
			payload[k] = v
		}
	}
	for _, user := range recipients {
		if err := e.store.InsertNotification(ctx, &model.Notification{
			UserID:  user.ID,
			Type:    notifType,
			Title:   title,
			Message: message,
			Payload: payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// changeStatus is a no-op when the target equals the current status or the
// edge is not in the allowed-transition table; the nested Transition call
// re-checks the same table and carries the recursion depth in ctx.
func (e *Engine) changeStatus(ctx context.Context, rule model.Rule, action map[string]any, evt model.PlatformEvent, appt *model.Appointment) error {
	if appt == nil {
		return nil
	}
	toRaw, _ := action["to_status"].(string)
	to := model.Status(toRaw)
	if toRaw == "" || to == appt.Status {
		return nil
	}
	if !model.AllowedTransition(appt.Status, to) {
		return nil
	}

	actorID := evt.ActorID
	if actorID == nil {
		actorID = appt.AssignedMasterID
	}
	if actorID == nil {
		actorID = &appt.ClientID
	}
	updated, err := e.trans.Transition(ctx, appt.ID, actorID, to, fmt.Sprintf("[rule:%s] auto change", rule.Name))
	if err != nil {
		return err
	}
	*appt = *updated
	return nil
}

// assignTag is an idempotent set-add on the appointment's platform tags.
func (e *Engine) assignTag(ctx context.Context, action map[string]any, appt *model.Appointment) error {
	if appt == nil {
		return nil
	}
	tag, _ := action["tag"].(string)
	if tag == "" {
		tag, _ = action["flag"].(string)
	}
	if tag == "" || appt.HasTag(tag) {
		return nil
	}
	if err := e.store.AddAppointmentTag(ctx, appt.ID, tag); err != nil {
		return err
	}
	appt.PlatformTags = append(appt.PlatformTags, tag)
	return nil
}

func (e *Engine) requestAdminAttention(ctx context.Context, rule model.Rule, action map[string]any, evt model.PlatformEvent) error {
	title, _ := action["title"].(string)
	if title == "" {
		title = "Admin attention required"
	}
	message, _ := action["message"].(string)
	if message == "" {
		message = fmt.Sprintf("Rule %s: %s", rule.Name, evt.EventType)
	}
	admins, err := e.store.ListUsersByRole(ctx, model.RoleAdmin)
	if err != nil {
		return err
	}
	for _, admin := range admins {
		if err := e.store.InsertNotification(ctx, &model.Notification{
			UserID:  admin.ID,
			Type:    model.NotificationSystem,
			Title:   title,
			Message: message,
			Payload: map[string]any{"rule_id": rule.ID, "event_id": evt.ID},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) actionRecipients(ctx context.Context, action map[string]any, evt model.PlatformEvent, appt *model.Appointment) ([]model.User, error) {
	target, _ := action["target"].(string)
	switch target {
	case "actor":
		if evt.ActorID == nil {
			return nil, nil
		}
		return e.userByID(ctx, *evt.ActorID)
	case "client":
		if appt == nil {
			return nil, nil
		}
		return e.userByID(ctx, appt.ClientID)
	case "master":
		if appt == nil || appt.AssignedMasterID == nil {
			return nil, nil
		}
		return e.userByID(ctx, *appt.AssignedMasterID)
	case "admins":
		return e.store.ListUsersByRole(ctx, model.RoleAdmin)
	case "user":
		n, ok := toNumber(action["user_id"])
		if !ok {
			return nil, nil
		}
		return e.userByID(ctx, int64(n))
	case "role":
		role, _ := action["role"].(string)
		switch model.Role(role) {
		case model.RoleClient, model.RoleMaster, model.RoleAdmin:
			return e.store.ListUsersByRole(ctx, model.Role(role))
		}
	}
	return nil, nil
}

func (e *Engine) userByID(ctx context.Context, id int64) ([]model.User, error) {
	user, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	return []model.User{*user}, nil
}

// Replay re-runs the engine over the last n stored platform events, oldest
// first. Used by operators after editing rules.
func (e *Engine) Replay(ctx context.Context, n int) (processed, executed int, err error) {
	if n < 1 {
		n = 1
	}
	evts, err := e.store.ListRecentPlatformEvents(ctx, n)
	if err != nil {
		return 0, 0, err
	}
	for i := len(evts) - 1; i >= 0; i-- {
		executed += e.ProcessEvent(ctx, evts[i])
		processed++
	}
	return processed, executed, nil
}
