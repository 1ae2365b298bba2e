package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/flags"
	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/remlock/remlock/services/marketplace-service/internal/rules"
	"github.com/remlock/remlock/services/marketplace-service/internal/storage"
)

// PlatformHandler serves the operator surface: rule management, feature
// flags, notifications and the raw event feed.
type PlatformHandler struct {
	store    *storage.Store
	engine   *rules.Engine
	flags    *flags.Service
	eventLog *events.Log
	logger   *slog.Logger
}

func NewPlatformHandler(store *storage.Store, engine *rules.Engine, flagService *flags.Service, eventLog *events.Log, logger *slog.Logger) *PlatformHandler {
	return &PlatformHandler{store: store, engine: engine, flags: flagService, eventLog: eventLog, logger: logger}
}

func (h *PlatformHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	id, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return nil, false
	}
	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	if user == nil || user.Role != model.RoleAdmin {
		http.Error(w, "admin role required", http.StatusForbidden)
		return nil, false
	}
	return user, true
}

type ruleRequest struct {
	ID               int64            `json:"id,omitempty"`
	Name             string           `json:"name"`
	IsActive         *bool            `json:"is_active,omitempty"`
	TriggerEventType string           `json:"trigger_event_type"`
	Condition        map[string]any   `json:"condition"`
	Actions          []map[string]any `json:"actions"`
}

type ruleView struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	IsActive         bool             `json:"is_active"`
	TriggerEventType string           `json:"trigger_event_type"`
	Condition        map[string]any   `json:"condition"`
	Actions          []map[string]any `json:"actions"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

func ruleViewOf(r *model.Rule) ruleView {
	return ruleView{
		ID:               r.ID,
		Name:             r.Name,
		IsActive:         r.IsActive,
		TriggerEventType: r.TriggerEventType,
		Condition:        r.Condition,
		Actions:          r.Actions,
		CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Rules handles the rule collection: GET lists, POST creates. Rule specs
// are validated before they are stored so a malformed rule never reaches
// the evaluation path.
func (h *PlatformHandler) Rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAdmin(w, r); !ok {
			return
		}
		list, err := h.store.ListRules(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]ruleView, 0, len(list))
		for i := range list {
			items = append(items, ruleViewOf(&list[i]))
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		if _, ok := h.requireAdmin(w, r); !ok {
			return
		}
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.TriggerEventType = strings.TrimSpace(req.TriggerEventType)
		if req.Name == "" || req.TriggerEventType == "" {
			http.Error(w, "name and trigger_event_type required", http.StatusBadRequest)
			return
		}
		if err := rules.ValidateSpec(req.Condition, req.Actions); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rule := &model.Rule{
			Name:             req.Name,
			IsActive:         true,
			TriggerEventType: req.TriggerEventType,
			Condition:        req.Condition,
			Actions:          req.Actions,
		}
		if req.IsActive != nil {
			rule.IsActive = *req.IsActive
		}
		if err := h.store.CreateRule(r.Context(), rule); err != nil {
			if storage.IsConflict(err) {
				http.Error(w, "rule name already exists", http.StatusConflict)
				return
			}
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ruleViewOf(rule))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *PlatformHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ID <= 0 {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	rule, err := h.store.GetRule(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rule == nil {
		http.Error(w, "rule not found", http.StatusNotFound)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		rule.Name = name
	}
	if trigger := strings.TrimSpace(req.TriggerEventType); trigger != "" {
		rule.TriggerEventType = trigger
	}
	if req.Condition != nil {
		rule.Condition = req.Condition
	}
	if req.Actions != nil {
		rule.Actions = req.Actions
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if err := rules.ValidateSpec(rule.Condition, rule.Actions); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.store.UpdateRule(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleViewOf(rule))
}

type replayRequest struct {
	LastN int `json:"last_n"`
}

type replayResponse struct {
	Processed int `json:"processed"`
	Executed  int `json:"executed"`
}

// ReplayRules re-runs active rules over the newest stored events, oldest
// first. Useful after deploying a new rule to backfill its effects.
func (h *PlatformHandler) ReplayRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.LastN <= 0 || req.LastN > 1000 {
		http.Error(w, "last_n must be between 1 and 1000", http.StatusBadRequest)
		return
	}
	processed, executed, err := h.engine.Replay(r.Context(), req.LastN)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{Processed: processed, Executed: executed})
}

type flagRequest struct {
	Name              string   `json:"name"`
	IsEnabled         bool     `json:"is_enabled"`
	RolloutPercentage int      `json:"rollout_percentage"`
	Scope             string   `json:"scope"`
	AllowedRoles      []string `json:"allowed_roles"`
	AllowedUserIDs    []int64  `json:"allowed_user_ids"`
}

type flagView struct {
	Name              string   `json:"name"`
	IsEnabled         bool     `json:"is_enabled"`
	RolloutPercentage int      `json:"rollout_percentage"`
	Scope             string   `json:"scope"`
	AllowedRoles      []string `json:"allowed_roles"`
	AllowedUserIDs    []int64  `json:"allowed_user_ids"`
	UpdatedAt         string   `json:"updated_at"`
}

func flagViewOf(f *model.FeatureFlag) flagView {
	v := flagView{
		Name:              f.Name,
		IsEnabled:         f.IsEnabled,
		RolloutPercentage: f.RolloutPercentage,
		Scope:             string(f.Scope),
		AllowedRoles:      make([]string, 0, len(f.AllowedRoles)),
		AllowedUserIDs:    f.AllowedUserIDs,
		UpdatedAt:         f.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, role := range f.AllowedRoles {
		v.AllowedRoles = append(v.AllowedRoles, string(role))
	}
	return v
}

// Flags handles the flag collection: GET lists, POST creates or replaces
// the flag with the given name.
func (h *PlatformHandler) Flags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAdmin(w, r); !ok {
			return
		}
		list, err := h.store.ListFeatureFlags(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]flagView, 0, len(list))
		for i := range list {
			items = append(items, flagViewOf(&list[i]))
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		h.upsertFlag(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *PlatformHandler) upsertFlag(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	scope := model.FlagScope(req.Scope)
	switch scope {
	case model.ScopeGlobal, model.ScopePerUser, model.ScopePerRole:
	case "":
		scope = model.ScopeGlobal
	default:
		http.Error(w, "unknown scope", http.StatusBadRequest)
		return
	}
	if req.RolloutPercentage < 0 || req.RolloutPercentage > 100 {
		http.Error(w, "rollout_percentage must be between 0 and 100", http.StatusBadRequest)
		return
	}
	flag := &model.FeatureFlag{
		Name:              req.Name,
		IsEnabled:         req.IsEnabled,
		RolloutPercentage: req.RolloutPercentage,
		Scope:             scope,
		AllowedUserIDs:    req.AllowedUserIDs,
	}
	for _, role := range req.AllowedRoles {
		flag.AllowedRoles = append(flag.AllowedRoles, model.Role(role))
	}
	if err := h.store.UpsertFeatureFlag(r.Context(), flag); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flagViewOf(flag))
}

type evaluateFlagResponse struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// EvaluateFlag answers whether the flag is on for the calling user. The
// answer is deterministic per (flag, user) pair.
func (h *PlatformHandler) EvaluateFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	var user *model.User
	var role model.Role
	if id, ok := actorID(r); ok {
		u, err := h.store.GetUser(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		user = u
		if u != nil {
			role = u.Role
		}
	}
	enabled, err := h.flags.EvaluateFlag(r.Context(), name, user, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateFlagResponse{Name: name, Enabled: enabled})
}

type notificationItem struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt string         `json:"created_at"`
}

func (h *PlatformHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return
	}
	unreadOnly := strings.TrimSpace(r.URL.Query().Get("unread")) == "true"
	limit := queryLimit(r, 100, 500)

	list, err := h.store.ListNotifications(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]notificationItem, 0, len(list))
	for _, n := range list {
		items = append(items, notificationItem{
			ID:        n.ID,
			Type:      string(n.Type),
			Title:     n.Title,
			Message:   n.Message,
			Payload:   n.Payload,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type markReadRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *PlatformHandler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	updated, err := h.store.MarkNotificationsRead(r.Context(), userID, req.IDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (h *PlatformHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return
	}
	count, err := h.store.CountUnreadNotifications(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": count})
}

type emitEventRequest struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// EmitEvent lets collaborating services record a platform event (chat
// message sent, review left, login) and triggers rule evaluation for it.
func (h *PlatformHandler) EmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorID(r)
	if !ok {
		http.Error(w, "X-User-Id header required", http.StatusUnauthorized)
		return
	}
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	req.EntityType = strings.TrimSpace(req.EntityType)
	if req.EventType == "" || req.EntityType == "" || req.EntityID <= 0 {
		http.Error(w, "event_type, entity_type and entity_id required", http.StatusBadRequest)
		return
	}
	evt, err := h.eventLog.Emit(r.Context(), req.EventType, req.EntityType, req.EntityID, &actor, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": evt.ID, "event_uid": evt.EventUID})
}

type platformEventItem struct {
	ID         int64          `json:"id"`
	EventUID   string         `json:"event_uid"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Events is the admin event feed, filterable by event type or entity.
func (h *PlatformHandler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	q := r.URL.Query()
	limit := queryLimit(r, 100, 500)

	var (
		evts []model.PlatformEvent
		err  error
	)
	entityType := strings.TrimSpace(q.Get("entity_type"))
	eventType := strings.TrimSpace(q.Get("event_type"))
	switch {
	case entityType != "":
		entityID, perr := strconv.ParseInt(strings.TrimSpace(q.Get("entity_id")), 10, 64)
		if perr != nil || entityID <= 0 {
			http.Error(w, "entity_id required with entity_type", http.StatusBadRequest)
			return
		}
		evts, err = h.store.ListPlatformEventsByEntity(r.Context(), entityType, entityID, limit)
	case eventType != "":
		evts, err = h.store.ListPlatformEventsByType(r.Context(), eventType, limit)
	default:
		evts, err = h.store.ListRecentPlatformEvents(r.Context(), limit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]platformEventItem, 0, len(evts))
	for _, evt := range evts {
		items = append(items, platformEventItem{
			ID:         evt.ID,
			EventUID:   evt.EventUID,
			EventType:  evt.EventType,
			EntityType: evt.EntityType,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			Payload:    evt.Payload,
			CreatedAt:  evt.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}
