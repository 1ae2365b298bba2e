package model

import "time"

// PlatformEvent is an immutable domain fact consumed by the rule engine.
// The entity reference is a weak lookup key, not an ownership edge: the
// referenced entity may be gone by the time a rule evaluates.
type PlatformEvent struct {
	ID         int64
	EventUID   string
	EventType  string
	EntityType string
	EntityID   int64
	ActorID    *int64
	Payload    map[string]any
	CreatedAt  time.Time
}

const (
	EntityAppointment = "appointment"
	EntityUser        = "user"
	EntityMessage     = "message"
	EntityReview      = "review"
)

// Rule is operator-configured automation: when an event of
// TriggerEventType is emitted and Condition holds over the event context,
// Actions run in order. Rules are data, editable at runtime.
type Rule struct {
	ID               int64
	Name             string
	IsActive         bool
	TriggerEventType string
	Condition        map[string]any
	Actions          []map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type FlagScope string

const (
	ScopeGlobal  FlagScope = "global"
	ScopePerUser FlagScope = "per_user"
	ScopePerRole FlagScope = "per_role"
)

type FeatureFlag struct {
	Name              string
	IsEnabled         bool
	RolloutPercentage int
	Scope             FlagScope
	AllowedRoles      []Role
	AllowedUserIDs    []int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type NotificationType string

const (
	NotificationSystem      NotificationType = "system"
	NotificationAppointment NotificationType = "appointment"
	NotificationPayment     NotificationType = "payment"
	NotificationSecurity    NotificationType = "security"
)

type Notification struct {
	ID        int64
	UserID    int64
	Type      NotificationType
	Title     string
	Message   string
	Payload   map[string]any
	IsRead    bool
	CreatedAt time.Time
	ReadAt    *time.Time
}
