package rules

import (
	"fmt"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

var knownActionTypes = map[string]bool{
	"create_notification":     true,
	"change_status":           true,
	"assign_tag":              true,
	"assign_flag":             true,
	"request_admin_attention": true,
}

var knownTargets = map[string]bool{
	"": true, "actor": true, "client": true, "master": true,
	"admins": true, "user": true, "role": true,
}

// ValidateSpec checks a rule's stored condition and actions at CRUD time,
// so operators get an immediate error instead of a silently dead rule.
func ValidateSpec(condition map[string]any, actions []map[string]any) error {
	if _, err := ParseCondition(condition); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if len(actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for i, action := range actions {
		actionType, _ := action["type"].(string)
		if !knownActionTypes[actionType] {
			return fmt.Errorf("action %d: unknown type %q", i, actionType)
		}
		switch actionType {
		case "change_status":
			to, _ := action["to_status"].(string)
			if !model.ValidStatus(model.Status(to)) {
				return fmt.Errorf("action %d: unknown to_status %q", i, to)
			}
		case "create_notification":
			target, _ := action["target"].(string)
			if !knownTargets[target] {
				return fmt.Errorf("action %d: unknown target %q", i, target)
			}
		case "assign_tag", "assign_flag":
			tag, _ := action["tag"].(string)
			flag, _ := action["flag"].(string)
			if tag == "" && flag == "" {
				return fmt.Errorf("action %d: tag is required", i)
			}
		}
	}
	return nil
}
