package flags

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
)

// Bucket maps an identity key to a stable 0-99 bucket. The digest is
// deterministic across restarts so the same (flag, identity) pair always
// lands in the same bucket.
func Bucket(key string) int {
	digest := sha256.Sum256([]byte(key))
	n, _ := strconv.ParseUint(hex.EncodeToString(digest[:])[:8], 16, 64)
	return int(n % 100)
}

// Evaluate decides a flag for the given user/role. It is pure: given the
// same flag state and identity it always returns the same answer.
func Evaluate(flag model.FeatureFlag, user *model.User, role model.Role) bool {
	if !flag.IsEnabled {
		return false
	}

	resolvedRole := role
	if resolvedRole == "" && user != nil {
		resolvedRole = user.Role
	}

	switch flag.Scope {
	case model.ScopePerUser:
		if user == nil {
			return false
		}
		for _, id := range flag.AllowedUserIDs {
			if id == user.ID {
				return true
			}
		}
		if flag.RolloutPercentage <= 0 {
			return false
		}
		return Bucket(flag.Name+":"+strconv.FormatInt(user.ID, 10)) < flag.RolloutPercentage

	case model.ScopePerRole:
		if resolvedRole == "" {
			return false
		}
		if len(flag.AllowedRoles) > 0 && !roleAllowed(flag.AllowedRoles, resolvedRole) {
			return false
		}
		if flag.RolloutPercentage >= 100 {
			return true
		}
		return Bucket(flag.Name+":"+string(resolvedRole)) < flag.RolloutPercentage

	default: // global
		if len(flag.AllowedRoles) > 0 && !roleAllowed(flag.AllowedRoles, resolvedRole) {
			return false
		}
		if flag.RolloutPercentage >= 100 {
			return true
		}
		if user == nil {
			return flag.RolloutPercentage > 0
		}
		return Bucket(flag.Name+":"+strconv.FormatInt(user.ID, 10)) < flag.RolloutPercentage
	}
}

func roleAllowed(allowed []model.Role, role model.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

type Store interface {
	GetFeatureFlag(ctx context.Context, name string) (*model.FeatureFlag, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// Service resolves flags by name; unknown flags evaluate to false.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) EvaluateFlag(ctx context.Context, name string, user *model.User, role model.Role) (bool, error) {
	flag, err := s.store.GetFeatureFlag(ctx, name)
	if err != nil {
		return false, err
	}
	if flag == nil {
		return false, nil
	}
	return Evaluate(*flag, user, role), nil
}
