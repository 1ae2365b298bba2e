package flags

import (
	"context"
	"strconv"
	"testing"

	"github.com/remlock/remlock/services/marketplace-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestBucket_DeterministicAndBounded(t *testing.T) {
	for _, key := range []string{"new_chat:1", "new_chat:2", "dark_mode:master", ""} {
		first := Bucket(key)
		require.Equal(t, first, Bucket(key), "bucket must be stable for %q", key)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 100)
	}
	require.NotEqual(t, Bucket("a:1"), Bucket("a:1x"), "distinct keys should usually differ")
}

func TestEvaluate_Disabled(t *testing.T) {
	flag := model.FeatureFlag{Name: "x", IsEnabled: false, RolloutPercentage: 100}
	require.False(t, Evaluate(flag, &model.User{ID: 1}, model.RoleClient))
}

func TestEvaluate_PerUser(t *testing.T) {
	flag := model.FeatureFlag{
		Name: "beta_ui", IsEnabled: true, Scope: model.ScopePerUser,
		AllowedUserIDs: []int64{7},
	}

	// Allowlisted user wins even at zero rollout.
	require.True(t, Evaluate(flag, &model.User{ID: 7}, ""))
	// Zero rollout excludes everyone else.
	require.False(t, Evaluate(flag, &model.User{ID: 8}, ""))
	// No user identity means no per-user decision.
	require.False(t, Evaluate(flag, nil, model.RoleAdmin))

	flag.RolloutPercentage = 100
	require.True(t, Evaluate(flag, &model.User{ID: 8}, ""))

	// Partial rollout matches the bucket function exactly.
	flag.RolloutPercentage = 50
	for id := int64(1); id <= 20; id++ {
		want := Bucket("beta_ui:"+strconv.FormatInt(id, 10)) < 50
		require.Equal(t, want, Evaluate(flag, &model.User{ID: id}, ""), "user %d", id)
	}
}

func TestEvaluate_PerRole(t *testing.T) {
	flag := model.FeatureFlag{
		Name: "master_tools", IsEnabled: true, Scope: model.ScopePerRole,
		AllowedRoles:      []model.Role{model.RoleMaster},
		RolloutPercentage: 100,
	}

	require.True(t, Evaluate(flag, nil, model.RoleMaster))
	require.False(t, Evaluate(flag, nil, model.RoleClient))
	require.False(t, Evaluate(flag, nil, ""))
	// Role falls back to the user's role.
	require.True(t, Evaluate(flag, &model.User{ID: 2, Role: model.RoleMaster}, ""))

	flag.RolloutPercentage = 30
	want := Bucket("master_tools:master") < 30
	require.Equal(t, want, Evaluate(flag, nil, model.RoleMaster))
}

func TestEvaluate_Global(t *testing.T) {
	flag := model.FeatureFlag{Name: "maintenance_banner", IsEnabled: true, Scope: model.ScopeGlobal, RolloutPercentage: 100}
	require.True(t, Evaluate(flag, nil, ""))
	require.True(t, Evaluate(flag, &model.User{ID: 3}, model.RoleClient))

	flag.AllowedRoles = []model.Role{model.RoleAdmin}
	require.False(t, Evaluate(flag, &model.User{ID: 3, Role: model.RoleClient}, ""))
	require.True(t, Evaluate(flag, &model.User{ID: 4, Role: model.RoleAdmin}, ""))

	// Anonymous callers get a coarse on/off answer under partial rollout.
	flag.AllowedRoles = nil
	flag.RolloutPercentage = 1
	require.True(t, Evaluate(flag, nil, ""))
	flag.RolloutPercentage = 0
	require.False(t, Evaluate(flag, nil, ""))

	// Identified users bucket per user id.
	flag.RolloutPercentage = 40
	for id := int64(1); id <= 10; id++ {
		want := Bucket("maintenance_banner:"+strconv.FormatInt(id, 10)) < 40
		require.Equal(t, want, Evaluate(flag, &model.User{ID: id}, ""))
	}
}

type flagStore struct {
	flags map[string]*model.FeatureFlag
}

func (s *flagStore) GetFeatureFlag(ctx context.Context, name string) (*model.FeatureFlag, error) {
	return s.flags[name], nil
}

func (s *flagStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return nil, nil
}

func TestService_UnknownFlagIsOff(t *testing.T) {
	svc := NewService(&flagStore{flags: map[string]*model.FeatureFlag{}})
	on, err := svc.EvaluateFlag(context.Background(), "ghost", &model.User{ID: 1}, "")
	require.NoError(t, err)
	require.False(t, on)
}

func TestService_ResolvesByName(t *testing.T) {
	svc := NewService(&flagStore{flags: map[string]*model.FeatureFlag{
		"new_chat": {Name: "new_chat", IsEnabled: true, Scope: model.ScopeGlobal, RolloutPercentage: 100},
	}})
	on, err := svc.EvaluateFlag(context.Background(), "new_chat", nil, "")
	require.NoError(t, err)
	require.True(t, on)
}
