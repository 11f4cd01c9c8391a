package manmode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	storeinmem "github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store/inmem"
)

func policyWithLimit(limit int) ManPolicy {
	p := DefaultPolicy()
	p.MaxPendingPerTenant = limit
	return p
}

func TestLoadWalksScopeChain(t *testing.T) {
	ctx := context.Background()
	svc := NewPolicyService(storeinmem.New(), PolicyServiceOptions{})

	_, err := svc.Upsert(ctx, "", "", policyWithLimit(10), "ops")
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, "tenant-a", "", policyWithLimit(20), "ops")
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, "tenant-a", "wf-1", policyWithLimit(30), "ops")
	require.NoError(t, err)

	pair, err := svc.Load(ctx, "tenant-a", "wf-1")
	require.NoError(t, err)
	require.Equal(t, 30, pair.MaxPendingPerTenant)

	tenant, err := svc.Load(ctx, "tenant-a", "wf-other")
	require.NoError(t, err)
	require.Equal(t, 20, tenant.MaxPendingPerTenant)

	global, err := svc.Load(ctx, "tenant-b", "wf-1")
	require.NoError(t, err)
	require.Equal(t, 10, global.MaxPendingPerTenant)
}

func TestLoadDefaultsWhenNothingStored(t *testing.T) {
	svc := NewPolicyService(storeinmem.New(), PolicyServiceOptions{})
	policy, err := svc.Load(context.Background(), "tenant-a", "wf-1")
	require.NoError(t, err)
	require.Equal(t, DefaultPolicy(), policy)
}

func TestLoadCachesResolutionForTTL(t *testing.T) {
	ctx := context.Background()
	st := storeinmem.New()
	clock := &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	reader := NewPolicyService(st, PolicyServiceOptions{Clock: clock.Now})
	writer := NewPolicyService(st, PolicyServiceOptions{Clock: clock.Now})

	_, err := writer.Upsert(ctx, "tenant-a", "", policyWithLimit(10), "ops")
	require.NoError(t, err)

	first, err := reader.Load(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Equal(t, 10, first.MaxPendingPerTenant)

	// A write through a different replica is invisible until the TTL lapses.
	_, err = writer.Upsert(ctx, "tenant-a", "", policyWithLimit(99), "ops")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	cached, err := reader.Load(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Equal(t, 10, cached.MaxPendingPerTenant)

	clock.Advance(DefaultPolicyCacheTTL)
	refreshed, err := reader.Load(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Equal(t, 99, refreshed.MaxPendingPerTenant)
}

func TestUpsertInvalidatesOwnCache(t *testing.T) {
	ctx := context.Background()
	svc := NewPolicyService(storeinmem.New(), PolicyServiceOptions{})

	_, err := svc.Upsert(ctx, "tenant-a", "", policyWithLimit(10), "ops")
	require.NoError(t, err)
	before, err := svc.Load(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Equal(t, 10, before.MaxPendingPerTenant)

	rec, err := svc.Upsert(ctx, "tenant-a", "", policyWithLimit(25), "ops")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Version)

	after, err := svc.Load(ctx, "tenant-a", "")
	require.NoError(t, err)
	require.Equal(t, 25, after.MaxPendingPerTenant, "upsert invalidates the cached pair")
}

func TestUpsertRejectsIncoherentThresholds(t *testing.T) {
	svc := NewPolicyService(storeinmem.New(), PolicyServiceOptions{})
	bad := DefaultPolicy()
	bad.GlobalThresholds = Thresholds{Red: 0.4, Yellow: 0.6}
	_, err := svc.Upsert(context.Background(), "tenant-a", "", bad, "ops")
	require.Error(t, err)
}

func TestApplySeed(t *testing.T) {
	ctx := context.Background()
	svc := NewPolicyService(storeinmem.New(), PolicyServiceOptions{})
	seed := []byte(`
policies:
  - tenant_id: ""
    workflow_key: ""
    policy:
      global_thresholds:
        red: 0.8
        yellow: 0.5
      tool_minimum_lanes:
        delete_record: RED
      degrade_behavior: BLOCK_NEW
  - tenant_id: tenant-a
    workflow_key: ""
    policy:
      global_thresholds:
        red: 0.7
        yellow: 0.4
      hard_triggers:
        tools:
          - delete_user
      max_pending_per_tenant: 5
      degrade_behavior: FORCE_PAUSE
`)
	n, err := svc.ApplySeed(ctx, seed)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	global, err := svc.Load(ctx, "tenant-x", "")
	require.NoError(t, err)
	lane, ok := global.MinimumLane("delete_record", "")
	require.True(t, ok)
	require.Equal(t, LaneRed, lane)

	tenant, err := svc.Load(ctx, "tenant-a", "wf-1")
	require.NoError(t, err)
	require.Equal(t, 0.7, tenant.GlobalThresholds.Red)
	require.Equal(t, 5, tenant.MaxPendingPerTenant)
	require.Equal(t, DegradeForcePause, tenant.DegradeBehavior)
	require.Equal(t, []string{"delete_user"}, tenant.HardTriggers.Tools)
}
