package manmode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/store"
)

// DefaultPolicyCacheTTL bounds how stale a cached policy resolution may be.
const DefaultPolicyCacheTTL = 30 * time.Second

// PolicyRecord is one stored policy row together with its scope.
type PolicyRecord struct {
	TenantID    string    `json:"tenant_id"`
	WorkflowKey string    `json:"workflow_key"`
	Policy      ManPolicy `json:"policy"`
	Version     int       `json:"version"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PolicyServiceOptions configures a PolicyService.
type PolicyServiceOptions struct {
	// CacheTTL overrides the resolution cache lifetime. Zero keeps the default.
	CacheTTL time.Duration
	// Clock overrides time.Now, used by tests to step the cache.
	Clock func() time.Time
}

// PolicyService resolves the effective ManPolicy for a (tenant, workflow)
// pair. Lookups walk (tenant, workflow), (tenant, ""), ("", ""), then fall
// back to the built-in default; resolutions are cached per pair for a short
// TTL and invalidated on upsert. The cache is process-local, so replicas
// converge within one TTL of a write.
type PolicyService struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]policyCacheEntry
}

type policyCacheEntry struct {
	policy  ManPolicy
	expires time.Time
}

// NewPolicyService builds a PolicyService over the given store.
func NewPolicyService(st store.Store, opts PolicyServiceOptions) *PolicyService {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultPolicyCacheTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PolicyService{
		store: st,
		ttl:   ttl,
		now:   clock,
		cache: make(map[string]policyCacheEntry),
	}
}

// Load resolves the policy for the pair. A store failure returns the error;
// callers that cannot afford to fail proceed with DefaultPolicy.
func (s *PolicyService) Load(ctx context.Context, tenantID, workflowKey string) (ManPolicy, error) {
	key := cacheKey(tenantID, workflowKey)
	s.mu.Lock()
	if entry, ok := s.cache[key]; ok && s.now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.policy, nil
	}
	s.mu.Unlock()

	policy, err := s.resolve(ctx, tenantID, workflowKey)
	if err != nil {
		return ManPolicy{}, err
	}

	s.mu.Lock()
	s.cache[key] = policyCacheEntry{policy: policy, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return policy, nil
}

func (s *PolicyService) resolve(ctx context.Context, tenantID, workflowKey string) (ManPolicy, error) {
	scopes := [][2]string{
		{tenantID, workflowKey},
		{tenantID, ""},
		{"", ""},
	}
	var prev *[2]string
	for i := range scopes {
		scope := scopes[i]
		if prev != nil && *prev == scope {
			continue
		}
		prev = &scopes[i]
		rec, err := s.store.SelectOne(ctx, store.TableManPolicies, store.Filters{
			"tenant_id":    scope[0],
			"workflow_key": scope[1],
		}, nil)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return ManPolicy{}, fmt.Errorf("load policy (%s,%s): %w", scope[0], scope[1], err)
		}
		policy, err := decodePolicy(rec["policy_json"])
		if err != nil {
			return ManPolicy{}, fmt.Errorf("decode policy (%s,%s): %w", scope[0], scope[1], err)
		}
		return policy.Normalize(), nil
	}
	return DefaultPolicy(), nil
}

// Upsert stores a policy for the pair, bumps its version and invalidates the
// cached resolution for exactly that pair. Broader scopes pick up the change
// when their own cache entries lapse.
func (s *PolicyService) Upsert(ctx context.Context, tenantID, workflowKey string, policy ManPolicy, updatedBy string) (PolicyRecord, error) {
	policy = policy.Normalize()
	if err := policy.Validate(); err != nil {
		return PolicyRecord{}, err
	}
	encoded, err := omnitrace.CanonicalJSON(policy)
	if err != nil {
		return PolicyRecord{}, fmt.Errorf("encode policy: %w", err)
	}

	version := 1
	existing, err := s.store.SelectOne(ctx, store.TableManPolicies, store.Filters{
		"tenant_id":    tenantID,
		"workflow_key": workflowKey,
	}, nil)
	if err == nil {
		version = recordInt(existing, "version") + 1
	} else if err != store.ErrNotFound {
		return PolicyRecord{}, fmt.Errorf("read policy version: %w", err)
	}

	now := s.now().UTC()
	rec := store.Record{
		"tenant_id":    tenantID,
		"workflow_key": workflowKey,
		"policy_json":  encoded,
		"version":      version,
		"updated_by":   updatedBy,
		"updated_at":   now.Format(time.RFC3339Nano),
	}
	onConflict := store.Updates{
		"policy_json": encoded,
		"version":     version,
		"updated_by":  updatedBy,
		"updated_at":  rec["updated_at"],
	}
	if _, err := s.store.Upsert(ctx, store.TableManPolicies, rec, []string{"tenant_id", "workflow_key"}, onConflict); err != nil {
		return PolicyRecord{}, fmt.Errorf("upsert policy: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, cacheKey(tenantID, workflowKey))
	s.mu.Unlock()

	return PolicyRecord{
		TenantID:    tenantID,
		WorkflowKey: workflowKey,
		Policy:      policy,
		Version:     version,
		UpdatedBy:   updatedBy,
		UpdatedAt:   now,
	}, nil
}

// List returns stored policy rows, optionally filtered by tenant.
func (s *PolicyService) List(ctx context.Context, tenantID string) ([]PolicyRecord, error) {
	filters := store.Filters{}
	if tenantID != "" {
		filters["tenant_id"] = tenantID
	}
	rows, err := s.store.Select(ctx, store.TableManPolicies, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	out := make([]PolicyRecord, 0, len(rows))
	for _, rec := range rows {
		policy, err := decodePolicy(rec["policy_json"])
		if err != nil {
			return nil, fmt.Errorf("decode policy row: %w", err)
		}
		out = append(out, PolicyRecord{
			TenantID:    recordString(rec, "tenant_id"),
			WorkflowKey: recordString(rec, "workflow_key"),
			Policy:      policy.Normalize(),
			Version:     recordInt(rec, "version"),
			UpdatedBy:   recordString(rec, "updated_by"),
			UpdatedAt:   recordTime(rec, "updated_at"),
		})
	}
	return out, nil
}

// policySeed is the YAML shape accepted by ApplySeed.
type policySeed struct {
	Policies []struct {
		TenantID    string    `yaml:"tenant_id"`
		WorkflowKey string    `yaml:"workflow_key"`
		Policy      ManPolicy `yaml:"policy"`
	} `yaml:"policies"`
}

// ApplySeed upserts every policy in a YAML document, returning how many rows
// were written. Used at startup so a fresh deployment has tenant policies
// before the first workflow runs.
func (s *PolicyService) ApplySeed(ctx context.Context, data []byte) (int, error) {
	var seed policySeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parse policy seed: %w", err)
	}
	for i, entry := range seed.Policies {
		if _, err := s.Upsert(ctx, entry.TenantID, entry.WorkflowKey, entry.Policy, "seed"); err != nil {
			return i, fmt.Errorf("seed policy %d: %w", i, err)
		}
	}
	return len(seed.Policies), nil
}

func cacheKey(tenantID, workflowKey string) string {
	return tenantID + "\x1f" + workflowKey
}

func decodePolicy(raw any) (ManPolicy, error) {
	var policy ManPolicy
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &policy); err != nil {
			return ManPolicy{}, err
		}
	case []byte:
		if err := json.Unmarshal(v, &policy); err != nil {
			return ManPolicy{}, err
		}
	case map[string]any:
		buf, err := json.Marshal(v)
		if err != nil {
			return ManPolicy{}, err
		}
		if err := json.Unmarshal(buf, &policy); err != nil {
			return ManPolicy{}, err
		}
	default:
		return ManPolicy{}, fmt.Errorf("unsupported policy encoding %T", raw)
	}
	return policy, nil
}
