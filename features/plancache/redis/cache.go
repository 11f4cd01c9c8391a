// Package redis implements the semantic plan cache on Redis. Goals are
// normalized into entity templates ("Book flight to {LOCATION} {DATE}"),
// the template's content hash keys the cached plan, and a hit re-binds the
// goal's extracted entities into the stored step parameters. Two goals that
// differ only in their entities share one cached plan.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
)

const (
	// DefaultTTL bounds how long a cached plan serves hits.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "plancache:template:"
)

// cachedPlan is the stored representation: steps keep entity placeholders.
type cachedPlan struct {
	PlanID     string     `json:"plan_id"`
	TemplateID string     `json:"template_id"`
	Template   string     `json:"template"`
	Steps      []api.Step `json:"steps"`
	Reasoning  string     `json:"reasoning,omitempty"`
	StoredAt   string     `json:"stored_at"`
}

// Options configures a Cache.
type Options struct {
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Cache implements planner.Cache over a Redis client.
type Cache struct {
	rdb goredis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// New builds a Cache over the given client.
func New(rdb goredis.UniversalClient, opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{rdb: rdb, ttl: ttl, now: clock}
}

// Lookup templates the goal, fetches the cached plan for the template hash,
// and re-binds the goal's entities into the stored steps. ok is false on a
// plain miss; err is reserved for transport failures.
func (c *Cache) Lookup(ctx context.Context, goal string) (*api.Plan, bool, error) {
	template, params := CreateTemplate(goal)
	templateID := TemplateID(template)

	raw, err := c.rdb.Get(ctx, keyPrefix+templateID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("plan cache get: %w", err)
	}

	var cached cachedPlan
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		// A corrupt entry behaves like a miss; the next store overwrites it.
		return nil, false, nil
	}

	steps := make([]api.Step, len(cached.Steps))
	for i, step := range cached.Steps {
		step.Input = bindEntities(step.Input, params)
		step.CompensationInput = bindEntities(step.CompensationInput, params)
		steps[i] = step
	}
	return &api.Plan{
		ID:         cached.PlanID,
		Steps:      steps,
		Reasoning:  cached.Reasoning,
		TemplateID: cached.TemplateID,
		CacheHit:   true,
	}, true, nil
}

// Store writes the plan under the goal's template with entity values
// replaced by placeholders, so future goals with different entities hit it.
func (c *Cache) Store(ctx context.Context, goal string, plan *api.Plan) (string, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return "", fmt.Errorf("plan cache store: empty plan")
	}
	template, params := CreateTemplate(goal)
	templateID := TemplateID(template)

	steps := make([]api.Step, len(plan.Steps))
	for i, step := range plan.Steps {
		step.Input = templateEntities(step.Input, params)
		step.CompensationInput = templateEntities(step.CompensationInput, params)
		steps[i] = step
	}
	cached := cachedPlan{
		PlanID:     plan.ID,
		TemplateID: templateID,
		Template:   template,
		Steps:      steps,
		Reasoning:  plan.Reasoning,
		StoredAt:   api.Timestamp(c.now()),
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return "", fmt.Errorf("plan cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, keyPrefix+templateID, raw, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("plan cache set: %w", err)
	}
	return templateID, nil
}

// TemplateID derives the cache key component from a template string.
func TemplateID(template string) string {
	return "template-" + omnitrace.ComputeHash(template, 8)
}

// bindEntities substitutes extracted entity values for their placeholders
// in string parameter values. Placeholders with no extracted value survive
// so a partial match fails loudly downstream instead of silently.
func bindEntities(input map[string]any, params map[string]string) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		for entity, value := range params {
			s = strings.ReplaceAll(s, "{"+entity+"}", value)
		}
		out[k] = s
	}
	return out
}

// templateEntities is the inverse: concrete entity values in string
// parameters become placeholders before the plan is stored.
func templateEntities(input map[string]any, params map[string]string) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		for entity, value := range params {
			if value == "" {
				continue
			}
			s = strings.ReplaceAll(s, value, "{"+entity+"}")
		}
		out[k] = s
	}
	return out
}
