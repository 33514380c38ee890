package eval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"authgrid.org/internal/graph"
)

// Request describes one access decision to compute.
type Request struct {
	PrincipalID int64          `json:"principal_id"`
	ResourceURI string         `json:"resource_uri"`
	Verb        string         `json:"verb"`
	Context     map[string]any `json:"context,omitempty"`
	Strategy    Strategy       `json:"strategy,omitempty"`
}

// Decision is the outcome of evaluating a Request.
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Effect      graph.Effect `json:"effect"`
	Strategy    Strategy     `json:"strategy"`
	Reason      string       `json:"reason"`
	MatchedIDs  []int64      `json:"matched_ids,omitempty"`
	Cached      bool         `json:"cached"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// EffectivePermission is one permission a principal currently holds, tagged
// with the source that contributes it.
type EffectivePermission struct {
	Permission  graph.Permission `json:"permission"`
	Source      Source           `json:"source"`
	ResourceURI string           `json:"resource_uri"`
}

// Evaluator computes access decisions over the authorization graph. It owns
// the decision cache; invalidation entry points are forwarded to it by the
// command worker.
type Evaluator struct {
	g     *graph.Graph
	cache *Cache
	now   func() time.Time
}

// New creates an evaluator over g.
func New(g *graph.Graph) *Evaluator {
	return &Evaluator{g: g, cache: NewCache(), now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the evaluation clock; tests use this to cross temporal
// permission boundaries deterministically.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Cache exposes the decision cache for invalidation and stats.
func (e *Evaluator) Cache() *Cache { return e.cache }

// Evaluate answers whether the principal may perform the verb on the resource
// URI. No applicable permission means Deny (fail-closed).
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Decision, error) {
	req.Verb = strings.TrimSpace(req.Verb)
	req.ResourceURI = strings.TrimSpace(req.ResourceURI)
	if req.PrincipalID <= 0 || req.ResourceURI == "" || req.Verb == "" {
		return Decision{}, fmt.Errorf("principal_id, resource_uri and verb are required")
	}
	if req.Strategy == "" {
		req.Strategy = DenyOverrides
	}
	if _, err := e.g.User(req.PrincipalID); err != nil {
		return Decision{}, err
	}

	now := e.now()
	key := fingerprint(req)
	if d, ok := e.cache.Get(key, now); ok {
		d.Cached = true
		return d, nil
	}

	// snapshot before reading the graph: if the worker invalidates while we
	// collect, the Put below must not resurrect the pre-command decision
	gen := e.cache.Generation()
	cands, resources, boundary, err := e.collect(ctx, req, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Strategy: req.Strategy, EvaluatedAt: now}
	if len(cands) == 0 {
		d.Effect = graph.EffectDeny
		d.Reason = "no applicable permission"
	} else {
		effect, ids, reason := resolve(req.Strategy, cands)
		d.Effect = effect
		d.Allowed = effect == graph.EffectGrant
		d.MatchedIDs = ids
		d.Reason = reason
	}
	e.cache.Put(key, d, req.PrincipalID, resources, boundary, gen)
	return d, nil
}

// collect gathers candidates from the five sources, filters them on temporal
// window, URI pattern, verb and condition, and reports the contributing
// resource ids plus the nearest upcoming validity boundary.
func (e *Evaluator) collect(ctx context.Context, req Request, now time.Time) ([]candidate, []int64, time.Time, error) {
	type permOrigin struct {
		perm   graph.Permission
		source Source
	}
	var origins []permOrigin

	for _, p := range e.g.DirectPermissions(req.PrincipalID) {
		origins = append(origins, permOrigin{p, SourceDirect})
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, time.Time{}, err
	}
	for _, roleID := range e.g.DirectRoles(req.PrincipalID) {
		for _, p := range e.g.RolePermissions(roleID) {
			origins = append(origins, permOrigin{p, SourceRole})
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, time.Time{}, err
	}
	for _, groupID := range e.g.EffectiveGroups(req.PrincipalID) {
		for _, roleID := range e.g.GroupRoles(groupID) {
			for _, p := range e.g.RolePermissions(roleID) {
				origins = append(origins, permOrigin{p, SourceGroup})
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, time.Time{}, err
	}
	var boundary time.Time
	for _, d := range e.g.DelegationsTo(req.PrincipalID) {
		boundary = nearestBoundary(boundary, now, d.ValidFrom, d.ValidUntil)
		if !d.ActiveAt(now) {
			continue
		}
		p, err := e.g.Permission(d.PermissionID)
		if err != nil {
			continue
		}
		origins = append(origins, permOrigin{p, SourceDelegated})
	}

	seen := make(map[string]struct{})
	resourceSet := make(map[int64]struct{})
	var cands []candidate
	for _, o := range origins {
		source := o.source
		if o.perm.Condition != "" && source != SourceDelegated {
			source = SourceConditional
		}
		dedupeKey := fmt.Sprintf("%d/%s", o.perm.ID, source)
		if _, dup := seen[dedupeKey]; dup {
			continue
		}
		seen[dedupeKey] = struct{}{}

		res, err := e.g.Resource(o.perm.ResourceID)
		if err != nil {
			continue
		}
		params, ok := CompilePattern(res.URIPattern).Match(req.ResourceURI)
		if !ok {
			continue
		}
		if !MatchVerb(o.perm.Verb, req.Verb) {
			continue
		}
		// this permission shapes the decision, so its boundaries bound the
		// cache entry even while it is outside its window
		resourceSet[o.perm.ResourceID] = struct{}{}
		boundary = nearestBoundary(boundary, now, o.perm.ValidFrom, o.perm.ValidUntil)
		if !o.perm.ActiveAt(now) {
			continue
		}
		if o.perm.Condition != "" {
			ok, err := e.evalCondition(o.perm.Condition, req, params, now)
			if err != nil || !ok {
				// indeterminate counts as false, fail-closed
				continue
			}
		}
		cands = append(cands, candidate{
			perm:      o.perm,
			source:    source,
			wildcards: CompilePattern(res.URIPattern).Wildcards(),
			params:    params,
		})
	}

	resources := make([]int64, 0, len(resourceSet))
	for rid := range resourceSet {
		resources = append(resources, rid)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })
	return cands, resources, boundary, nil
}

func (e *Evaluator) evalCondition(src string, req Request, params map[string]string, now time.Time) (bool, error) {
	expr, err := CompileCondition(src)
	if err != nil {
		return false, err
	}
	lookup := func(path string) (any, bool) {
		if v, ok := req.Context[path]; ok {
			return v, true
		}
		if after, found := strings.CutPrefix(path, "params."); found {
			v, ok := params[after]
			return v, ok
		}
		switch path {
		case "time.hour":
			return float64(now.Hour()), true
		case "time.weekday":
			return now.Weekday().String(), true
		case "time.unix":
			return float64(now.Unix()), true
		}
		// dotted paths into nested context maps
		if i := strings.IndexByte(path, '.'); i > 0 {
			if sub, ok := req.Context[path[:i]].(map[string]any); ok {
				v, ok := sub[path[i+1:]]
				return v, ok
			}
		}
		return nil, false
	}
	return expr.Evaluate(lookup)
}

// EffectivePermissions lists every permission the principal holds right now
// across all five sources. Conditions are reported, not evaluated.
func (e *Evaluator) EffectivePermissions(principalID int64) ([]EffectivePermission, error) {
	if _, err := e.g.User(principalID); err != nil {
		return nil, err
	}
	now := e.now()

	var out []EffectivePermission
	seen := make(map[string]struct{})
	add := func(p graph.Permission, source Source) {
		if p.Condition != "" && source != SourceDelegated {
			source = SourceConditional
		}
		key := fmt.Sprintf("%d/%s", p.ID, source)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		if !p.ActiveAt(now) {
			return
		}
		uri := ""
		if res, err := e.g.Resource(p.ResourceID); err == nil {
			uri = res.URIPattern
		}
		out = append(out, EffectivePermission{Permission: p, Source: source, ResourceURI: uri})
	}

	for _, p := range e.g.DirectPermissions(principalID) {
		add(p, SourceDirect)
	}
	for _, roleID := range e.g.DirectRoles(principalID) {
		for _, p := range e.g.RolePermissions(roleID) {
			add(p, SourceRole)
		}
	}
	for _, groupID := range e.g.EffectiveGroups(principalID) {
		for _, roleID := range e.g.GroupRoles(groupID) {
			for _, p := range e.g.RolePermissions(roleID) {
				add(p, SourceGroup)
			}
		}
	}
	for _, d := range e.g.DelegationsTo(principalID) {
		if !d.ActiveAt(now) {
			continue
		}
		if p, err := e.g.Permission(d.PermissionID); err == nil {
			add(p, SourceDelegated)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission.ID != out[j].Permission.ID {
			return out[i].Permission.ID < out[j].Permission.ID
		}
		return sourceRank[out[i].Source] < sourceRank[out[j].Source]
	})
	return out, nil
}

// nearestBoundary keeps the earliest boundary strictly after now.
func nearestBoundary(cur time.Time, now time.Time, marks ...*time.Time) time.Time {
	for _, m := range marks {
		if m == nil || !m.After(now) {
			continue
		}
		if cur.IsZero() || m.Before(cur) {
			cur = *m
		}
	}
	return cur
}

// fingerprint derives the cache key from everything that shapes a decision.
func fingerprint(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00", req.PrincipalID, req.ResourceURI, req.Verb, req.Strategy)
	if len(req.Context) > 0 {
		// json.Marshal sorts map keys, so the fingerprint is canonical
		if data, err := json.Marshal(req.Context); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
