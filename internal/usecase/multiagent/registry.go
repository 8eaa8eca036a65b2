package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"swapmesh/internal/domain"
)

// Agent is the surface the coordinator needs from a running agent.
// *agent.Base and every specialist satisfy it.
type Agent interface {
	ID() string
	Type() domain.AgentType
	Capabilities() domain.AgentCapabilities
	Status() domain.AgentStatus
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ReceiveMessage(ctx context.Context, msg domain.AgentMessage) error
	IsHealthy() bool
	HealthCheck() domain.HealthReport
	Metrics() domain.AgentMetrics
	SetObserver(obs domain.AgentObserver)
}

// RegisterOptions describe how an agent participates in the system.
type RegisterOptions struct {
	Type         domain.AgentType
	Role         domain.AgentRole
	Priority     int
	Dependencies []string
	IsBackup     bool
	Tags         []string
}

// Entry is one registered agent. Entries handed out by the Registry are copies.
type Entry struct {
	Agent           Agent
	Type            domain.AgentType
	Role            domain.AgentRole
	Priority        int
	Dependencies    []string
	Capabilities    domain.AgentCapabilities
	LastHealthCheck time.Time
	FailureCount    int
	IsBackup        bool
	Tags            []string

	seq int
}

// ID returns the agent id.
func (e Entry) ID() string { return e.Agent.ID() }

func (e *Entry) clone() Entry {
	out := *e
	out.Dependencies = slices.Clone(e.Dependencies)
	out.Tags = slices.Clone(e.Tags)
	return out
}

// Pool keys index agents by capability, type and role.
func capabilityPool(c domain.Capability) string { return "capability:" + string(c) }
func typePool(t domain.AgentType) string        { return "type:" + string(t) }
func rolePool(r domain.AgentRole) string        { return "role:" + string(r) }

// Registry holds every registered agent and the pools derived from them. The
// coordinator is its only writer.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	pools     map[string][]string
	nextSeq   int
	maxAgents int
	logger    *slog.Logger
}

// NewRegistry creates a Registry holding at most maxAgents agents (0 = unbounded).
func NewRegistry(maxAgents int, logger *slog.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		pools:     make(map[string][]string),
		maxAgents: maxAgents,
		logger:    logger,
	}
}

// Register adds an agent. It fails with ErrLimitReached at capacity, with
// ErrDuplicate for a known id and with ErrDependencyMissing when a
// dependency has not been registered yet.
func (r *Registry) Register(agent Agent, opts RegisterOptions) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := agent.ID()
	if r.maxAgents > 0 && len(r.entries) >= r.maxAgents {
		return Entry{}, domain.NewSubSystemError("agent", "Registry.Register", domain.ErrLimitReached,
			fmt.Sprintf("max %d agents", r.maxAgents))
	}
	if _, exists := r.entries[id]; exists {
		return Entry{}, domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, id)
	}
	for _, dep := range opts.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			return Entry{}, domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDependencyMissing,
				fmt.Sprintf("%s depends on %s", id, dep))
		}
	}

	typ := opts.Type
	if typ == "" {
		typ = agent.Type()
	}
	role := opts.Role
	if role == "" {
		role = domain.RolePrimary
		if opts.IsBackup {
			role = domain.RoleBackup
		}
	}
	r.nextSeq++
	e := &Entry{
		Agent:        agent,
		Type:         typ,
		Role:         role,
		Priority:     opts.Priority,
		Dependencies: slices.Clone(opts.Dependencies),
		Capabilities: agent.Capabilities(),
		IsBackup:     opts.IsBackup,
		Tags:         slices.Clone(opts.Tags),
		seq:          r.nextSeq,
	}
	r.entries[id] = e
	r.rebuildPoolsLocked()

	r.logger.Info("agent registered", "agent_id", id, "type", string(typ), "role", string(role), "priority", opts.Priority, "backup", opts.IsBackup)
	return e.clone(), nil
}

// Get returns a copy of the entry for agentID.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[agentID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// List returns copies of all entries in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Pool returns the ids indexed under key, sorted.
func (r *Registry) Pool(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pools[key])
}

// Remove unregisters an agent. Agents that others depend on cannot be removed.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[agentID]; !ok {
		return domain.NewSubSystemError("agent", "Registry.Remove", domain.ErrNotFound, agentID)
	}
	for id, e := range r.entries {
		if slices.Contains(e.Dependencies, agentID) {
			return domain.NewSubSystemError("agent", "Registry.Remove", domain.ErrInvalidInput,
				fmt.Sprintf("%s is required by %s", agentID, id))
		}
	}
	delete(r.entries, agentID)
	r.rebuildPoolsLocked()
	r.logger.Info("agent removed", "agent_id", agentID)
	return nil
}

// update applies fn to the live entry. It reports whether the agent exists.
func (r *Registry) update(agentID string, fn func(e *Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// recordSuccess decays the failure count by one.
func (r *Registry) recordSuccess(agentID string) {
	r.update(agentID, func(e *Entry) {
		if e.FailureCount > 0 {
			e.FailureCount--
		}
	})
}

// recordFailure increments the failure count and returns the new value.
func (r *Registry) recordFailure(agentID string) int {
	n := 0
	r.update(agentID, func(e *Entry) {
		e.FailureCount++
		n = e.FailureCount
	})
	return n
}

// rebuildPoolsLocked recomputes every pool from scratch.
func (r *Registry) rebuildPoolsLocked() {
	pools := make(map[string][]string)
	for id, e := range r.entries {
		for _, c := range e.Capabilities.List() {
			pools[capabilityPool(c)] = append(pools[capabilityPool(c)], id)
		}
		pools[typePool(e.Type)] = append(pools[typePool(e.Type)], id)
		pools[rolePool(e.Role)] = append(pools[rolePool(e.Role)], id)
	}
	for k := range pools {
		sort.Strings(pools[k])
	}
	r.pools = pools
}

// capabilityMismatches lists capabilities the type expects but the agent lacks.
func capabilityMismatches(typ domain.AgentType, caps domain.AgentCapabilities) []domain.Capability {
	var missing []domain.Capability
	for _, c := range domain.ExpectedCapabilities(typ) {
		if !caps.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}
