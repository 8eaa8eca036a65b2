package multiagent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapmesh/internal/domain"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(0, testLogger())
	a := newStub("risk-1", domain.AgentTypeRiskAssessment)

	entry, err := r.Register(a, RegisterOptions{Priority: 3, Tags: []string{"evm"}})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTypeRiskAssessment, entry.Type)
	assert.Equal(t, domain.RolePrimary, entry.Role)

	got, ok := r.Get("risk-1")
	require.True(t, ok)
	assert.Equal(t, 3, got.Priority)
	assert.True(t, got.Capabilities.CanAssessRisk)

	got.Tags[0] = "mutated"
	again, _ := r.Get("risk-1")
	assert.Equal(t, "evm", again.Tags[0], "entries are copies")
}

func TestRegistryRejections(t *testing.T) {
	tests := []struct {
		name string
		prep func(r *Registry)
		id   string
		opts RegisterOptions
		want error
	}{
		{
			name: "duplicate",
			prep: func(r *Registry) { _, _ = r.Register(newStub("a", domain.AgentTypeSecurity), RegisterOptions{}) },
			id:   "a",
			want: domain.ErrDuplicate,
		},
		{
			name: "missing dependency",
			id:   "b",
			opts: RegisterOptions{Dependencies: []string{"market-1"}},
			want: domain.ErrDependencyMissing,
		},
		{
			name: "capacity",
			prep: func(r *Registry) {
				for i := 0; i < 2; i++ {
					_, _ = r.Register(newStub(fmt.Sprintf("s%d", i), domain.AgentTypeSecurity), RegisterOptions{})
				}
			},
			id:   "c",
			want: domain.ErrLimitReached,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(2, testLogger())
			if tt.prep != nil {
				tt.prep(r)
			}
			_, err := r.Register(newStub(tt.id, domain.AgentTypeSecurity), tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegistryPools(t *testing.T) {
	r := NewRegistry(0, testLogger())
	_, err := r.Register(newStub("market-1", domain.AgentTypeMarketIntelligence), RegisterOptions{})
	require.NoError(t, err)
	_, err = r.Register(newStub("route-1", domain.AgentTypeRouteDiscovery,
		domain.CapabilityDiscoverRoutes, domain.CapabilityAnalyzeMarket), RegisterOptions{})
	require.NoError(t, err)
	_, err = r.Register(newStub("market-2", domain.AgentTypeMarketIntelligence), RegisterOptions{IsBackup: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"market-1", "market-2", "route-1"}, r.Pool(capabilityPool(domain.CapabilityAnalyzeMarket)))
	assert.Equal(t, []string{"route-1"}, r.Pool(capabilityPool(domain.CapabilityDiscoverRoutes)))
	assert.Equal(t, []string{"market-1", "market-2"}, r.Pool(typePool(domain.AgentTypeMarketIntelligence)))
	assert.Equal(t, []string{"market-2"}, r.Pool(rolePool(domain.RoleBackup)))

	require.NoError(t, r.Remove("market-2"))
	assert.Equal(t, []string{"market-1", "route-1"}, r.Pool(capabilityPool(domain.CapabilityAnalyzeMarket)))
	assert.Empty(t, r.Pool(rolePool(domain.RoleBackup)))
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(0, testLogger())
	_, _ = r.Register(newStub("market-1", domain.AgentTypeMarketIntelligence), RegisterOptions{})
	_, _ = r.Register(newStub("exec-1", domain.AgentTypeExecutionStrategy), RegisterOptions{Dependencies: []string{"market-1"}})

	assert.ErrorIs(t, r.Remove("market-1"), domain.ErrInvalidInput)
	assert.ErrorIs(t, r.Remove("ghost"), domain.ErrNotFound)
	require.NoError(t, r.Remove("exec-1"))
	require.NoError(t, r.Remove("market-1"))
	assert.Zero(t, r.Len())
}

func TestRegistryFailureCount(t *testing.T) {
	r := NewRegistry(0, testLogger())
	_, _ = r.Register(newStub("risk-1", domain.AgentTypeRiskAssessment), RegisterOptions{})

	assert.Equal(t, 1, r.recordFailure("risk-1"))
	assert.Equal(t, 2, r.recordFailure("risk-1"))
	r.recordSuccess("risk-1")
	e, _ := r.Get("risk-1")
	assert.Equal(t, 1, e.FailureCount)
	r.recordSuccess("risk-1")
	r.recordSuccess("risk-1")
	e, _ = r.Get("risk-1")
	assert.Equal(t, 0, e.FailureCount)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(0, testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Register(newStub(fmt.Sprintf("agent-%02d", i), domain.AgentTypeRiskAssessment), RegisterOptions{})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
			_ = r.Pool(typePool(domain.AgentTypeRiskAssessment))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())
	assert.Len(t, r.Pool(capabilityPool(domain.CapabilityAssessRisk)), 20)
}

func TestStartOrder(t *testing.T) {
	r := NewRegistry(0, testLogger())
	_, _ = r.Register(newStub("market", domain.AgentTypeMarketIntelligence), RegisterOptions{})
	_, _ = r.Register(newStub("security", domain.AgentTypeSecurity), RegisterOptions{})
	_, _ = r.Register(newStub("route", domain.AgentTypeRouteDiscovery), RegisterOptions{Dependencies: []string{"market"}})
	_, _ = r.Register(newStub("exec", domain.AgentTypeExecutionStrategy), RegisterOptions{Dependencies: []string{"route", "security"}})

	order, err := startOrder(r.List())
	require.NoError(t, err)
	ids := make([]string, len(order))
	for i, e := range order {
		ids[i] = e.ID()
	}
	assert.Equal(t, []string{"market", "security", "route", "exec"}, ids)
}

func TestStartOrderCycle(t *testing.T) {
	a := Entry{Agent: newStub("a", domain.AgentTypeSecurity), Dependencies: []string{"b"}, seq: 1}
	b := Entry{Agent: newStub("b", domain.AgentTypeSecurity), Dependencies: []string{"a"}, seq: 2}
	_, err := startOrder([]Entry{a, b})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
