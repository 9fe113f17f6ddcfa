// Package cleanuptest provides an in-memory cleanup.Provider for tests.
package cleanuptest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chainguard-dev/regiondeploy/internal/cleanup"
	"github.com/chainguard-dev/regiondeploy/internal/types"
)

// Memory keeps resource groups in memory. It also implements deploy.Deployer
// and executor.GroupEnsurer so whole runs can be exercised against it.
type Memory struct {
	mu     sync.Mutex
	groups map[string][]types.ResourceDescriptor

	// DeleteErrs fails DeleteResource for the named resources.
	DeleteErrs map[string]error
	// DeployErrs fails Deploy for the named resources.
	DeployErrs map[string]error
	// Calls records every call as "op:name", in order.
	Calls []string
}

func NewMemory() *Memory {
	return &Memory{
		groups:     make(map[string][]types.ResourceDescriptor),
		DeleteErrs: make(map[string]error),
		DeployErrs: make(map[string]error),
	}
}

// Add seeds a resource into its group, creating the group.
func (m *Memory) Add(r types.ResourceDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[r.ResourceGroup] = append(m.groups[r.ResourceGroup], r)
}

func (m *Memory) HasGroup(group string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[group]
	return ok
}

func (m *Memory) Resources(group string) []types.ResourceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.groups[group])
}

func (m *Memory) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Calls)
}

func (m *Memory) record(op, name string) {
	m.Calls = append(m.Calls, op+":"+name)
}

func (m *Memory) ListResources(_ context.Context, group string) ([]types.ResourceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list", group)
	rs, ok := m.groups[group]
	if !ok {
		return nil, fmt.Errorf("resource group %s: %w", group, cleanup.ErrNotFound)
	}
	return slices.Clone(rs), nil
}

func (m *Memory) DeleteResource(_ context.Context, r types.ResourceDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete", r.Name)
	if err := m.DeleteErrs[r.Name]; err != nil {
		return err
	}
	rs := m.groups[r.ResourceGroup]
	i := slices.IndexFunc(rs, func(x types.ResourceDescriptor) bool { return x.Name == r.Name })
	if i < 0 {
		return fmt.Errorf("resource %s: %w", r.Name, cleanup.ErrNotFound)
	}
	m.groups[r.ResourceGroup] = slices.Delete(rs, i, i+1)
	return nil
}

func (m *Memory) DeleteGroup(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete-group", group)
	if _, ok := m.groups[group]; !ok {
		return fmt.Errorf("resource group %s: %w", group, cleanup.ErrNotFound)
	}
	delete(m.groups, group)
	return nil
}

func (m *Memory) EnsureGroup(_ context.Context, group, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ensure-group", group)
	if _, ok := m.groups[group]; ok {
		return false, nil
	}
	m.groups[group] = nil
	return true, nil
}

func (m *Memory) Deploy(ctx context.Context, _ string, r types.ResourceDescriptor) error {
	m.mu.Lock()
	m.record("deploy", r.Name)
	err := m.DeployErrs[r.Name]
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Add(r)
	return nil
}
