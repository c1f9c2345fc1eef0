// Package registry holds published contract versions. Contracts are
// immutable once published: a new version supersedes but never overwrites.
// The registry is an explicit injected dependency; there is no process-wide
// singleton.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// Registry is the versioned contract store.
type Registry interface {
	// Publish registers an immutable contract version. Returns
	// VersionConflict if (id, version) already exists.
	Publish(ctx context.Context, c contracts.Contract) (contracts.Contract, error)
	// Resolve returns the frozen snapshot for a scope at a version or semver
	// constraint. Identical inputs always yield an identical snapshot.
	// An empty at resolves the highest published version for the scope.
	Resolve(ctx context.Context, scope, at string) (contracts.Snapshot, error)
}

// Vetter is consulted at publish time, before a contract becomes visible.
// pkg/rules supplies the deterministic-profile vetter.
type Vetter func(contracts.Contract) error

type published struct {
	contract contracts.Contract
	version  *semver.Version
}

// Memory is the in-process Registry implementation.
type Memory struct {
	mu sync.RWMutex
	// byKey guards (id, version) uniqueness.
	byKey map[string]struct{}
	// byScope holds published contracts per scope, sorted by version
	// descending so resolution is a linear scan to the first match.
	byScope map[string][]published
	vetter  Vetter
	logger  *slog.Logger
}

// NewMemory creates an empty in-process registry. A nil vetter skips
// publish-time expression vetting.
func NewMemory(vetter Vetter) *Memory {
	return &Memory{
		byKey:   make(map[string]struct{}),
		byScope: make(map[string][]published),
		vetter:  vetter,
		logger:  slog.Default().With("component", "registry"),
	}
}

// Publish implements Registry.
func (m *Memory) Publish(ctx context.Context, c contracts.Contract) (contracts.Contract, error) {
	if err := c.Validate(); err != nil {
		return contracts.Contract{}, err
	}
	ver, err := semver.NewVersion(c.Version)
	if err != nil {
		return contracts.Contract{}, motorerr.Wrap(motorerr.KindValidation, "contract version is not semver", err).
			With("contract_id", c.ID).With("version", c.Version)
	}
	if m.vetter != nil {
		if err := m.vetter(c); err != nil {
			return contracts.Contract{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := c.ID + "@" + ver.String()
	if _, exists := m.byKey[key]; exists {
		return contracts.Contract{}, motorerr.New(motorerr.KindVersionConflict, "contract version already published").
			With("contract_id", c.ID).With("version", c.Version)
	}

	frozen := freeze(c)
	m.byKey[key] = struct{}{}
	list := append(m.byScope[c.Scope], published{contract: frozen, version: ver})
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].version.GreaterThan(list[j].version)
	})
	m.byScope[c.Scope] = list

	m.logger.InfoContext(ctx, "contract published",
		"contract_id", c.ID, "version", ver.String(), "scope", c.Scope, "rules", len(c.Rules))
	return frozen, nil
}

// Resolve implements Registry.
func (m *Memory) Resolve(ctx context.Context, scope, at string) (contracts.Snapshot, error) {
	match, err := versionMatcher(scope, at)
	if err != nil {
		return contracts.Snapshot{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byScope[scope]
	if len(list) == 0 {
		return contracts.Snapshot{}, motorerr.New(motorerr.KindNotFound, "no contract published for scope").
			With("scope", scope)
	}

	// List is sorted descending: the first match is the highest satisfying version.
	for _, p := range list {
		if match(p.version) {
			return snapshotOf(p.contract), nil
		}
	}
	return contracts.Snapshot{}, motorerr.New(motorerr.KindNotFound, "no published version satisfies at_version").
		With("scope", scope).With("at", at)
}

// versionMatcher interprets at as an exact version first, then as a semver
// constraint; empty matches everything.
func versionMatcher(scope, at string) (func(*semver.Version) bool, error) {
	if at == "" {
		return func(*semver.Version) bool { return true }, nil
	}
	if exact, err := semver.NewVersion(at); err == nil {
		return func(v *semver.Version) bool { return v.Equal(exact) }, nil
	}
	constraint, err := semver.NewConstraint(at)
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindValidation, "at_version is neither a version nor a constraint", err).
			With("scope", scope).With("at", at)
	}
	return constraint.Check, nil
}

// freeze deep-copies the rule slice so later caller mutation cannot reach
// the published record.
func freeze(c contracts.Contract) contracts.Contract {
	rules := make([]contracts.Rule, len(c.Rules))
	copy(rules, c.Rules)
	c.Rules = rules
	return c
}

func snapshotOf(c contracts.Contract) contracts.Snapshot {
	rules := make([]contracts.Rule, len(c.Rules))
	copy(rules, c.Rules)
	return contracts.Snapshot{
		ContractID:    c.ID,
		Version:       c.Version,
		Scope:         c.Scope,
		DefaultPolicy: c.DefaultPolicy,
		Rules:         rules,
	}
}
