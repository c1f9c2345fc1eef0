package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

func sampleContract(version string) contracts.Contract {
	return contracts.Contract{
		ID:            "admission.basic",
		Version:       version,
		Scope:         "ideas",
		DefaultPolicy: contracts.PolicyAccept,
		Rules: []contracts.Rule{
			{ID: "catch-all", Predicate: "true", Action: contracts.ActionAccept},
		},
	}
}

func TestPublishVersionConflict(t *testing.T) {
	reg := NewMemory(nil)
	ctx := context.Background()

	_, err := reg.Publish(ctx, sampleContract("1.0.0"))
	require.NoError(t, err)

	_, err = reg.Publish(ctx, sampleContract("1.0.0"))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindVersionConflict, motorerr.KindOf(err))

	// A new version of the same contract is fine.
	_, err = reg.Publish(ctx, sampleContract("1.1.0"))
	assert.NoError(t, err)
}

func TestPublishRequiresExplicitPolicy(t *testing.T) {
	reg := NewMemory(nil)
	c := sampleContract("1.0.0")
	c.DefaultPolicy = ""

	_, err := reg.Publish(context.Background(), c)
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}

func TestResolveExactAndConstraint(t *testing.T) {
	reg := NewMemory(nil)
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		_, err := reg.Publish(ctx, sampleContract(v))
		require.NoError(t, err)
	}

	snap, err := reg.Resolve(ctx, "ideas", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", snap.Version)

	snap, err = reg.Resolve(ctx, "ideas", "^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", snap.Version)

	snap, err = reg.Resolve(ctx, "ideas", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", snap.Version)

	_, err = reg.Resolve(ctx, "ideas", "3.0.0")
	require.Error(t, err)
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))

	_, err = reg.Resolve(ctx, "unknown-scope", "")
	require.Error(t, err)
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))
}

func TestResolveIsPure(t *testing.T) {
	reg := NewMemory(nil)
	ctx := context.Background()
	_, err := reg.Publish(ctx, sampleContract("1.0.0"))
	require.NoError(t, err)

	a, err := reg.Resolve(ctx, "ideas", "1.0.0")
	require.NoError(t, err)
	b, err := reg.Resolve(ctx, "ideas", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Mutating a returned snapshot must not leak into the registry.
	a.Rules[0].Predicate = "false"
	c, err := reg.Resolve(ctx, "ideas", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "true", c.Rules[0].Predicate)
}

func TestPublishVetterBlocks(t *testing.T) {
	vetErr := motorerr.New(motorerr.KindValidation, "nondeterministic predicate")
	reg := NewMemory(func(contracts.Contract) error { return vetErr })

	_, err := reg.Publish(context.Background(), sampleContract("1.0.0"))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))

	// Nothing became visible.
	_, err = reg.Resolve(context.Background(), "ideas", "")
	assert.Equal(t, motorerr.KindNotFound, motorerr.KindOf(err))
}
