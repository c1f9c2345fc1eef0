package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/contracts"
	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEFAULT_VERDICT_POLICY", "accept")

	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, contracts.PolicyAccept, c.DefaultVerdictPolicy)
	assert.Equal(t, 0.8, c.PromoteThreshold)
	assert.Equal(t, 0.2, c.RejectThreshold)
	assert.Equal(t, 10, c.MaxRounds)
	assert.Equal(t, time.Minute, c.TriggerCooldownDefault)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEFAULT_VERDICT_POLICY", "reject")
	t.Setenv("PROMOTE_THRESHOLD", "0.9")
	t.Setenv("MAX_ROUNDS", "3")
	t.Setenv("ROUND_TIMEOUT", "5s")

	c, err := Load()
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, contracts.PolicyReject, c.DefaultVerdictPolicy)
	assert.Equal(t, 0.9, c.PromoteThreshold)
	assert.Equal(t, 3, c.MaxRounds)
	assert.Equal(t, 5*time.Second, c.RoundTimeout)
}

func TestValidateRequiresExplicitPolicy(t *testing.T) {
	t.Setenv("DEFAULT_VERDICT_POLICY", "")
	c, err := Load()
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}

func TestValidateThresholdOrdering(t *testing.T) {
	t.Setenv("DEFAULT_VERDICT_POLICY", "accept")
	t.Setenv("PROMOTE_THRESHOLD", "0.1")
	t.Setenv("REJECT_THRESHOLD", "0.5")

	c, err := Load()
	require.NoError(t, err)
	err = c.Validate()
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := map[string]string{
		"PROMOTE_THRESHOLD": "fast",
		"MAX_ROUNDS":        "3.5",
		"ROUND_TIMEOUT":     "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("DEFAULT_VERDICT_POLICY", "accept")
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
		})
	}
}

const sampleScenario = `
name: idea-screening
contract_scope: ideas
at_version: "^1.0"
promote_threshold: 0.85
reject_threshold: 0.3
max_rounds: 7
round_timeout_ms: 2000
triggers:
  - id: notify-owner
    pattern: 'span.kind == "idea.promoted"'
    agent_ref: mailer
    cooldown_ms: 60000
`

func writeScenario(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scenario_"+name+".yaml"), []byte(body), 0o600))
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "idea-screening", sampleScenario)

	sc, err := LoadScenario(dir, "idea-screening")
	require.NoError(t, err)
	assert.Equal(t, "ideas", sc.ContractScope)
	assert.Equal(t, "^1.0", sc.AtVersion)
	assert.Equal(t, 2*time.Second, sc.RoundTimeout())
	require.Len(t, sc.Triggers, 1)
	assert.Equal(t, time.Minute, sc.Triggers[0].Cooldown())

	_, err = LoadScenario(dir, "absent")
	require.Error(t, err)
}

func TestLoadAllScenarios(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a", "contract_scope: s1\nmax_rounds: 2\n")
	writeScenario(t, dir, "b", "name: b\ncontract_scope: s2\nmax_rounds: 4\n")

	all, err := LoadAllScenarios(dir)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all["a"].Name) // name inferred from filename
	assert.Equal(t, 4, all["b"].MaxRounds)
}

func TestScenarioApply(t *testing.T) {
	t.Setenv("DEFAULT_VERDICT_POLICY", "accept")
	loaded, err := Load()
	require.NoError(t, err)
	base := *loaded

	sc := Scenario{PromoteThreshold: 0.95, MaxRounds: 2, RoundTimeoutMs: 1000}
	out := sc.Apply(base)
	assert.Equal(t, 0.95, out.PromoteThreshold)
	assert.Equal(t, 2, out.MaxRounds)
	assert.Equal(t, time.Second, out.RoundTimeout)
	assert.Equal(t, base.RejectThreshold, out.RejectThreshold)
}
