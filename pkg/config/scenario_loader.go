package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a named simulation profile: which contract scope governs the
// candidates and which thresholds classify the rounds. Scenarios override
// the process-level Config per run.
type Scenario struct {
	Name             string            `yaml:"name" json:"name"`
	ContractScope    string            `yaml:"contract_scope" json:"contract_scope"`
	AtVersion        string            `yaml:"at_version,omitempty" json:"at_version,omitempty"`
	PromoteThreshold float64           `yaml:"promote_threshold" json:"promote_threshold"`
	RejectThreshold  float64           `yaml:"reject_threshold" json:"reject_threshold"`
	MaxRounds        int               `yaml:"max_rounds" json:"max_rounds"`
	RoundTimeoutMs   int               `yaml:"round_timeout_ms,omitempty" json:"round_timeout_ms,omitempty"`
	Triggers         []ScenarioTrigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// ScenarioTrigger declares a trigger registration inside a scenario file.
type ScenarioTrigger struct {
	ID         string `yaml:"id" json:"id"`
	Pattern    string `yaml:"pattern" json:"pattern"`
	AgentRef   string `yaml:"agent_ref" json:"agent_ref"`
	CooldownMs int    `yaml:"cooldown_ms,omitempty" json:"cooldown_ms,omitempty"`
}

// LoadScenario loads scenario_<name>.yaml from the scenarios directory.
func LoadScenario(scenariosDir, name string) (*Scenario, error) {
	name = strings.ToLower(name)
	path := filepath.Join(scenariosDir, fmt.Sprintf("scenario_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario %q: %w", name, err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %q: %w", name, err)
	}
	if sc.Name == "" {
		sc.Name = name
	}
	return &sc, nil
}

// LoadAllScenarios loads every scenario_*.yaml file from the directory.
func LoadAllScenarios(scenariosDir string) (map[string]*Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(scenariosDir, "scenario_*.yaml"))
	if err != nil {
		return nil, err
	}

	scenarios := make(map[string]*Scenario, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var sc Scenario
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if sc.Name == "" {
			base := filepath.Base(path)
			sc.Name = strings.TrimSuffix(strings.TrimPrefix(base, "scenario_"), ".yaml")
		}
		scenarios[sc.Name] = &sc
	}
	return scenarios, nil
}

// RoundTimeout converts the millisecond field, zero when unset.
func (s *Scenario) RoundTimeout() time.Duration {
	return time.Duration(s.RoundTimeoutMs) * time.Millisecond
}

// Cooldown converts the millisecond field, zero when unset.
func (t ScenarioTrigger) Cooldown() time.Duration {
	return time.Duration(t.CooldownMs) * time.Millisecond
}

// Apply overlays the scenario onto a copy of the base configuration.
func (s *Scenario) Apply(base Config) Config {
	out := base
	if s.PromoteThreshold != 0 {
		out.PromoteThreshold = s.PromoteThreshold
	}
	if s.RejectThreshold != 0 {
		out.RejectThreshold = s.RejectThreshold
	}
	if s.MaxRounds != 0 {
		out.MaxRounds = s.MaxRounds
	}
	if s.RoundTimeoutMs != 0 {
		out.RoundTimeout = s.RoundTimeout()
	}
	return out
}
