package conflict

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// Policy selects the conflict strategy for a mutation. A strategy set on the
// mutation itself wins over the collection entry, which wins over Default.
//
//	default: manual_pending
//	merge_fallback: server_wins
//	collections:
//	  plays: merge
type Policy struct {
	Default       models.ConflictStrategy            `yaml:"default"`
	MergeFallback models.ConflictStrategy            `yaml:"merge_fallback"`
	Collections   map[string]models.ConflictStrategy `yaml:"collections"`
}

// DefaultPolicy leaves every conflict for the user and falls back to
// server_wins when a merge has no field times to work with.
func DefaultPolicy() Policy {
	return Policy{
		Default:       models.StrategyManualPending,
		MergeFallback: models.StrategyServerWins,
	}
}

// ParsePolicy decodes a YAML policy. Omitted keys keep DefaultPolicy values.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse conflict policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read conflict policy: %w", err)
	}
	return ParsePolicy(data)
}

// Validate checks every strategy name. The merge fallback cannot itself be
// merge.
func (p Policy) Validate() error {
	if !p.Default.Valid() {
		return fmt.Errorf("conflict policy: invalid default strategy %q", p.Default)
	}
	if !p.MergeFallback.Valid() || p.MergeFallback == models.StrategyMerge {
		return fmt.Errorf("conflict policy: invalid merge fallback %q", p.MergeFallback)
	}
	for c, s := range p.Collections {
		if !s.Valid() {
			return fmt.Errorf("conflict policy: invalid strategy %q for collection %s", s, c)
		}
	}
	return nil
}

// StrategyFor returns the strategy that applies to m.
func (p Policy) StrategyFor(m *models.QueuedMutation) models.ConflictStrategy {
	if m.ConflictStrategy != "" && m.ConflictStrategy.Valid() {
		return m.ConflictStrategy
	}
	if s, ok := p.Collections[m.Collection]; ok {
		return s
	}
	if p.Default == "" {
		return models.StrategyManualPending
	}
	return p.Default
}
