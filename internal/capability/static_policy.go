package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/admissions/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping staff roles to capability strings.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in the
// request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Roles returns the role names defined in the policy file.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	roles := make([]string, 0, len(e.policy.Roles))
	for r := range e.policy.Roles {
		roles = append(roles, r)
	}
	return roles
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
