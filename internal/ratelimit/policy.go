// Package ratelimit implements the per-client sliding window limiter and IP
// blocker on top of the shared cache store.
package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Category partitions request budgets.
type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryCreate  Category = "create"
	CategoryRead    Category = "read"
	CategoryUpdate  Category = "update"
	CategoryDelete  Category = "delete"
	CategoryGeneral Category = "general"
	CategoryGlobal  Category = "global"
)

// Policy is the budget for one category.
type Policy struct {
	// Limit is the number of requests allowed inside Window.
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	// Block is how long a client stays blocked after exceeding Limit.
	Block       time.Duration `yaml:"block"`
	Description string        `yaml:"description,omitempty"`
}

func (p Policy) validate() error {
	if p.Limit <= 0 || p.Window <= 0 || p.Block <= 0 {
		return fmt.Errorf("limit, window and block must be positive (got %d, %s, %s)", p.Limit, p.Window, p.Block)
	}
	return nil
}

// Policies maps each category to its budget.
type Policies map[Category]Policy

// DefaultPolicies returns the built-in budgets. Read, general and global
// are tighter outside production.
func DefaultPolicies(production bool) Policies {
	read, general, global := 15, 30, 100
	if production {
		read, general, global = 60, 100, 300
	}
	return Policies{
		CategoryAuth:    {Limit: 5, Window: 15 * time.Minute, Block: 30 * time.Minute, Description: "login, register, password reset"},
		CategoryCreate:  {Limit: 10, Window: time.Minute, Block: 5 * time.Minute, Description: "resource creation"},
		CategoryRead:    {Limit: read, Window: time.Minute, Block: 2 * time.Minute, Description: "reads"},
		CategoryUpdate:  {Limit: 30, Window: time.Minute, Block: 3 * time.Minute, Description: "updates"},
		CategoryDelete:  {Limit: 5, Window: time.Minute, Block: 10 * time.Minute, Description: "deletions"},
		CategoryGeneral: {Limit: general, Window: time.Minute, Block: 5 * time.Minute, Description: "everything else"},
		CategoryGlobal:  {Limit: global, Window: time.Minute, Block: 5 * time.Minute, Description: "all requests per client"},
	}
}

type policyFile struct {
	Policies map[Category]Policy `yaml:"policies"`
}

// LoadPolicyFile merges YAML overrides onto base. Unknown categories are
// rejected.
func LoadPolicyFile(path string, base Policies) (Policies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policies: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rate limit policies %s: %w", path, err)
	}

	merged := make(Policies, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for cat, override := range file.Policies {
		current, ok := merged[cat]
		if !ok {
			return nil, fmt.Errorf("unknown rate limit category %q", cat)
		}
		if override.Limit > 0 {
			current.Limit = override.Limit
		}
		if override.Window > 0 {
			current.Window = override.Window
		}
		if override.Block > 0 {
			current.Block = override.Block
		}
		if override.Description != "" {
			current.Description = override.Description
		}
		if err := current.validate(); err != nil {
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		merged[cat] = current
	}
	return merged, nil
}
