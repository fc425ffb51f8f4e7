package router

import (
	"context"
	"fmt"
	"sort"

	"wayfarer/internal/message"
	"wayfarer/internal/services"
)

// Rule intercepts envelopes. Every enabled rule whose Condition matches runs,
// highest Priority first. A match suppresses default-by-type routing unless
// the rule is marked Passthrough. Actions run once per envelope; a failing
// action is counted and logged, never retried.
type Rule struct {
	ID          string
	Name        string
	Priority    int
	Enabled     bool
	Passthrough bool
	Condition   func(*message.Envelope) bool
	Action      func(context.Context, *message.Envelope) error
}

// AddRule registers or replaces a rule by id.
func (r *Router) AddRule(rule Rule) error {
	if rule.ID == "" {
		return services.Wrap(services.ErrValidation, "router", "add rule", "rule id is required", nil)
	}
	if rule.Condition == nil || rule.Action == nil {
		return services.Wrap(services.ErrValidation, "router", "add rule", fmt.Sprintf("rule %s needs a condition and an action", rule.ID), nil)
	}
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for i, existing := range r.rules {
		if existing.ID == rule.ID {
			r.rules[i] = rule
			r.sortRulesLocked()
			return nil
		}
	}
	r.rules = append(r.rules, rule)
	r.sortRulesLocked()
	return nil
}

// RemoveRule deletes a rule and reports whether it existed.
func (r *Router) RemoveRule(id string) bool {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule and reports whether it exists.
func (r *Router) SetRuleEnabled(id string, enabled bool) bool {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	for i := range r.rules {
		if r.rules[i].ID == id {
			r.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

func (r *Router) sortRulesLocked() {
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
}

func (r *Router) activeRules() []Rule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out
}

func (r *Router) ruleCount() int {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return len(r.rules)
}
