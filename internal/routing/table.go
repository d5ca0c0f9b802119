// Package routing resolves task patterns to the downstream target that
// serves them. The table is built once at startup and is read-only afterwards,
// so lookups need no locking.
package routing

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"Orchestrator-Core/internal/config"
	xerrors "Orchestrator-Core/internal/errors"
)

// Rule maps one pattern to a downstream endpoint.
type Rule struct {
	Pattern         string        `json:"pattern"`
	Target          string        `json:"target"`
	Endpoint        string        `json:"endpoint"`
	HealthURL       string        `json:"health_url"`
	Timeout         time.Duration `json:"timeout"`
	DefaultPriority int           `json:"default_priority"`
}

// Target describes a downstream service referenced by one or more rules.
type Target struct {
	Name      string `json:"name"`
	HealthURL string `json:"health_url"`
}

// UnknownPatternDetails is attached to UNKNOWN_PATTERN errors.
type UnknownPatternDetails struct {
	Pattern           string   `json:"pattern"`
	AvailablePatterns []string `json:"available_patterns"`
}

// Table is an immutable pattern -> Rule index.
type Table struct {
	rules    map[string]Rule
	patterns []string
	targets  []Target
}

// New builds a table, rejecting duplicate or empty patterns.
func New(rules []Rule) (*Table, error) {
	t := &Table{rules: make(map[string]Rule, len(rules))}
	seenTargets := make(map[string]struct{})
	for _, rule := range rules {
		if rule.Pattern == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "routing pattern must not be empty")
		}
		if _, dup := t.rules[rule.Pattern]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("duplicate routing pattern %q", rule.Pattern))
		}
		if rule.Target == "" {
			rule.Target = rule.Pattern
		}
		if rule.HealthURL == "" {
			rule.HealthURL = deriveHealthURL(rule.Endpoint)
		}
		t.rules[rule.Pattern] = rule
		t.patterns = append(t.patterns, rule.Pattern)
		if _, ok := seenTargets[rule.Target]; !ok {
			seenTargets[rule.Target] = struct{}{}
			t.targets = append(t.targets, Target{Name: rule.Target, HealthURL: rule.HealthURL})
		}
	}
	sort.Strings(t.patterns)
	sort.Slice(t.targets, func(i, j int) bool { return t.targets[i].Name < t.targets[j].Name })
	return t, nil
}

// FromConfig converts the configured routes into a table.
func FromConfig(routes []config.RouteConfig) (*Table, error) {
	rules := make([]Rule, 0, len(routes))
	for _, route := range routes {
		rules = append(rules, Rule{
			Pattern:         route.Pattern,
			Target:          route.Target,
			Endpoint:        route.Endpoint,
			HealthURL:       route.HealthURL,
			Timeout:         time.Duration(route.TimeoutSeconds) * time.Second,
			DefaultPriority: route.DefaultPriority,
		})
	}
	return New(rules)
}

// Resolve performs an exact-match lookup.
func (t *Table) Resolve(pattern string) (Rule, error) {
	if rule, ok := t.rules[pattern]; ok {
		return rule, nil
	}
	available := t.Patterns()
	return Rule{}, xerrors.New(xerrors.CodeUnknownPattern,
		fmt.Sprintf("unknown pattern %q", pattern),
		xerrors.WithMetadata("available_patterns", strings.Join(available, ",")),
		xerrors.WithDetails(UnknownPatternDetails{Pattern: pattern, AvailablePatterns: available}),
	)
}

// Patterns returns the sorted key set.
func (t *Table) Patterns() []string {
	return append([]string(nil), t.patterns...)
}

// Rules returns all rules ordered by pattern.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.patterns))
	for _, p := range t.patterns {
		out = append(out, t.rules[p])
	}
	return out
}

// Targets returns the distinct targets ordered by name. A target's health URL
// comes from the first rule that introduced it.
func (t *Table) Targets() []Target {
	return append([]Target(nil), t.targets...)
}

// deriveHealthURL maps http://host:port/any/path to http://host:port/health.
func deriveHealthURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}).String()
}
