package dataflow

import (
	"sort"
	"strings"

	"github.com/Meteo-X/pixiu-sub007/errs"
	"github.com/Meteo-X/pixiu-sub007/internal/schema"
)

// RouteRule routes matching records to a set of sinks. Empty match fields and
// "*" act as wildcards. Types match either the concrete data type or its
// bucket, so "kline" covers every interval.
type RouteRule struct {
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Exchange string   `yaml:"exchange"`
	Symbols  []string `yaml:"symbols"`
	Types    []string `yaml:"types"`
	Sinks    []string `yaml:"sinks"`
	// Continue keeps evaluating lower-priority rules after this one matches.
	Continue bool `yaml:"continue"`
}

func (r RouteRule) matches(record *schema.MarketData) bool {
	if r.Exchange != "" && r.Exchange != "*" && r.Exchange != record.Exchange {
		return false
	}
	if len(r.Symbols) > 0 && !containsFold(r.Symbols, record.Symbol) {
		return false
	}
	if len(r.Types) > 0 {
		matched := false
		for _, t := range r.Types {
			if t == "*" || t == string(record.Type) || strings.EqualFold(t, record.Type.Bucket()) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if candidate == "*" || strings.EqualFold(candidate, needle) {
			return true
		}
	}
	return false
}

// Router evaluates route rules in priority order. Higher priority wins;
// evaluation stops at the first match unless the rule continues.
type Router struct {
	rules []RouteRule
}

// NewRouter validates and orders the rules. Rule names must be unique and
// every rule must target at least one sink.
func NewRouter(rules []RouteRule) (*Router, error) {
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if rule.Name == "" {
			return nil, errs.New("dataflow/router", errs.KindConfig,
				errs.WithField("name"), errs.WithMessage("route rule needs a name"))
		}
		if _, dup := seen[rule.Name]; dup {
			return nil, errs.New("dataflow/router", errs.KindConfig,
				errs.WithField("name"), errs.WithMessage("duplicate route rule "+rule.Name))
		}
		seen[rule.Name] = struct{}{}
		if len(rule.Sinks) == 0 {
			return nil, errs.New("dataflow/router", errs.KindConfig,
				errs.WithField("sinks"), errs.WithMessage("route rule "+rule.Name+" targets no sinks"))
		}
	}
	ordered := make([]RouteRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	router := new(Router)
	router.rules = ordered
	return router, nil
}

// Route returns the deduplicated sink ids for the record, along with the
// names of the rules that matched.
func (r *Router) Route(record *schema.MarketData) (sinks []string, rules []string) {
	seen := make(map[string]struct{}, 4)
	for _, rule := range r.rules {
		if !rule.matches(record) {
			continue
		}
		rules = append(rules, rule.Name)
		for _, id := range rule.Sinks {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sinks = append(sinks, id)
		}
		if !rule.Continue {
			break
		}
	}
	return sinks, rules
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []RouteRule {
	out := make([]RouteRule, len(r.rules))
	copy(out, r.rules)
	return out
}
