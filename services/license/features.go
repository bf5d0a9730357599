package license

import (
	"fmt"
	"sort"

	"smallbiznis-licensing/pkg/celengine"
)

// Feature rules are CEL expressions over tier (string), rank (int) and
// max_instances (int, -1 when unlimited).
var defaultFeatureRules = map[string]string{
	"dashboard":        `true`,
	"queue_monitoring": `true`,
	"message_browser":  `rank >= 1`,
	"alerting":         `rank >= 2`,
	"multi_server":     `max_instances == -1 || max_instances > 1`,
	"audit_log":        `rank >= 3`,
	"priority_support": `rank >= 3`,
	"sso":              `tier == "ENTERPRISE"`,
}

var defaultMaxInstances = map[Tier]int{
	TierCommunity: 1,
	TierDeveloper: 1,
	TierStartup:   3,
	TierBusiness:  10,
}

// DefaultMaxInstances returns the plan instance limit, nil meaning unlimited.
func DefaultMaxInstances(tier Tier) *int {
	n, ok := defaultMaxInstances[tier]
	if !ok {
		return nil
	}
	return &n
}

type FeaturePolicy struct {
	rules map[string]string
}

// NewFeaturePolicy merges overrides over the default rules. An empty expression
// removes a feature.
func NewFeaturePolicy(overrides map[string]string) (*FeaturePolicy, error) {
	rules := make(map[string]string, len(defaultFeatureRules)+len(overrides))
	for k, v := range defaultFeatureRules {
		rules[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(rules, k)
			continue
		}
		rules[k] = v
	}

	env, err := celengine.GetOrBuildEnv(featureAttributes(TierCommunity, nil))
	if err != nil {
		return nil, err
	}
	for name, expr := range rules {
		if err := celengine.ValidateExpression(env, expr); err != nil {
			return nil, configurationError(fmt.Sprintf("invalid feature rule %q: %v", name, err))
		}
	}

	return &FeaturePolicy{rules: rules}, nil
}

func featureAttributes(tier Tier, maxInstances *int) map[string]interface{} {
	limit := int64(-1)
	if maxInstances != nil {
		limit = int64(*maxInstances)
	}
	return map[string]interface{}{
		"tier":          string(tier),
		"rank":          tierRank[tier],
		"max_instances": limit,
	}
}

// Features returns the sorted feature list granted to a license.
func (p *FeaturePolicy) Features(l *License) ([]string, error) {
	attrs := featureAttributes(l.Tier, l.MaxInstances)
	env, err := celengine.GetOrBuildEnv(attrs)
	if err != nil {
		return nil, err
	}

	features := make([]string, 0, len(p.rules))
	for name, expr := range p.rules {
		ok, err := celengine.Evaluate(env, expr, attrs)
		if err != nil {
			return nil, fmt.Errorf("evaluate feature %s: %w", name, err)
		}
		if ok {
			features = append(features, name)
		}
	}
	sort.Strings(features)
	return features, nil
}
