// Package policy resolves the retry policy for an attempt outcome.
//
// Rules are keyed by (status, reason) with "*" wildcards. The most specific
// matching campaign rule and the most specific matching global rule are
// coalesced field by field, campaign first, falling back to
// model.SafeDefaultPolicy for anything neither sets. Resolution never fails
// for lack of a rule.
package policy

import (
	"context"
	"fmt"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

// Table is the rule set that applies to one campaign.
type Table struct {
	Global   []model.PolicyRule `yaml:"global" json:"global"`
	Campaign []model.PolicyRule `yaml:"campaign" json:"campaign"`
}

// Validate rejects a table with two rules for the same key in one scope;
// such a table would make the winner depend on row order.
func (t Table) Validate() error {
	if err := uniqueKeys("global", t.Global); err != nil {
		return err
	}
	return uniqueKeys("campaign", t.Campaign)
}

func uniqueKeys(scope string, rules []model.PolicyRule) error {
	seen := make(map[model.PolicyKey]bool, len(rules))
	for _, r := range rules {
		k := model.NewPolicyKey(r.Key.Status, r.Key.Reason)
		if seen[k] {
			return fmt.Errorf("duplicate %s policy rule for %s/%s", scope, k.Status, k.Reason)
		}
		seen[k] = true
	}
	return nil
}

// Source loads the Table for a campaign.
type Source interface {
	Table(ctx context.Context, campaignID string) (Table, error)
}

// Resolve picks the effective policy for an outcome from t.
func Resolve(t Table, status, reason string) model.RetryPolicy {
	outcome := model.NewPolicyKey(status, reason)
	return coalesce(bestMatch(t.Campaign, outcome), bestMatch(t.Global, outcome))
}

// bestMatch returns the highest scoring rule matching outcome, or nil.
func bestMatch(rules []model.PolicyRule, outcome model.PolicyKey) *model.PolicyRule {
	var (
		best      *model.PolicyRule
		bestScore int
	)
	for i := range rules {
		if score := rules[i].Key.Specificity(outcome); score > bestScore {
			best, bestScore = &rules[i], score
		}
	}
	return best
}

func coalesce(campaign, global *model.PolicyRule) model.RetryPolicy {
	p := model.SafeDefaultPolicy()
	layers := []*model.PolicyRule{campaign, global}

	p.IsConnected = pickBool(layers, func(r *model.PolicyRule) *bool { return r.IsConnected }, p.IsConnected)
	p.ShouldRetry = pickBool(layers, func(r *model.PolicyRule) *bool { return r.ShouldRetry }, p.ShouldRetry)
	p.RetryViaSMS = pickBool(layers, func(r *model.PolicyRule) *bool { return r.RetryViaSMS }, p.RetryViaSMS)
	p.AlignSameTime = pickBool(layers, func(r *model.PolicyRule) *bool { return r.AlignSameTime }, p.AlignSameTime)
	for _, r := range layers {
		if r != nil && r.FirstRetryDelay != nil {
			p.FirstRetryDelay = *r.FirstRetryDelay
			break
		}
	}
	for _, r := range layers {
		if r != nil && r.NextRetryDelay != nil {
			p.NextRetryDelay = *r.NextRetryDelay
			break
		}
	}
	for _, r := range layers {
		if r != nil && r.MaxRetryDays != nil {
			p.MaxRetryDays = *r.MaxRetryDays
			break
		}
	}
	return p
}

func pickBool(layers []*model.PolicyRule, field func(*model.PolicyRule) *bool, def bool) bool {
	for _, r := range layers {
		if r == nil {
			continue
		}
		if v := field(r); v != nil {
			return *v
		}
	}
	return def
}

// Resolver resolves policies against a Source.
type Resolver struct {
	source Source
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve loads the campaign's table and resolves the outcome against it.
// Only a failing Source produces an error.
func (r *Resolver) Resolve(ctx context.Context, campaignID, status, reason string) (model.RetryPolicy, error) {
	t, err := r.source.Table(ctx, campaignID)
	if err != nil {
		return model.RetryPolicy{}, fmt.Errorf("load policy table for campaign %s: %w", campaignID, err)
	}
	return Resolve(t, status, reason), nil
}
