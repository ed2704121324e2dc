package policy

import (
	"context"

	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

// StaticSource serves rules fixed at startup, typically the global defaults
// from the config file.
type StaticSource struct {
	Global   []model.PolicyRule
	Campaign map[string][]model.PolicyRule
}

func (s StaticSource) Table(_ context.Context, campaignID string) (Table, error) {
	return Table{Global: s.Global, Campaign: s.Campaign[campaignID]}, nil
}

// RepositorySource reads rules from a policy repository.
type RepositorySource struct {
	Repo repository.PolicyRepositoryInterface
}

func (s RepositorySource) Table(ctx context.Context, campaignID string) (Table, error) {
	global, campaign, err := s.Repo.PolicyRules(ctx, campaignID)
	if err != nil {
		return Table{}, err
	}
	return Table{Global: global, Campaign: campaign}, nil
}

// LayeredSource stacks sources, lowest priority first. Rules with the same
// key in the same scope are merged field by field, later layers winning.
type LayeredSource []Source

func (l LayeredSource) Table(ctx context.Context, campaignID string) (Table, error) {
	var out Table
	for _, src := range l {
		t, err := src.Table(ctx, campaignID)
		if err != nil {
			return Table{}, err
		}
		out.Global = overlay(out.Global, t.Global)
		out.Campaign = overlay(out.Campaign, t.Campaign)
	}
	return out, nil
}

func overlay(base, top []model.PolicyRule) []model.PolicyRule {
	out := make([]model.PolicyRule, 0, len(base)+len(top))
	index := make(map[model.PolicyKey]int, len(base)+len(top))
	for _, r := range append(append([]model.PolicyRule(nil), base...), top...) {
		r.Key = model.NewPolicyKey(r.Key.Status, r.Key.Reason)
		i, ok := index[r.Key]
		if !ok {
			index[r.Key] = len(out)
			out = append(out, r)
			continue
		}
		out[i] = mergeRule(out[i], r)
	}
	return out
}

func mergeRule(under, over model.PolicyRule) model.PolicyRule {
	m := under
	if over.CampaignID != "" {
		m.CampaignID = over.CampaignID
	}
	if over.IsConnected != nil {
		m.IsConnected = over.IsConnected
	}
	if over.ShouldRetry != nil {
		m.ShouldRetry = over.ShouldRetry
	}
	if over.RetryViaSMS != nil {
		m.RetryViaSMS = over.RetryViaSMS
	}
	if over.FirstRetryDelay != nil {
		m.FirstRetryDelay = over.FirstRetryDelay
	}
	if over.NextRetryDelay != nil {
		m.NextRetryDelay = over.NextRetryDelay
	}
	if over.MaxRetryDays != nil {
		m.MaxRetryDays = over.MaxRetryDays
	}
	if over.AlignSameTime != nil {
		m.AlignSameTime = over.AlignSameTime
	}
	return m
}
