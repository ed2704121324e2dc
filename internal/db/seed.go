package db

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/smsleopard-outreach/internal/logger"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

// CatalogWriter is the part of a store that seeding needs.
type CatalogWriter interface {
	SaveCampaign(ctx context.Context, c model.Campaign) error
	SaveRule(ctx context.Context, rule model.PolicyRule) error
}

const DemoCampaignID = "demo-voice-sms"

// DemoCampaign is a voice call followed two days later by an SMS.
func DemoCampaign() model.Campaign {
	return model.Campaign{
		ID:   DemoCampaignID,
		Name: "Voice then SMS follow-up",
		Steps: []model.Step{
			{ID: DemoCampaignID + "-voice", OrderIndex: 1, Channel: model.ChannelVoice, RetryLimit: 0},
			{ID: DemoCampaignID + "-sms", OrderIndex: 2, Channel: model.ChannelSMS, Delay: 48 * time.Hour, TemplateRef: "followup_sms"},
		},
	}
}

// DemoRules are global retry rules for common call outcomes.
func DemoRules() []model.PolicyRule {
	t, f := true, false
	tenMin, thirtyMin, day := 10*time.Minute, 30*time.Minute, 24*time.Hour
	two, four := 2, 4
	return []model.PolicyRule{
		{Key: model.NewPolicyKey("completed", "*"), IsConnected: &t, ShouldRetry: &f},
		{Key: model.NewPolicyKey("failed", "no_answer"), IsConnected: &f, ShouldRetry: &t,
			FirstRetryDelay: &tenMin, NextRetryDelay: &thirtyMin, MaxRetryDays: &two, AlignSameTime: &f},
		{Key: model.NewPolicyKey("failed", "busy"), IsConnected: &f, ShouldRetry: &t, RetryViaSMS: &t,
			FirstRetryDelay: &tenMin, NextRetryDelay: &thirtyMin, MaxRetryDays: &two},
		{Key: model.NewPolicyKey("failed", "voicemail"), IsConnected: &f, ShouldRetry: &t,
			FirstRetryDelay: &day, NextRetryDelay: &day, MaxRetryDays: &four, AlignSameTime: &t},
		{Key: model.NewPolicyKey("failed", "invalid_number"), IsConnected: &f, ShouldRetry: &f},
	}
}

// Seed writes the demo campaign and rules. Running it twice is harmless.
func Seed(ctx context.Context, w CatalogWriter) error {
	if err := w.SaveCampaign(ctx, DemoCampaign()); err != nil {
		return fmt.Errorf("seed campaign: %w", err)
	}
	for _, r := range DemoRules() {
		if err := w.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("seed policy %s/%s: %w", r.Key.Status, r.Key.Reason, err)
		}
	}
	logger.Info("seeded demo campaign", "campaign_id", DemoCampaignID, "rules", len(DemoRules()))
	return nil
}
