// Package catalog answers step ordering questions for a campaign.
package catalog

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/smsleopard-outreach/internal/errors"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
	"github.com/unclebandit/smsleopard-outreach/internal/repository"
)

type Catalog struct {
	steps repository.StepRepositoryInterface
}

func New(steps repository.StepRepositoryInterface) *Catalog {
	return &Catalog{steps: steps}
}

// Steps returns the campaign's steps ordered by OrderIndex. Order indexes
// must be strictly increasing.
func (c *Catalog) Steps(ctx context.Context, campaignID string) ([]model.Step, error) {
	steps, err := c.steps.ListSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps for campaign %s: %w", campaignID, err)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].OrderIndex <= steps[i-1].OrderIndex {
			return nil, appErrors.NewConfigurationError(campaignID,
				fmt.Sprintf("steps %s and %s share order index %d", steps[i-1].ID, steps[i].ID, steps[i].OrderIndex))
		}
	}
	return steps, nil
}

// EntryStep is the step with the lowest order index.
func (c *Catalog) EntryStep(ctx context.Context, campaignID string) (model.Step, error) {
	steps, err := c.Steps(ctx, campaignID)
	if err != nil {
		return model.Step{}, err
	}
	if len(steps) == 0 {
		return model.Step{}, appErrors.NewNoStepsError(campaignID)
	}
	return steps[0], nil
}

// NextStep returns the step after currentStepID, or nil when the sequence is
// exhausted.
func (c *Catalog) NextStep(ctx context.Context, campaignID, currentStepID string) (*model.Step, error) {
	steps, err := c.Steps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, appErrors.NewNoStepsError(campaignID)
	}
	for i, s := range steps {
		if s.ID != currentStepID {
			continue
		}
		if i+1 < len(steps) {
			next := steps[i+1]
			return &next, nil
		}
		return nil, nil
	}
	return nil, appErrors.NewConfigurationError(campaignID, fmt.Sprintf("unknown step %s", currentStepID))
}

// Step looks up a single step of the campaign.
func (c *Catalog) Step(ctx context.Context, campaignID, stepID string) (*model.Step, error) {
	steps, err := c.Steps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.ID == stepID {
			found := s
			return &found, nil
		}
	}
	return nil, appErrors.NewConfigurationError(campaignID, fmt.Sprintf("unknown step %s", stepID))
}

// FirstStepOnChannel returns the lowest ordered step using ch, or nil.
func (c *Catalog) FirstStepOnChannel(ctx context.Context, campaignID string, ch model.Channel) (*model.Step, error) {
	steps, err := c.Steps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		if s.Channel == ch {
			found := s
			return &found, nil
		}
	}
	return nil, nil
}
