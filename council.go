package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Council runs the three stages against a model caller
type Council struct {
	caller ModelCaller
	stage1 Throttle
	stage2 Throttle
	logger *zap.Logger
}

// NewCouncil creates a council. stage1 and stage2 throttle the per-model fan-out of each stage.
func NewCouncil(caller ModelCaller, stage1, stage2 Throttle, logger *zap.Logger) *Council {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Council{caller: caller, stage1: stage1, stage2: stage2, logger: logger}
}

// Stage1CollectResponses asks every configured model for an independent answer.
// The result has one entry per configured model in configuration order; a
// model that fails is reported through its entry instead of aborting the stage.
func (c *Council) Stage1CollectResponses(ctx context.Context, prompt string, cfg EngineConfig, history []HistoryEntry) []Stage1Response {
	messages := buildStage1Messages(cfg.SystemPrompt, history, prompt)
	opts := OptionsFromConfig(cfg)

	base := func(i int) Stage1Response {
		return Stage1Response{
			ModelID:   cfg.Models[i].ID,
			ModelName: cfg.Models[i].Name,
			Label:     LabelFor(i),
		}
	}

	return FanOut(ctx, c.stage1, len(cfg.Models), func(ctx context.Context, i int) Stage1Response {
		resp := base(i)
		content, err := c.caller.Call(ctx, resp.ModelID, messages, opts, false)
		if err != nil {
			c.logger.Warn("stage 1 model failed", zap.String("model", resp.ModelID), zap.Error(err))
			return failedResponse(resp, err)
		}
		resp.Content = content
		return resp
	}, func(i int, err error) Stage1Response {
		return failedResponse(base(i), err)
	})
}

func failedResponse(resp Stage1Response, err error) Stage1Response {
	resp.Error = err.Error()
	resp.Content = "ERROR: " + resp.Error
	return resp
}

// reviewTask is one reviewer together with the answers it will judge
type reviewTask struct {
	reviewer   ModelSpec
	candidates []Stage1Response
}

// planReviews pairs every successful model with the other successful answers.
// Failed models do not review, and a model with nothing to review is skipped.
func planReviews(stage1 []Stage1Response, cfg EngineConfig) []reviewTask {
	byID := make(map[string]Stage1Response, len(stage1))
	for _, r := range stage1 {
		byID[r.ModelID] = r
	}

	var tasks []reviewTask
	for _, reviewer := range cfg.Models {
		own, ok := byID[reviewer.ID]
		if !ok || own.Failed() {
			continue
		}
		var candidates []Stage1Response
		for _, r := range stage1 {
			if r.ModelID != reviewer.ID && !r.Failed() {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		tasks = append(tasks, reviewTask{reviewer: reviewer, candidates: candidates})
	}
	return tasks
}

// Stage2CollectReviews has each successful model peer-review the anonymized
// answers of the others. Reviews come back keyed by real model names.
// Reviewers that fail or return unusable output are dropped.
func (c *Council) Stage2CollectReviews(ctx context.Context, prompt string, stage1 []Stage1Response, cfg EngineConfig, history []HistoryEntry) []Stage2Review {
	tasks := planReviews(stage1, cfg)
	opts := OptionsFromConfig(cfg)

	results := FanOut(ctx, c.stage2, len(tasks), func(ctx context.Context, i int) *Stage2Review {
		review, err := c.review(ctx, prompt, tasks[i], opts, history)
		if err != nil {
			c.logger.Warn("stage 2 reviewer dropped", zap.String("reviewer", tasks[i].reviewer.ID), zap.Error(err))
			return nil
		}
		return review
	}, func(int, error) *Stage2Review { return nil })

	reviews := make([]Stage2Review, 0, len(results))
	for _, r := range results {
		if r != nil {
			reviews = append(reviews, *r)
		}
	}
	return reviews
}

func (c *Council) review(ctx context.Context, prompt string, task reviewTask, opts CallOptions, history []HistoryEntry) (*Stage2Review, error) {
	mapping, ordered := AnonymizeFor(task.candidates)
	messages := []Message{
		{Role: RoleSystem, Content: reviewSystemPrompt},
		{Role: RoleUser, Content: buildReviewPrompt(prompt, history, ordered)},
	}

	content, err := c.caller.Call(ctx, task.reviewer.ID, messages, opts, true)
	if err != nil {
		return nil, err
	}

	reviewJSON, err := ParseReview(content, mapping)
	if err != nil {
		return nil, fmt.Errorf("unusable review from %s: %w", task.reviewer.ID, err)
	}

	return &Stage2Review{
		ReviewerModelID:       task.reviewer.ID,
		ReviewJSON:            reviewJSON,
		AnonymizedMappingUsed: mapping,
	}, nil
}
