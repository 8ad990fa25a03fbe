package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const titleLength = 40

// Progress milestones reported to polling clients
const (
	progressStart       = 0
	progressStage1      = 10
	progressStage1Done  = 40
	progressStage2      = 50
	progressStage2Done  = 80
	progressStage3      = 90
	progressCompleted   = 100
	defaultRunErrorText = "An unexpected error occurred during the run."
)

// Engine starts council runs in the background and records their progress
type Engine struct {
	council *Council
	store   RunStore
	logger  *zap.Logger
	metrics *Metrics

	wg    sync.WaitGroup
	now   func() time.Time
	newID func() string
}

// NewEngine creates an engine writing run progress to store
func NewEngine(council *Council, store RunStore, logger *zap.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		council: council,
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Start validates req, records a new run and returns its id without waiting
// for any model call. The run continues after ctx is cancelled.
func (e *Engine) Start(ctx context.Context, req RunRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if err := req.Config.Validate(); err != nil {
		return "", fmt.Errorf("invalid engine config: %w", err)
	}

	runID := e.newID()
	if err := e.store.Update(ctx, runID, RunUpdate{Stage: ptr(StageOne), Progress: ptr(progressStart)}); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	e.logger.Info("run initialized", zap.String("run_id", runID), zap.Int("models", len(req.Config.Models)))

	runCtx := context.WithoutCancel(ctx)
	e.metrics.RunStarted()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(runCtx, runID, req)
	}()

	return runID, nil
}

// Status returns the current snapshot of a run
func (e *Engine) Status(ctx context.Context, runID string) (RunStatus, error) {
	status, ok, err := e.store.Get(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}
	return status, nil
}

// Wait blocks until every started run has finished or ctx is done
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one run to a terminal stage. It owns every write to the run's record.
func (e *Engine) execute(ctx context.Context, runID string, req RunRequest) {
	logger := e.logger.With(zap.String("run_id", runID))
	outcome := StageError
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r), zap.Stack("stack"))
			e.fail(ctx, logger, runID, fmt.Errorf("internal error: %v", r))
		}
		e.metrics.RunFinished(outcome)
	}()

	result, err := e.pipeline(ctx, logger, runID, req)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		e.fail(ctx, logger, runID, err)
		return
	}

	e.update(ctx, logger, runID, RunUpdate{Stage: ptr(StageCompleted), Progress: ptr(progressCompleted), Result: result})
	outcome = StageCompleted
	logger.Info("run completed")
}

func (e *Engine) pipeline(ctx context.Context, logger *zap.Logger, runID string, req RunRequest) (*RunResult, error) {
	cfg := req.Config
	turn := Turn{UserPrompt: req.Prompt}

	logger.Info("stage 1 starting")
	e.update(ctx, logger, runID, RunUpdate{Stage: ptr(StageOne), Progress: ptr(progressStage1)})
	started := e.now()
	turn.Stage1Responses = e.council.Stage1CollectResponses(ctx, req.Prompt, cfg, req.History)
	e.metrics.ObserveStage(StageOne, e.now().Sub(started))
	logger.Info("stage 1 complete", zap.Int("responses", len(turn.Stage1Responses)), zap.Int("failed", countFailed(turn.Stage1Responses)))
	e.update(ctx, logger, runID, RunUpdate{Progress: ptr(progressStage1Done), Result: partialResult(turn)})

	logger.Info("stage 2 starting")
	e.update(ctx, logger, runID, RunUpdate{Stage: ptr(StageTwo), Progress: ptr(progressStage2)})
	started = e.now()
	turn.Stage2Reviews = e.council.Stage2CollectReviews(ctx, req.Prompt, turn.Stage1Responses, cfg, req.History)
	e.metrics.ObserveStage(StageTwo, e.now().Sub(started))
	logger.Info("stage 2 complete", zap.Int("reviews", len(turn.Stage2Reviews)))
	e.update(ctx, logger, runID, RunUpdate{Progress: ptr(progressStage2Done), Result: partialResult(turn)})

	logger.Info("stage 3 starting")
	e.update(ctx, logger, runID, RunUpdate{Stage: ptr(StageThree), Progress: ptr(progressStage3)})
	started = e.now()
	synthesis, err := e.council.Stage3Synthesize(ctx, req.Prompt, turn.Stage1Responses, turn.Stage2Reviews, cfg, req.History)
	e.metrics.ObserveStage(StageThree, e.now().Sub(started))
	if err != nil {
		return nil, err
	}
	logger.Info("stage 3 complete", zap.String("synthesizer", synthesis.Model), zap.Bool("fallback", synthesis.Fallback))

	turn.ID = e.newID()
	turn.SynthesisResponse = synthesis.Response
	turn.SynthesisModel = synthesis.Model
	turn.SynthesisFallback = synthesis.Fallback
	turn.AggregateRankings = CalculateAggregateRankings(turn.Stage2Reviews)
	turn.CreatedAt = e.now().UnixMilli()

	if req.ConversationID != "" {
		return &RunResult{Turn: &turn}, nil
	}
	return &RunResult{
		ID:        runID,
		Title:     conversationTitle(req.Prompt),
		Turns:     []Turn{turn},
		Config:    &cfg,
		CreatedAt: e.now().UnixMilli(),
	}, nil
}

// update writes u to the run record. A store failure is logged and the run keeps going.
func (e *Engine) update(ctx context.Context, logger *zap.Logger, runID string, u RunUpdate) {
	if err := e.store.Update(ctx, runID, u); err != nil {
		logger.Error("failed to update run", zap.Error(err))
	}
}

func (e *Engine) fail(ctx context.Context, logger *zap.Logger, runID string, err error) {
	e.update(ctx, logger, runID, RunUpdate{Stage: ptr(StageError), Error: ptr(runErrorMessage(err))})
}

// runErrorMessage renders err for clients; it is never empty
func runErrorMessage(err error) string {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return defaultRunErrorText
	}
	if errors.Is(err, ErrAllModelsFailed) {
		return ErrAllModelsFailed.Error()
	}
	return err.Error()
}

func partialResult(turn Turn) *RunResult {
	return &RunResult{Turns: []Turn{turn}}
}

func conversationTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > titleLength {
		runes = runes[:titleLength]
	}
	return string(runes)
}

func countFailed(responses []Stage1Response) int {
	n := 0
	for _, r := range responses {
		if r.Failed() {
			n++
		}
	}
	return n
}

func ptr[T any](v T) *T {
	return &v
}
