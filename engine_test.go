package main

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestEngine(caller ModelCaller, store RunStore) (*Engine, *Metrics) {
	metrics := NewMetrics()
	return NewEngine(newTestCouncil(caller), store, nil, metrics), metrics
}

// recordingStore wraps a MemoryRunStore and keeps every update it receives
type recordingStore struct {
	*MemoryRunStore
	mu      sync.Mutex
	updates []RunUpdate
}

func (s *recordingStore) Update(ctx context.Context, id string, u RunUpdate) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return s.MemoryRunStore.Update(ctx, id, u)
}

func (s *recordingStore) progress() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, u := range s.updates {
		if u.Progress != nil {
			out = append(out, *u.Progress)
		}
	}
	return out
}

// TestEngineTwoPlusTwo tests the documented example: B fails, A answers alone
func TestEngineTwoPlusTwo(t *testing.T) {
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		switch {
		case isSynthesisCall(call):
			return "The answer is 4.", nil
		case call.Model == "test/b":
			return "", errBackendDown
		default:
			return "4", nil
		}
	}}
	store := &recordingStore{MemoryRunStore: NewMemoryRunStore()}
	engine, metrics := newTestEngine(caller, store)

	runID, err := engine.Start(context.Background(), RunRequest{Prompt: "What is 2+2?", Config: testConfig("test/a", "test/b")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageCompleted || status.Progress != 100 {
		t.Fatalf("Status = %s/%d (%s), want completed/100", status.Stage, status.Progress, status.Error)
	}

	result := status.Result
	if result == nil || len(result.Turns) != 1 {
		t.Fatalf("Result = %+v, want one turn", result)
	}
	if result.ID != runID || result.Title != "What is 2+2?" || result.Config == nil || result.CreatedAt == 0 {
		t.Errorf("Conversation header = %+v", result)
	}

	turn := result.Turns[0]
	if len(turn.Stage1Responses) != 2 {
		t.Fatalf("Got %d stage 1 responses, want 2", len(turn.Stage1Responses))
	}
	a, b := turn.Stage1Responses[0], turn.Stage1Responses[1]
	if a.Label != "Model A" || a.Content != "4" || a.Failed() {
		t.Errorf("Stage 1 A = %+v", a)
	}
	if b.Label != "Model B" || !strings.HasPrefix(b.Content, "ERROR:") || !b.Failed() {
		t.Errorf("Stage 1 B = %+v", b)
	}
	if len(turn.Stage2Reviews) != 0 {
		t.Errorf("Got %d reviews, want 0 (A has nothing to review)", len(turn.Stage2Reviews))
	}
	if turn.SynthesisResponse != "The answer is 4." || turn.SynthesisModel != "test/synth" || turn.SynthesisFallback {
		t.Errorf("Synthesis = %q by %s (fallback %v)", turn.SynthesisResponse, turn.SynthesisModel, turn.SynthesisFallback)
	}
	if turn.ID == "" || turn.CreatedAt == 0 {
		t.Error("Turn should have an id and timestamp")
	}

	for _, call := range caller.Calls() {
		if isReviewCall(call) {
			t.Errorf("Unexpected review call to %s", call.Model)
		}
	}

	wantProgress := []int{0, 10, 40, 50, 80, 90, 100}
	if got := store.progress(); !reflect.DeepEqual(got, wantProgress) {
		t.Errorf("Progress milestones = %v, want %v", got, wantProgress)
	}

	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("completed")); got != 1 {
		t.Errorf("Completed runs metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsInFlight); got != 0 {
		t.Errorf("Runs in flight = %v, want 0", got)
	}

	again, err := engine.Status(context.Background(), runID)
	if err != nil || !reflect.DeepEqual(status, again) {
		t.Error("Repeated status reads of a completed run should be identical")
	}
}

// TestEngineFullCouncil tests a run where every model answers and reviews
func TestEngineFullCouncil(t *testing.T) {
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		switch {
		case isSynthesisCall(call):
			return "synthesized", nil
		case isReviewCall(call):
			return reviewRankingOf(call), nil
		default:
			return "answer from " + call.Model, nil
		}
	}}
	engine, _ := newTestEngine(caller, NewMemoryRunStore())

	runID, err := engine.Start(context.Background(), RunRequest{
		Prompt:         "Explain goroutines",
		Config:         testConfig("test/a", "test/b", "test/c"),
		ConversationID: "conv-1",
		History:        []HistoryEntry{{Prompt: "What is Go?", Response: "A language."}},
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageCompleted {
		t.Fatalf("Stage = %s (%s), want completed", status.Stage, status.Error)
	}
	if status.Result.Turn == nil || len(status.Result.Turns) != 0 || status.Result.ID != "" {
		t.Fatalf("Result = %+v, want only a turn for an existing conversation", status.Result)
	}

	turn := status.Result.Turn
	if len(turn.Stage2Reviews) != 3 {
		t.Errorf("Got %d reviews, want 3", len(turn.Stage2Reviews))
	}
	if len(turn.AggregateRankings) != 3 {
		t.Errorf("Got %d aggregate rankings, want 3", len(turn.AggregateRankings))
	}
	for _, r := range turn.AggregateRankings {
		if r.RankingsCount != 2 {
			t.Errorf("%s ranked %d times, want 2", r.Model, r.RankingsCount)
		}
	}

	// 3 answers + 3 reviews + 1 synthesis
	if n := len(caller.Calls()); n != 7 {
		t.Errorf("Got %d model calls, want 7", n)
	}
}

// TestEngineSynthesisFallback tests that a failed synthesizer still completes the run
func TestEngineSynthesisFallback(t *testing.T) {
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		switch {
		case call.Model == "test/synth":
			return "", errBackendDown
		case isSynthesisCall(call):
			return "fallback synthesis", nil
		case isReviewCall(call):
			return reviewRankingOf(call), nil
		default:
			return "answer", nil
		}
	}}
	engine, _ := newTestEngine(caller, NewMemoryRunStore())

	runID, err := engine.Start(context.Background(), RunRequest{Prompt: "q", Config: testConfig("test/a", "test/b")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageCompleted {
		t.Fatalf("Stage = %s (%s), want completed", status.Stage, status.Error)
	}
	turn := status.Result.Turns[0]
	if turn.SynthesisResponse == "" || !turn.SynthesisFallback || turn.SynthesisModel != "test/a" {
		t.Errorf("Synthesis = %q by %s (fallback %v), want fallback by test/a", turn.SynthesisResponse, turn.SynthesisModel, turn.SynthesisFallback)
	}
}

// TestEngineAllModelsFail tests the terminal error path
func TestEngineAllModelsFail(t *testing.T) {
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		return "", errBackendDown
	}}
	engine, metrics := newTestEngine(caller, NewMemoryRunStore())

	runID, err := engine.Start(context.Background(), RunRequest{Prompt: "q", Config: testConfig("test/a", "test/b")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageError {
		t.Fatalf("Stage = %s, want error", status.Stage)
	}
	if status.Error != ErrAllModelsFailed.Error() {
		t.Errorf("Error = %q, want %q", status.Error, ErrAllModelsFailed.Error())
	}
	if status.Progress != progressStage3 {
		t.Errorf("Progress = %d, want %d at failure", status.Progress, progressStage3)
	}
	if status.Result == nil || len(status.Result.Turns[0].Stage1Responses) != 2 {
		t.Error("Partial Stage 1 result should survive the failure")
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues("error")); got != 1 {
		t.Errorf("Error runs metric = %v, want 1", got)
	}
}

// TestEngineMissingCredential tests a run against a gateway without credentials
func TestEngineMissingCredential(t *testing.T) {
	s := testSettings("http://127.0.0.1:1")
	s.APIKey = ""
	council := newTestCouncil(NewGateway(s, nil, nil))
	engine := NewEngine(council, NewMemoryRunStore(), nil, nil)

	runID, err := engine.Start(context.Background(), RunRequest{Prompt: "q", Config: testConfig("test/a")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageError || status.Error == "" {
		t.Fatalf("Status = %+v, want error", status)
	}
	r := status.Result.Turns[0].Stage1Responses[0]
	if !strings.Contains(r.Error, "credential") {
		t.Errorf("Stage 1 error = %q, want credential message", r.Error)
	}
}

// TestEnginePanicIsContained tests that a panicking stage ends the run in error
func TestEnginePanicIsContained(t *testing.T) {
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		if isSynthesisCall(call) {
			panic("unexpected")
		}
		return "answer", nil
	}}
	engine, _ := newTestEngine(caller, NewMemoryRunStore())

	runID, err := engine.Start(context.Background(), RunRequest{Prompt: "q", Config: testConfig("test/a")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := waitForStage(t, engine, runID)
	if status.Stage != StageError || !strings.Contains(status.Error, "internal error") {
		t.Errorf("Status = %+v, want internal error", status)
	}
}

// TestEngineStartValidation tests synchronous rejection before a run exists
func TestEngineStartValidation(t *testing.T) {
	store := NewMemoryRunStore()
	engine, _ := newTestEngine(&FakeCaller{Respond: func(FakeCall) (string, error) { return "x", nil }}, store)

	tests := []struct {
		name    string
		req     RunRequest
		wantErr error
	}{
		{"empty prompt", RunRequest{Prompt: "", Config: testConfig("test/a")}, ErrEmptyPrompt},
		{"blank prompt", RunRequest{Prompt: "   ", Config: testConfig("test/a")}, ErrEmptyPrompt},
		{"no models", RunRequest{Prompt: "q", Config: testConfig()}, ErrNoModels},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.Start(context.Background(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Start() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if store.Len() != 0 {
		t.Errorf("Rejected runs created %d records", store.Len())
	}
}

// TestEngineRunOutlivesRequest tests that cancelling the trigger context does not stop the run
func TestEngineRunOutlivesRequest(t *testing.T) {
	release := make(chan struct{})
	caller := &FakeCaller{Respond: func(call FakeCall) (string, error) {
		<-release
		return "answer", nil
	}}
	engine, _ := newTestEngine(caller, NewMemoryRunStore())

	ctx, cancel := context.WithCancel(context.Background())
	runID, err := engine.Start(ctx, RunRequest{Prompt: "q", Config: testConfig("test/a")})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status, err := engine.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Stage.Terminal() {
		t.Errorf("Run finished before Start returned: %+v", status)
	}

	cancel()
	close(release)

	final := waitForStage(t, engine, runID)
	if final.Stage != StageCompleted {
		t.Errorf("Stage = %s (%s), want completed", final.Stage, final.Error)
	}
}

// TestEngineStatusUnknown tests the not-found signal
func TestEngineStatusUnknown(t *testing.T) {
	engine, _ := newTestEngine(&FakeCaller{}, NewMemoryRunStore())
	if _, err := engine.Status(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

// TestConversationTitle tests title truncation on rune boundaries
func TestConversationTitle(t *testing.T) {
	long := strings.Repeat("é", 50)
	if got := conversationTitle(long); len([]rune(got)) != 40 {
		t.Errorf("Title has %d runes, want 40", len([]rune(got)))
	}
	if got := conversationTitle("short"); got != "short" {
		t.Errorf("Title = %q, want 'short'", got)
	}
}
