package main

// Role identifies the author of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a single chat message sent to a backend model
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelSpec identifies one council member
type ModelSpec struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// HistoryEntry is one prior prompt/response pair of a conversation
type HistoryEntry struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Stage1Response represents a single model's answer in Stage 1.
// Error is the only failure signal; Content keeps an "ERROR: " rendering of
// the failure so existing clients can display it.
type Stage1Response struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	Label     string `json:"label"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the model failed to produce an answer
func (r Stage1Response) Failed() bool {
	return r.Error != ""
}

// ReviewScore holds per-candidate scores on a 0-10 scale
type ReviewScore struct {
	Accuracy float64 `json:"accuracy"`
	Insight  float64 `json:"insight"`
	Clarity  float64 `json:"clarity"`
}

// Average returns the mean of the three scores
func (s ReviewScore) Average() float64 {
	return (s.Accuracy + s.Insight + s.Clarity) / 3
}

// ReviewJSON is a reviewer's structured verdict keyed by real model names
type ReviewJSON struct {
	Ranking           []string               `json:"ranking"`
	Scores            map[string]ReviewScore `json:"scores"`
	Notes             map[string]string      `json:"notes"`
	OverallCommentary string                 `json:"overall_commentary"`
}

// Stage2Review represents one reviewer's peer review of the other answers
type Stage2Review struct {
	ReviewerModelID       string            `json:"reviewerModelId"`
	ReviewJSON            ReviewJSON        `json:"reviewJson"`
	AnonymizedMappingUsed map[string]string `json:"anonymizedMappingUsed"`
}

// Stage3Response represents the synthesizer's final answer
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Fallback bool   `json:"fallback"`
}

// AggregateRanking represents the aggregate standing of one model across all reviews
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"averageRank"`
	RankingsCount int     `json:"rankingsCount"`
	AverageScore  float64 `json:"averageScore"`
}

// Turn is the durable record of one prompt/response cycle
type Turn struct {
	ID                string             `json:"id,omitempty"`
	UserPrompt        string             `json:"userPrompt"`
	Stage1Responses   []Stage1Response   `json:"stage1Responses,omitempty"`
	Stage2Reviews     []Stage2Review     `json:"stage2Reviews,omitempty"`
	SynthesisResponse string             `json:"synthesisResponse,omitempty"`
	SynthesisModel    string             `json:"synthesisModel,omitempty"`
	SynthesisFallback bool               `json:"synthesisFallback,omitempty"`
	AggregateRankings []AggregateRanking `json:"aggregateRankings,omitempty"`
	CreatedAt         int64              `json:"createdAt,omitempty"`
}

// Stage is a pipeline phase as reported to polling clients
type Stage string

const (
	StageIdle      Stage = "idle"
	StageOne       Stage = "stage1"
	StageTwo       Stage = "stage2"
	StageThree     Stage = "stage3"
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// Terminal reports whether no further transitions follow
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// RunResult is the partial or final conversation payload of a run.
// A run attached to an existing conversation reports only Turn; otherwise
// the fields describe a new conversation.
type RunResult struct {
	Turn      *Turn         `json:"turn,omitempty"`
	ID        string        `json:"id,omitempty"`
	Title     string        `json:"title,omitempty"`
	Turns     []Turn        `json:"turns,omitempty"`
	Config    *EngineConfig `json:"config,omitempty"`
	CreatedAt int64         `json:"createdAt,omitempty"`
}

// RunStatus is the polled progress record of a run
type RunStatus struct {
	ID       string     `json:"id"`
	Stage    Stage      `json:"stage"`
	Progress int        `json:"progress"`
	Error    string     `json:"error,omitempty"`
	Result   *RunResult `json:"result,omitempty"`
}

// RunUpdate carries the fields to merge into a RunStatus. Nil fields are left untouched.
type RunUpdate struct {
	Stage    *Stage
	Progress *int
	Error    *string
	Result   *RunResult
}

// RunRequest starts a pipeline run
type RunRequest struct {
	Prompt         string
	Config         EngineConfig
	ConversationID string
	History        []HistoryEntry
}
