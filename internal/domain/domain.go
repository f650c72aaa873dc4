package domain

import "encoding/json"

// Project status values. These are wire values: GET /status returns them
// verbatim and the orchestrator state machine moves through them monotonically.
const (
	StatusIdle             = "IDLE"
	StatusGenerating       = "GENERATING"
	StatusAnalyzing        = "ANALYZING"
	StatusAwaitingApproval = "AWAITING_APPROVAL"
	StatusCompleted        = "COMPLETED"
	StatusFailed           = "FAILED"
	StatusBudgetExceeded   = "COMPLETED_BUDGET_EXCEEDED"
)

// IsTerminal reports whether a project status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusBudgetExceeded:
		return true
	}
	return false
}

// TerminationConditions configure when the wave loop stops. All fields are
// optional; absent conditions never fire.
type TerminationConditions struct {
	MaxWaves            *int            `json:"max_waves,omitempty"`
	MaxCostUSD          *float64        `json:"max_cost_usd,omitempty"`
	MinViableCandidates *int            `json:"min_viable_candidates,omitempty"`
	QualityPlateau      *QualityPlateau `json:"quality_plateau,omitempty"`
	ManualApproval      bool            `json:"manual_approval,omitempty"`
}

// QualityPlateau fires when the best score improved by less than Delta over
// the last Waves waves.
type QualityPlateau struct {
	Waves int     `json:"waves"`
	Delta float64 `json:"delta"`
}

// CostTracker accumulates token usage and the derived cost estimate.
type CostTracker struct {
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// ProposedLearnings is stashed on the project while a human review is pending.
type ProposedLearnings struct {
	AnalysisSummary string      `json:"analysis_summary"`
	TopArtifacts    []TopResult `json:"top_artifacts"`
}

// TopResult names one of the wave's best artifacts.
type TopResult struct {
	ArtifactID   string  `json:"artifact_id"`
	QualityScore float64 `json:"quality_score"`
}

// Project is the single durable orchestrator state row per run.
type Project struct {
	ID                string                `json:"project_id"`
	Status            string                `json:"status"`
	CurrentWave       int                   `json:"current_wave"`
	SpecPath          string                `json:"spec_path"`
	ScorecardPath     string                `json:"scorecard_path"`
	Termination       TerminationConditions `json:"termination_conditions"`
	Cost              CostTracker           `json:"cost_tracker"`
	LatestLearnings   string                `json:"latest_learnings"`
	QualityHistory    []float64             `json:"quality_history"`
	ProposedLearnings *ProposedLearnings    `json:"proposed_learnings_for_review,omitempty"`
	HumanGuidancePath string                `json:"human_guidance_path,omitempty"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
	UpdatedAt         string                `json:"updated_at" format:"date-time"`
}

// Artifact statuses. Pending rows are inserted at dispatch time; the callback
// (or timeout) moves them to SUCCESS or FAILED.
const (
	ArtifactPending = "pending"
	ArtifactSuccess = "SUCCESS"
	ArtifactFailed  = "FAILED"
)

// Artifact is one produced output, addressed by blob path. Score fields stay
// null until the wave's analysis callback lands. Rows are never deleted.
type Artifact struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	WaveNumber        int             `json:"wave_number"`
	BlobPath          *string         `json:"blob_path,omitempty"`
	Status            string          `json:"status"`
	QualityScore      *float64        `json:"quality_score,omitempty"`
	EvaluationDetails json.RawMessage `json:"evaluation_details,omitempty"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
}

// Dispatched job kinds and statuses.
const (
	JobGeneration = "generation"
	JobAnalysis   = "analysis"

	JobPending  = "pending"
	JobComplete = "complete"
	JobFailed   = "failed"
	JobTimedOut = "timed_out"
)

// Job tracks one outbound dispatch for timeout and retry accounting.
// ArtifactID is empty for analysis jobs.
type Job struct {
	ID         string `json:"job_id"`
	ProjectID  string `json:"project_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	DeadlineAt string `json:"deadline_at" format:"date-time"`
}

// JobTerminal reports whether a job status admits no further transitions.
func JobTerminal(status string) bool {
	switch status {
	case JobComplete, JobFailed, JobTimedOut:
		return true
	}
	return false
}

// ScorecardTest is one weighted test inside a scorecard. Config is opaque to
// everything except the handler registered for TestType.
type ScorecardTest struct {
	TestType string          `json:"test_type"`
	Weight   float64         `json:"weight"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Scorecard is the immutable per-project list of weighted tests. Weights need
// not sum to 1; the evaluator normalizes.
type Scorecard struct {
	Tests []ScorecardTest `json:"tests"`
}

// Usage is the token accounting a model call reports.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int64 { return u.PromptTokens + u.CompletionTokens }

// Event is one audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
