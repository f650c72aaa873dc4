// Package protocol holds the JSON wire contracts the components exchange.
// Artifact bytes never travel on these; only identifiers, blob paths, scores
// and learnings text cross the wire.
package protocol

import (
	"encoding/json"

	"refinery/internal/domain"
)

// StartRequest begins a run. Document payloads arrive base64-encoded.
type StartRequest struct {
	SpecContentB64      string                        `json:"spec_content_b64"`
	ScorecardContentB64 string                        `json:"scorecard_content_b64"`
	Termination         *domain.TerminationConditions `json:"termination_conditions,omitempty"`
}

type StartResponse struct {
	ProjectID      string `json:"projectId"`
	StatusEndpoint string `json:"status_endpoint"`
}

// GenerateRequest asks a generator for one artifact. All four fields are
// required; the generator answers 202 and works asynchronously.
type GenerateRequest struct {
	OrchestratorID string `json:"orchestrator_id"`
	ArtifactID     string `json:"artifact_id"`
	MetaPrompt     string `json:"meta_prompt"`
	OutputR2Path   string `json:"output_r2_path"`
}

// CostMetrics is the token usage a generation callback reports.
type CostMetrics struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// ReportGenerationRequest reconciles one generation job. R2Path is null when
// the generation failed.
type ReportGenerationRequest struct {
	ArtifactID  string      `json:"artifact_id"`
	R2Path      *string     `json:"r2_path"`
	Status      string      `json:"status" enum:"SUCCESS,FAILED"`
	CostMetrics CostMetrics `json:"cost_metrics"`
}

// ArtifactRef names one stored artifact for analysis.
type ArtifactRef struct {
	ID     string `json:"id"`
	R2Path string `json:"r2_path"`
}

// AnalyzeRequest asks the analyzer to score a wave's surviving artifacts and
// synthesize learnings.
type AnalyzeRequest struct {
	OrchestratorID string           `json:"orchestrator_id"`
	Artifacts      []ArtifactRef    `json:"artifacts"`
	Scorecard      domain.Scorecard `json:"scorecard"`
}

// AnalysisResult carries one artifact's score back to the orchestrator.
type AnalysisResult struct {
	ArtifactID   string          `json:"artifact_id"`
	QualityScore float64         `json:"quality_score"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// ReportAnalysisRequest reconciles the wave's analysis job.
type ReportAnalysisRequest struct {
	Results     []AnalysisResult `json:"results"`
	LearningsMD string           `json:"learnings_md"`
}

// EvaluationRequest scores one stored artifact under a scorecard.
type EvaluationRequest struct {
	ArtifactPath string           `json:"artifact_path"`
	Scorecard    domain.Scorecard `json:"scorecard"`
}

// EvaluationResponse is the evaluator's combined verdict.
type EvaluationResponse struct {
	QualityScore float64         `json:"quality_score"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// ApproveRequest resumes an AWAITING_APPROVAL project, optionally overlaying
// stored human guidance into the next meta-prompt.
type ApproveRequest struct {
	HumanGuidanceR2Path string `json:"human_guidance_r2_path,omitempty"`
}
