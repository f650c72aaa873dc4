package server

import (
	"encoding/json"

	"refinery/internal/domain"
	"refinery/internal/evaluator"
	"refinery/internal/orchestrator"
)

// StatusResponse is the wire shape of GET /projects/{project_id}/status.
type StatusResponse struct {
	ProjectID         string                       `json:"project_id"`
	Status            string                       `json:"status"`
	CurrentWave       int                          `json:"current_wave"`
	CostTracker       domain.CostTracker           `json:"cost_tracker"`
	LatestLearnings   string                       `json:"latest_learnings,omitempty"`
	QualityHistory    []float64                    `json:"quality_history"`
	ProposedLearnings *domain.ProposedLearnings    `json:"proposed_learnings_for_review,omitempty"`
	Termination       domain.TerminationConditions `json:"termination_conditions"`
	ArtifactCounts    map[string]int               `json:"artifact_counts"`
	JobCounts         map[string]int               `json:"job_counts"`
	CreatedAt         string                       `json:"created_at"`
	UpdatedAt         string                       `json:"updated_at"`
}

func statusResponse(st orchestrator.Status) StatusResponse {
	p := st.Project
	history := p.QualityHistory
	if history == nil {
		history = []float64{}
	}
	return StatusResponse{
		ProjectID:         p.ID,
		Status:            p.Status,
		CurrentWave:       p.CurrentWave,
		CostTracker:       p.Cost,
		LatestLearnings:   p.LatestLearnings,
		QualityHistory:    history,
		ProposedLearnings: p.ProposedLearnings,
		Termination:       p.Termination,
		ArtifactCounts:    st.Artifacts,
		JobCounts:         st.Jobs,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor int64           `json:"next_cursor,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := json.RawMessage(e.Payload)
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Payload:    payload,
		})
	}
	return out
}

func marshalDetails(details map[string]evaluator.TestResult) (json.RawMessage, error) {
	if details == nil {
		details = map[string]evaluator.TestResult{}
	}
	return json.Marshal(details)
}
