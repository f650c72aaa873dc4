package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"refinery/internal/blob"
	"refinery/internal/domain"
	"refinery/internal/events"
	"refinery/internal/llm"
	"refinery/internal/protocol"
	"refinery/internal/repo"
)

// beginWave starts wave CurrentWave+1: affordability gate, pending artifact
// and job rows in one transaction, then timers and concurrent dispatch. Must
// run on the project's mailbox.
func (e *Engine) beginWave(ctx context.Context, p domain.Project) error {
	wave := p.CurrentWave + 1
	n := e.Config.Waves.GeneratorsPerWave

	if max := p.Termination.MaxCostUSD; max != nil {
		estimate := float64(n) * float64(e.avgTokensPerArtifact(ctx, p)) * e.Config.Pricing.USDPerToken
		if p.Cost.EstimatedCostUSD+estimate > *max {
			return e.terminate(ctx, p, domain.StatusBudgetExceeded, events.EventPayload{
				"wave":           wave,
				"estimated_next": estimate,
				"spent":          p.Cost.EstimatedCostUSD,
				"max_cost_usd":   *max,
			})
		}
	}

	metaPrompt, err := e.buildMetaPrompt(p)
	if err != nil {
		return err
	}

	p.Status = domain.StatusGenerating
	p.CurrentWave = wave
	now := e.ts()
	deadline := e.now().Add(e.Config.GenerationTimeout()).Format(time.RFC3339)

	type dispatchUnit struct {
		jobID      string
		artifactID string
		path       string
	}
	units := make([]dispatchUnit, 0, n)
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		p.UpdatedAt = now
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		for i := 1; i <= n; i++ {
			artifactID := fmt.Sprintf("w%d-a%d", wave, i)
			path := blob.ArtifactPath(wave, artifactID)
			if err := e.Repo.InsertArtifact(ctx, tx, domain.Artifact{
				ID:         artifactID,
				ProjectID:  p.ID,
				WaveNumber: wave,
				Status:     domain.ArtifactPending,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			jobID := uuid.NewString()
			if err := e.Repo.InsertJob(ctx, tx, domain.Job{
				ID:         jobID,
				ProjectID:  p.ID,
				ArtifactID: artifactID,
				Kind:       domain.JobGeneration,
				Status:     domain.JobPending,
				CreatedAt:  now,
				DeadlineAt: deadline,
			}); err != nil {
				return err
			}
			units = append(units, dispatchUnit{jobID: jobID, artifactID: artifactID, path: path})
		}
		return e.Events.Append(ctx, tx, "wave.started", p.ID, "project", p.ID, events.EventPayload{
			"wave":       wave,
			"generators": n,
		})
	})
	if err != nil {
		return err
	}

	for _, u := range units {
		e.armTimer(p.ID, u.jobID, e.Config.GenerationTimeout())
		u := u
		go func() {
			req := protocol.GenerateRequest{
				OrchestratorID: p.ID,
				ArtifactID:     u.artifactID,
				MetaPrompt:     metaPrompt,
				OutputR2Path:   u.path,
			}
			if err := e.Dispatch.DispatchGeneration(context.Background(), req); err != nil {
				log.Printf("orchestrator: dispatch generation %s: %v", u.artifactID, err)
				if derr := e.boxes.do(p.ID, func() error {
					return e.failDispatch(context.Background(), p.ID, u.jobID)
				}); derr != nil {
					log.Printf("orchestrator: record dispatch failure %s: %v", u.jobID, derr)
				}
			}
		}()
	}
	return nil
}

// avgTokensPerArtifact estimates the next wave's per-artifact usage from past
// successful generations, falling back to the configured default before any
// wave has completed.
func (e *Engine) avgTokensPerArtifact(ctx context.Context, p domain.Project) int64 {
	counts, err := e.Repo.CountArtifactsByStatus(ctx, p.ID)
	if err != nil {
		return e.Config.Waves.DefaultTokensPerArtifact
	}
	succeeded := int64(counts[domain.ArtifactSuccess])
	if succeeded == 0 || p.Cost.TotalTokens == 0 {
		return e.Config.Waves.DefaultTokensPerArtifact
	}
	return p.Cost.TotalTokens / succeeded
}

func (e *Engine) buildMetaPrompt(p domain.Project) (string, error) {
	spec, err := e.Blob.Get(p.SpecPath)
	if err != nil {
		return "", fmt.Errorf("read spec: %w", err)
	}
	prompt := string(spec)
	if p.LatestLearnings != "" {
		prompt += "\n\n## LEARNINGS FROM PRIOR WAVES\n\n" + p.LatestLearnings
	}
	if p.HumanGuidancePath != "" {
		guidance, err := e.Blob.Get(p.HumanGuidancePath)
		if err != nil {
			return "", fmt.Errorf("read human guidance: %w", err)
		}
		prompt += "\n\n## HUMAN GUIDANCE\n\n" + string(guidance)
	}
	return prompt, nil
}

func (e *Engine) loadScorecard(p domain.Project) (domain.Scorecard, error) {
	data, err := e.Blob.Get(p.ScorecardPath)
	if err != nil {
		return domain.Scorecard{}, fmt.Errorf("read scorecard: %w", err)
	}
	var card domain.Scorecard
	if err := json.Unmarshal(data, &card); err != nil {
		return domain.Scorecard{}, fmt.Errorf("parse scorecard: %w", err)
	}
	return card, nil
}

// failDispatch marks a job whose synchronous dispatch failed. Generation jobs
// fail their artifact without retry; a failed analysis dispatch fails the
// project, since the wave cannot conclude without one.
func (e *Engine) failDispatch(ctx context.Context, projectID, jobID string) error {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if domain.JobTerminal(job.Status) {
		return nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	e.timers.stopTimer(jobID)
	job.Status = domain.JobFailed
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
			return err
		}
		if job.Kind == domain.JobGeneration {
			if err := e.Repo.UpdateArtifactStatus(ctx, tx, projectID, job.ArtifactID, domain.ArtifactFailed, nil); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "job.dispatch_failed", projectID, "job", jobID, events.EventPayload{
			"kind":     job.Kind,
			"artifact": job.ArtifactID,
		})
	}); err != nil {
		return err
	}
	if job.Kind == domain.JobAnalysis {
		return e.terminate(ctx, p, domain.StatusFailed, events.EventPayload{
			"reason": "analysis dispatch failed",
		})
	}
	return e.checkWaveComplete(ctx, p)
}

// ReportGeneration reconciles one generation callback. Duplicate reports for
// a settled job are acknowledged without effect; nothing is acknowledged
// until the transition is durable.
func (e *Engine) ReportGeneration(ctx context.Context, projectID string, rep protocol.ReportGenerationRequest) error {
	if rep.ArtifactID == "" {
		return fmt.Errorf("%w: artifact_id is required", ErrInvalid)
	}
	if rep.Status != domain.ArtifactSuccess && rep.Status != domain.ArtifactFailed {
		return fmt.Errorf("%w: status must be SUCCESS or FAILED", ErrInvalid)
	}
	if rep.Status == domain.ArtifactSuccess && (rep.R2Path == nil || *rep.R2Path == "") {
		return fmt.Errorf("%w: successful generation requires r2_path", ErrInvalid)
	}
	return e.boxes.do(projectID, func() error {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if domain.IsTerminal(p.Status) {
			return nil // late callback into a settled project
		}
		if _, err := e.Repo.GetArtifact(ctx, projectID, rep.ArtifactID); err != nil {
			return err
		}
		job, err := e.Repo.GetJobByArtifact(ctx, projectID, rep.ArtifactID, domain.JobGeneration)
		if err != nil {
			return err
		}
		if domain.JobTerminal(job.Status) {
			return nil // duplicate callback
		}
		e.timers.stopTimer(job.ID)
		if rep.Status == domain.ArtifactSuccess {
			job.Status = domain.JobComplete
		} else {
			job.Status = domain.JobFailed
		}

		tokens := rep.CostMetrics.PromptTokens + rep.CostMetrics.CompletionTokens
		p.Cost.TotalTokens += tokens
		p.Cost.EstimatedCostUSD += float64(tokens) * e.Config.Pricing.USDPerToken
		p.UpdatedAt = e.ts()

		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
				return err
			}
			if err := e.Repo.UpdateArtifactStatus(ctx, tx, projectID, rep.ArtifactID, rep.Status, rep.R2Path); err != nil {
				return err
			}
			if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "generation.reported", projectID, "artifact", rep.ArtifactID, events.EventPayload{
				"status": rep.Status,
				"tokens": tokens,
			})
		}); err != nil {
			return err
		}
		return e.checkWaveComplete(ctx, p)
	})
}

// checkWaveComplete fires once every generation job of the current wave has
// settled: zero successes fail the project, otherwise analysis is dispatched.
func (e *Engine) checkWaveComplete(ctx context.Context, p domain.Project) error {
	artifacts, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{ProjectID: p.ID, WaveNumber: p.CurrentWave})
	if err != nil {
		return err
	}
	var successes []domain.Artifact
	for _, a := range artifacts {
		switch a.Status {
		case domain.ArtifactPending:
			return nil // wave still in flight
		case domain.ArtifactSuccess:
			successes = append(successes, a)
		}
	}
	if len(successes) == 0 {
		return e.terminate(ctx, p, domain.StatusFailed, events.EventPayload{
			"reason": "wave produced no artifacts",
			"wave":   p.CurrentWave,
		})
	}

	card, err := e.loadScorecard(p)
	if err != nil {
		return err
	}
	refs := make([]protocol.ArtifactRef, 0, len(successes))
	for _, a := range successes {
		path := ""
		if a.BlobPath != nil {
			path = *a.BlobPath
		}
		refs = append(refs, protocol.ArtifactRef{ID: a.ID, R2Path: path})
	}

	p.Status = domain.StatusAnalyzing
	jobID := uuid.NewString()
	now := e.ts()
	deadline := e.now().Add(e.Config.AnalysisTimeout()).Format(time.RFC3339)
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		p.UpdatedAt = now
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		if err := e.Repo.InsertJob(ctx, tx, domain.Job{
			ID:         jobID,
			ProjectID:  p.ID,
			Kind:       domain.JobAnalysis,
			Status:     domain.JobPending,
			CreatedAt:  now,
			DeadlineAt: deadline,
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "analysis.dispatched", p.ID, "job", jobID, events.EventPayload{
			"wave":      p.CurrentWave,
			"artifacts": len(refs),
		})
	}); err != nil {
		return err
	}

	e.armTimer(p.ID, jobID, e.Config.AnalysisTimeout())
	go func() {
		req := protocol.AnalyzeRequest{OrchestratorID: p.ID, Artifacts: refs, Scorecard: card}
		if err := e.Dispatch.DispatchAnalysis(context.Background(), req); err != nil {
			log.Printf("orchestrator: dispatch analysis for %s: %v", p.ID, err)
			if derr := e.boxes.do(p.ID, func() error {
				return e.failDispatch(context.Background(), p.ID, jobID)
			}); derr != nil {
				log.Printf("orchestrator: record dispatch failure %s: %v", jobID, derr)
			}
		}
	}()
	return nil
}

// ReportAnalysis reconciles the wave's analysis callback: scores land on
// their artifacts, the wave's best score joins the quality history, and the
// termination conditions decide what happens next.
func (e *Engine) ReportAnalysis(ctx context.Context, projectID string, rep protocol.ReportAnalysisRequest) error {
	if len(rep.Results) == 0 {
		return fmt.Errorf("%w: results must be non-empty", ErrInvalid)
	}
	return e.boxes.do(projectID, func() error {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if domain.IsTerminal(p.Status) {
			return nil
		}
		job, ok, err := e.latestAnalysisJob(ctx, projectID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no analysis in flight", ErrConflict)
		}
		if domain.JobTerminal(job.Status) {
			return nil // duplicate callback
		}
		e.timers.stopTimer(job.ID)
		job.Status = domain.JobComplete

		best := 0.0
		for _, r := range rep.Results {
			if s := llm.ClampScore(r.QualityScore); s > best {
				best = s
			}
		}
		p.QualityHistory = append(p.QualityHistory, best)
		manual := p.Termination.ManualApproval
		if manual {
			top := topResults(rep.Results)
			p.ProposedLearnings = &domain.ProposedLearnings{
				AnalysisSummary: rep.LearningsMD,
				TopArtifacts:    top,
			}
		} else if rep.LearningsMD != "" {
			p.LatestLearnings = rep.LearningsMD
		}

		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
				return err
			}
			for _, r := range rep.Results {
				err := e.Repo.UpdateArtifactScore(ctx, tx, projectID, r.ArtifactID, llm.ClampScore(r.QualityScore), r.Details)
				if err == repo.ErrNotFound {
					continue // unknown artifact IDs are dropped, not fatal
				}
				if err != nil {
					return err
				}
			}
			p.UpdatedAt = e.ts()
			if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "analysis.reported", projectID, "job", job.ID, events.EventPayload{
				"wave":       p.CurrentWave,
				"best_score": best,
				"results":    len(rep.Results),
			})
		}); err != nil {
			return err
		}
		return e.settleWave(ctx, p, manual)
	})
}

// settleWave walks the termination conditions in their fixed order. With
// checkApproval set, manual approval parks the project first; Approve calls
// back in with it cleared so the remaining conditions still apply.
func (e *Engine) settleWave(ctx context.Context, p domain.Project, checkApproval bool) error {
	if checkApproval && p.Termination.ManualApproval {
		p.Status = domain.StatusAwaitingApproval
		return e.withTx(ctx, func(tx *sql.Tx) error {
			p.UpdatedAt = e.ts()
			if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "project.awaiting_approval", p.ID, "project", p.ID, events.EventPayload{
				"wave": p.CurrentWave,
			})
		})
	}
	if max := p.Termination.MaxCostUSD; max != nil && p.Cost.EstimatedCostUSD >= *max {
		return e.terminate(ctx, p, domain.StatusBudgetExceeded, events.EventPayload{
			"spent":        p.Cost.EstimatedCostUSD,
			"max_cost_usd": *max,
		})
	}
	if max := p.Termination.MaxWaves; max != nil && p.CurrentWave >= *max {
		return e.terminate(ctx, p, domain.StatusCompleted, events.EventPayload{
			"reason":    "max waves reached",
			"max_waves": *max,
		})
	}
	if plat := p.Termination.QualityPlateau; plat != nil && plateaued(p.QualityHistory, plat.Waves, plat.Delta) {
		return e.terminate(ctx, p, domain.StatusCompleted, events.EventPayload{
			"reason": "quality plateau",
			"waves":  plat.Waves,
			"delta":  plat.Delta,
		})
	}
	if min := p.Termination.MinViableCandidates; min != nil {
		viable, err := e.Repo.CountViableArtifacts(ctx, p.ID, e.Config.Waves.ViabilityThreshold)
		if err != nil {
			return err
		}
		if viable >= *min {
			return e.terminate(ctx, p, domain.StatusCompleted, events.EventPayload{
				"reason": "min viable candidates reached",
				"viable": viable,
			})
		}
	}
	return e.beginWave(ctx, p)
}

// plateaued reports whether the best of the last w scores improved on the
// score just before that window by less than delta. Earlier waves outside the
// window never mask a recent climb.
func plateaued(history []float64, w int, delta float64) bool {
	if w <= 0 || len(history) <= w {
		return false
	}
	base := history[len(history)-w-1]
	best := maxOf(history[len(history)-w:])
	return best-base < delta
}

func maxOf(vals []float64) float64 {
	best := vals[0]
	for _, v := range vals[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

// topResults picks the wave's top min(5, ceil(0.2*N)) scores for the
// approval preview, ties by artifact ID ascending.
func topResults(results []protocol.AnalysisResult) []domain.TopResult {
	sorted := make([]protocol.AnalysisResult, len(results))
	copy(sorted, results)
	k := (len(sorted) + 4) / 5 // ceil(0.2*N)
	if k > 5 {
		k = 5
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < len(sorted); j++ {
			better := sorted[j].QualityScore > sorted[i].QualityScore ||
				(sorted[j].QualityScore == sorted[i].QualityScore && sorted[j].ArtifactID < sorted[i].ArtifactID)
			if better {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	top := make([]domain.TopResult, 0, k)
	for _, r := range sorted[:k] {
		top = append(top, domain.TopResult{ArtifactID: r.ArtifactID, QualityScore: llm.ClampScore(r.QualityScore)})
	}
	return top
}

// latestAnalysisJob resolves the analysis job a callback belongs to. At most
// one analysis job is pending per project, so a pending row wins outright; if
// every analysis job has settled the newest settled row is returned and the
// caller treats the callback as a duplicate.
func (e *Engine) latestAnalysisJob(ctx context.Context, projectID string) (domain.Job, bool, error) {
	pending, err := e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: projectID, Kind: domain.JobAnalysis, Status: domain.JobPending})
	if err != nil {
		return domain.Job{}, false, err
	}
	if len(pending) > 0 {
		return pending[len(pending)-1], true, nil
	}
	settled, err := e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: projectID, Kind: domain.JobAnalysis})
	if err != nil {
		return domain.Job{}, false, err
	}
	if len(settled) == 0 {
		return domain.Job{}, false, nil
	}
	return settled[len(settled)-1], true, nil
}

// OnTimeout handles a job deadline: re-dispatch while retries remain,
// otherwise the generation's artifact fails or, for analysis, the project.
func (e *Engine) OnTimeout(ctx context.Context, projectID, jobID string) error {
	return e.boxes.do(projectID, func() error {
		job, err := e.Repo.GetJob(ctx, jobID)
		if err != nil {
			if err == repo.ErrNotFound {
				return nil
			}
			return err
		}
		if domain.JobTerminal(job.Status) {
			return nil // callback won the race
		}
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if domain.IsTerminal(p.Status) {
			return nil
		}
		if deadline, err := time.Parse(time.RFC3339, job.DeadlineAt); err == nil && e.now().Before(deadline) {
			return nil // deadline extended by a retry; stale fire
		}

		if job.Retries < e.Config.Waves.MaxRetries {
			return e.retryJob(ctx, p, job)
		}

		job.Status = domain.JobTimedOut
		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
				return err
			}
			if job.Kind == domain.JobGeneration {
				if err := e.Repo.UpdateArtifactStatus(ctx, tx, projectID, job.ArtifactID, domain.ArtifactFailed, nil); err != nil {
					return err
				}
			}
			return e.Events.Append(ctx, tx, "job.timed_out", projectID, "job", jobID, events.EventPayload{
				"kind":     job.Kind,
				"artifact": job.ArtifactID,
				"retries":  job.Retries,
			})
		}); err != nil {
			return err
		}
		if job.Kind == domain.JobAnalysis {
			return e.terminate(ctx, p, domain.StatusFailed, events.EventPayload{
				"reason": "analysis timed out",
				"wave":   p.CurrentWave,
			})
		}
		return e.checkWaveComplete(ctx, p)
	})
}

// retryJob re-arms the deadline and re-dispatches the same work unit.
func (e *Engine) retryJob(ctx context.Context, p domain.Project, job domain.Job) error {
	job.Retries++
	timeout := e.Config.GenerationTimeout()
	if job.Kind == domain.JobAnalysis {
		timeout = e.Config.AnalysisTimeout()
	}
	job.DeadlineAt = e.now().Add(timeout).Format(time.RFC3339)
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateJob(ctx, tx, job); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "job.retried", p.ID, "job", job.ID, events.EventPayload{
			"kind":    job.Kind,
			"retries": job.Retries,
		})
	}); err != nil {
		return err
	}
	e.armTimer(p.ID, job.ID, timeout)

	switch job.Kind {
	case domain.JobGeneration:
		metaPrompt, err := e.buildMetaPrompt(p)
		if err != nil {
			return err
		}
		req := protocol.GenerateRequest{
			OrchestratorID: p.ID,
			ArtifactID:     job.ArtifactID,
			MetaPrompt:     metaPrompt,
			OutputR2Path:   blob.ArtifactPath(p.CurrentWave, job.ArtifactID),
		}
		go func() {
			if err := e.Dispatch.DispatchGeneration(context.Background(), req); err != nil {
				log.Printf("orchestrator: retry dispatch %s: %v", job.ArtifactID, err)
			}
		}()
	case domain.JobAnalysis:
		card, err := e.loadScorecard(p)
		if err != nil {
			return err
		}
		artifacts, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{
			ProjectID:  p.ID,
			WaveNumber: p.CurrentWave,
			Status:     domain.ArtifactSuccess,
		})
		if err != nil {
			return err
		}
		refs := make([]protocol.ArtifactRef, 0, len(artifacts))
		for _, a := range artifacts {
			path := ""
			if a.BlobPath != nil {
				path = *a.BlobPath
			}
			refs = append(refs, protocol.ArtifactRef{ID: a.ID, R2Path: path})
		}
		req := protocol.AnalyzeRequest{OrchestratorID: p.ID, Artifacts: refs, Scorecard: card}
		go func() {
			if err := e.Dispatch.DispatchAnalysis(context.Background(), req); err != nil {
				log.Printf("orchestrator: retry analysis dispatch for %s: %v", p.ID, err)
			}
		}()
	}
	return nil
}

// terminate moves the project into a terminal status and records why.
func (e *Engine) terminate(ctx context.Context, p domain.Project, status string, payload events.EventPayload) error {
	p.Status = status
	return e.withTx(ctx, func(tx *sql.Tx) error {
		p.UpdatedAt = e.ts()
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["status"] = status
		return e.Events.Append(ctx, tx, "project.terminated", p.ID, "project", p.ID, payload)
	})
}
