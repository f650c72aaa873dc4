// Package analyzer scores a wave's artifacts and distills learnings for the
// next one. Scoring fans out to the evaluator service with bounded
// concurrency; synthesis is a single model call over the top performers. The
// whole job runs asynchronously and reports back to the orchestrator when
// done.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"refinery/internal/blob"
	"refinery/internal/domain"
	"refinery/internal/llm"
	"refinery/internal/protocol"
)

const maxTopArtifacts = 5

type Worker struct {
	Model               llm.Client
	Blob                blob.Store
	EvaluatorURL        string
	OrchestratorBaseURL string
	Concurrency         int
	HTTP                *http.Client
}

func New(model llm.Client, store blob.Store, evaluatorURL, orchestratorBaseURL string, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Worker{
		Model:               model,
		Blob:                store,
		EvaluatorURL:        strings.TrimRight(evaluatorURL, "/"),
		OrchestratorBaseURL: strings.TrimRight(orchestratorBaseURL, "/"),
		Concurrency:         concurrency,
		HTTP:                &http.Client{Timeout: 60 * time.Second},
	}
}

// Validate checks the request carries a project and at least one artifact.
func Validate(req protocol.AnalyzeRequest) error {
	switch {
	case req.OrchestratorID == "":
		return fmt.Errorf("orchestrator_id is required")
	case len(req.Artifacts) == 0:
		return fmt.Errorf("artifacts must be non-empty")
	}
	return nil
}

// Accept validates and launches the async analysis job.
func (w *Worker) Accept(req protocol.AnalyzeRequest) error {
	if err := Validate(req); err != nil {
		return err
	}
	go w.Run(context.Background(), req)
	return nil
}

// Run scores every artifact, synthesizes learnings from the top performers
// and posts the combined report to the orchestrator.
func (w *Worker) Run(ctx context.Context, req protocol.AnalyzeRequest) {
	results := w.scoreAll(ctx, req)
	paths := make(map[string]string, len(req.Artifacts))
	for _, ref := range req.Artifacts {
		paths[ref.ID] = ref.R2Path
	}
	learnings := w.synthesize(ctx, TopK(results), paths)
	w.report(ctx, req.OrchestratorID, protocol.ReportAnalysisRequest{
		Results:     results,
		LearningsMD: learnings,
	})
}

// scoreAll fans evaluation calls out over at most Concurrency in-flight
// requests. A failed evaluation becomes a zero-score result rather than
// sinking the wave.
func (w *Worker) scoreAll(ctx context.Context, req protocol.AnalyzeRequest) []protocol.AnalysisResult {
	results := make([]protocol.AnalysisResult, len(req.Artifacts))
	sem := make(chan struct{}, w.Concurrency)
	done := make(chan struct{})
	for i, ref := range req.Artifacts {
		i, ref := i, ref
		go func() {
			sem <- struct{}{}
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			res, err := w.evaluate(ctx, ref.R2Path, req.Scorecard)
			if err != nil {
				log.Printf("analyzer: evaluate %s failed: %v", ref.ID, err)
				detail, _ := json.Marshal(map[string]string{"error": err.Error()})
				results[i] = protocol.AnalysisResult{ArtifactID: ref.ID, QualityScore: 0, Details: detail}
				return
			}
			results[i] = protocol.AnalysisResult{
				ArtifactID:   ref.ID,
				QualityScore: res.QualityScore,
				Details:      res.Details,
			}
		}()
	}
	for range req.Artifacts {
		<-done
	}
	return results
}

func (w *Worker) evaluate(ctx context.Context, artifactPath string, card domain.Scorecard) (protocol.EvaluationResponse, error) {
	payload, err := json.Marshal(protocol.EvaluationRequest{ArtifactPath: artifactPath, Scorecard: card})
	if err != nil {
		return protocol.EvaluationResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.EvaluatorURL+"/evaluate", bytes.NewReader(payload))
	if err != nil {
		return protocol.EvaluationResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(httpReq)
	if err != nil {
		return protocol.EvaluationResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return protocol.EvaluationResponse{}, fmt.Errorf("evaluator returned %d: %s", res.StatusCode, body)
	}
	var out protocol.EvaluationResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return protocol.EvaluationResponse{}, fmt.Errorf("decode evaluator response: %w", err)
	}
	return out, nil
}

// TopK picks the wave's strongest artifacts: the top min(5, ceil(0.2*N)) by
// score, ties broken by artifact ID ascending so reruns stay deterministic.
func TopK(results []protocol.AnalysisResult) []protocol.AnalysisResult {
	if len(results) == 0 {
		return nil
	}
	k := int(math.Ceil(0.2 * float64(len(results))))
	if k > maxTopArtifacts {
		k = maxTopArtifacts
	}
	sorted := make([]protocol.AnalysisResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].QualityScore != sorted[j].QualityScore {
			return sorted[i].QualityScore > sorted[j].QualityScore
		}
		return sorted[i].ArtifactID < sorted[j].ArtifactID
	})
	return sorted[:k]
}

// synthesize asks the model for next-wave learnings from the top artifacts.
// Any failure here degrades to empty learnings; the wave still reconciles.
func (w *Worker) synthesize(ctx context.Context, top []protocol.AnalysisResult, paths map[string]string) string {
	if len(top) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You are reviewing the best outputs of a generation wave. ")
	b.WriteString("Write concise markdown guidance for the next wave: what worked, what to keep, what to push further. ")
	b.WriteString("Do not restate the artifacts.\n")
	for _, res := range top {
		data, err := w.Blob.Get(paths[res.ArtifactID])
		if err != nil {
			log.Printf("analyzer: read top artifact %s: %v", res.ArtifactID, err)
			continue
		}
		fmt.Fprintf(&b, "\n--- artifact %s (score %.1f) ---\n%s\n", res.ArtifactID, res.QualityScore, data)
	}
	completion, err := w.Model.Complete(ctx, b.String())
	if err != nil {
		log.Printf("analyzer: learnings synthesis failed: %v", err)
		return ""
	}
	return completion.Text
}

func (w *Worker) report(ctx context.Context, projectID string, report protocol.ReportAnalysisRequest) {
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("analyzer: marshal report: %v", err)
		return
	}
	url := fmt.Sprintf("%s/projects/%s/report/analysis", w.OrchestratorBaseURL, projectID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("analyzer: callback request: %v", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(httpReq)
	if err != nil {
		log.Printf("analyzer: callback to %s failed: %v", url, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Printf("analyzer: callback to %s returned %d", url, res.StatusCode)
	}
}
