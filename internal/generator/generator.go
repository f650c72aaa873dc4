// Package generator turns one meta-prompt into one stored artifact. Requests
// are acknowledged immediately; the model call, blob write and orchestrator
// callback all happen in a background goroutine. Lost callbacks are covered by
// the orchestrator's job timeout, so callback errors are logged and swallowed.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"refinery/internal/blob"
	"refinery/internal/llm"
	"refinery/internal/protocol"
)

type Worker struct {
	Model llm.Client
	Blob  blob.Store
	// OrchestratorBaseURL is where callbacks go; the project ID from the
	// request selects the owning orchestrator under it.
	OrchestratorBaseURL string
	HTTP                *http.Client
}

func New(model llm.Client, store blob.Store, orchestratorBaseURL string) *Worker {
	return &Worker{
		Model:               model,
		Blob:                store,
		OrchestratorBaseURL: strings.TrimRight(orchestratorBaseURL, "/"),
		HTTP:                &http.Client{Timeout: 15 * time.Second},
	}
}

// Validate checks the four required request fields.
func Validate(req protocol.GenerateRequest) error {
	switch {
	case req.OrchestratorID == "":
		return fmt.Errorf("orchestrator_id is required")
	case req.ArtifactID == "":
		return fmt.Errorf("artifact_id is required")
	case req.MetaPrompt == "":
		return fmt.Errorf("meta_prompt is required")
	case req.OutputR2Path == "":
		return fmt.Errorf("output_r2_path is required")
	}
	return nil
}

// Accept validates and, on success, launches the async job. The HTTP layer
// answers 202 before Run does any work.
func (w *Worker) Accept(req protocol.GenerateRequest) error {
	if err := Validate(req); err != nil {
		return err
	}
	go w.Run(context.Background(), req)
	return nil
}

// Run executes one generation job end to end and posts the outcome report.
func (w *Worker) Run(ctx context.Context, req protocol.GenerateRequest) {
	report := protocol.ReportGenerationRequest{
		ArtifactID: req.ArtifactID,
		Status:     "FAILED",
	}
	completion, err := w.Model.Complete(ctx, req.MetaPrompt)
	if err != nil {
		log.Printf("generator: model call for %s failed: %v", req.ArtifactID, err)
		w.report(ctx, req.OrchestratorID, report)
		return
	}
	if err := w.Blob.Put(req.OutputR2Path, []byte(completion.Text)); err != nil {
		log.Printf("generator: blob write for %s failed: %v", req.ArtifactID, err)
		w.report(ctx, req.OrchestratorID, report)
		return
	}
	path := req.OutputR2Path
	report.Status = "SUCCESS"
	report.R2Path = &path
	report.CostMetrics = protocol.CostMetrics{
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}
	w.report(ctx, req.OrchestratorID, report)
}

func (w *Worker) report(ctx context.Context, projectID string, report protocol.ReportGenerationRequest) {
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("generator: marshal report: %v", err)
		return
	}
	url := fmt.Sprintf("%s/projects/%s/report/generation", w.OrchestratorBaseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("generator: callback request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(req)
	if err != nil {
		log.Printf("generator: callback to %s failed: %v", url, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Printf("generator: callback to %s returned %d", url, res.StatusCode)
	}
}
