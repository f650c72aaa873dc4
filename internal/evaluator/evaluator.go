// Package evaluator computes a single weighted quality score for one artifact
// under a scorecard of heterogeneous tests. Each test runs through a handler
// registered for its test_type; handler failures become zero-score results
// instead of aborting the request.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"

	"refinery/internal/domain"
	"refinery/internal/llm"
)

// TestResult is one handler's verdict, attached verbatim to the response
// details under its test_type key.
type TestResult struct {
	Score   float64         `json:"score"`
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Handler scores artifact bytes under one test's config.
type Handler interface {
	Run(ctx context.Context, artifact []byte, cfg json.RawMessage) (TestResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, artifact []byte, cfg json.RawMessage) (TestResult, error)

func (f HandlerFunc) Run(ctx context.Context, artifact []byte, cfg json.RawMessage) (TestResult, error) {
	return f(ctx, artifact, cfg)
}

// Evaluator dispatches scorecard tests to registered handlers and combines
// their scores by normalized weight.
type Evaluator struct {
	handlers map[string]Handler
}

// New returns an Evaluator with the standard handlers registered.
func New(model llm.Client) *Evaluator {
	e := &Evaluator{handlers: map[string]Handler{}}
	e.Register("linter", HandlerFunc(runLinter))
	e.Register("llm_evaluation", &llmHandler{model: model})
	return e
}

// Register installs a handler for a test type, replacing any existing one.
func (e *Evaluator) Register(testType string, h Handler) {
	e.handlers[testType] = h
}

// Result is the combined verdict for one artifact.
type Result struct {
	QualityScore float64               `json:"quality_score"`
	Details      map[string]TestResult `json:"details"`
}

// Evaluate runs every test in the scorecard against the artifact bytes.
// Unknown test types and handler panics or errors degrade to zero-score
// entries; only the weighted combination is computed here.
func (e *Evaluator) Evaluate(ctx context.Context, artifact []byte, card domain.Scorecard) Result {
	res := Result{Details: map[string]TestResult{}}
	var weightSum, weighted float64
	for _, test := range card.Tests {
		tr := e.runOne(ctx, artifact, test)
		res.Details[test.TestType] = tr
		weightSum += test.Weight
		weighted += test.Weight * tr.Score
	}
	if weightSum > 0 {
		res.QualityScore = weighted / weightSum
	}
	return res
}

func (e *Evaluator) runOne(ctx context.Context, artifact []byte, test domain.ScorecardTest) (tr TestResult) {
	h, ok := e.handlers[test.TestType]
	if !ok {
		return TestResult{Score: 0, Error: "unknown test type"}
	}
	defer func() {
		if r := recover(); r != nil {
			tr = TestResult{Score: 0, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	tr, err := h.Run(ctx, artifact, test.Config)
	if err != nil {
		return TestResult{Score: 0, Error: err.Error()}
	}
	tr.Score = llm.ClampScore(tr.Score)
	return tr
}
