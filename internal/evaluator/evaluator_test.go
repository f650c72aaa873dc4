package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"refinery/internal/domain"
	"refinery/internal/llm"
)

type scriptedModel struct {
	reply string
	err   error
	last  string
}

func (m *scriptedModel) Complete(_ context.Context, prompt string) (llm.Completion, error) {
	m.last = prompt
	if m.err != nil {
		return llm.Completion{}, m.err
	}
	return llm.Completion{Text: m.reply, Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 5}}, nil
}

func card(tests ...domain.ScorecardTest) domain.Scorecard {
	return domain.Scorecard{Tests: tests}
}

func TestEvaluateNormalizesWeights(t *testing.T) {
	ev := New(nil)
	ev.Register("fixed90", HandlerFunc(func(context.Context, []byte, json.RawMessage) (TestResult, error) {
		return TestResult{Score: 90}, nil
	}))
	ev.Register("fixed30", HandlerFunc(func(context.Context, []byte, json.RawMessage) (TestResult, error) {
		return TestResult{Score: 30}, nil
	}))
	res := ev.Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "fixed90", Weight: 3},
		domain.ScorecardTest{TestType: "fixed30", Weight: 1},
	))
	// (3*90 + 1*30) / 4 = 75
	if res.QualityScore != 75 {
		t.Fatalf("quality score = %v, want 75", res.QualityScore)
	}
	if len(res.Details) != 2 {
		t.Fatalf("details = %v", res.Details)
	}
}

func TestEvaluateEmptyScorecardScoresZero(t *testing.T) {
	res := New(nil).Evaluate(context.Background(), []byte("x"), card())
	if res.QualityScore != 0 {
		t.Fatalf("quality score = %v, want 0", res.QualityScore)
	}
}

func TestEvaluateUnknownTestType(t *testing.T) {
	res := New(nil).Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "spellcheck", Weight: 1},
	))
	if res.QualityScore != 0 {
		t.Fatalf("quality score = %v, want 0", res.QualityScore)
	}
	if res.Details["spellcheck"].Error != "unknown test type" {
		t.Fatalf("details = %+v", res.Details["spellcheck"])
	}
}

func TestEvaluateIsolatesHandlerPanic(t *testing.T) {
	ev := New(nil)
	ev.Register("boom", HandlerFunc(func(context.Context, []byte, json.RawMessage) (TestResult, error) {
		panic("broken handler")
	}))
	ev.Register("fine", HandlerFunc(func(context.Context, []byte, json.RawMessage) (TestResult, error) {
		return TestResult{Score: 80}, nil
	}))
	res := ev.Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "boom", Weight: 1},
		domain.ScorecardTest{TestType: "fine", Weight: 1},
	))
	if res.QualityScore != 40 {
		t.Fatalf("quality score = %v, want 40", res.QualityScore)
	}
	if !strings.Contains(res.Details["boom"].Error, "handler panic") {
		t.Fatalf("panic not surfaced: %+v", res.Details["boom"])
	}
}

func TestEvaluateClampsHandlerScore(t *testing.T) {
	ev := New(nil)
	ev.Register("hot", HandlerFunc(func(context.Context, []byte, json.RawMessage) (TestResult, error) {
		return TestResult{Score: 1000}, nil
	}))
	res := ev.Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "hot", Weight: 1},
	))
	if res.QualityScore != 100 {
		t.Fatalf("quality score = %v, want 100", res.QualityScore)
	}
}

func TestLinterEmptyArtifactScores100(t *testing.T) {
	tr, err := runLinter(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Score != 100 {
		t.Fatalf("score = %v, want 100", tr.Score)
	}
}

func TestLinterBalancedDocumentIsClean(t *testing.T) {
	doc := []byte("<html><body><p>hello</p><br><img src=\"x\"></body></html>")
	tr, err := runLinter(context.Background(), doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Score != 100 {
		t.Fatalf("score = %v, want 100 (details %s)", tr.Score, tr.Details)
	}
}

func TestLinterUnbalancedTagsAndMarkers(t *testing.T) {
	cfg := json.RawMessage(`{"required_markers":["<nav"],"forbidden_markers":["lorem ipsum"]}`)
	doc := []byte("<div><p>lorem ipsum</div>")
	tr, err := runLinter(context.Background(), doc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// missing <nav (error) + unbalanced <p> (error) + forbidden marker (warning)
	if tr.Score != 100-10-10-2 {
		t.Fatalf("score = %v, want 78 (details %s)", tr.Score, tr.Details)
	}
	var details struct {
		Errors   int `json:"errors"`
		Warnings int `json:"warnings"`
	}
	if err := json.Unmarshal(tr.Details, &details); err != nil {
		t.Fatal(err)
	}
	if details.Errors != 2 || details.Warnings != 1 {
		t.Fatalf("counts = %+v", details)
	}
}

func TestLinterScoreFlooredAtZero(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 15; i++ {
		b.WriteString(fmt.Sprintf("<tag%d>", i))
	}
	tr, err := runLinter(context.Background(), []byte(b.String()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Score != 0 {
		t.Fatalf("score = %v, want 0", tr.Score)
	}
}

func TestLinterRejectsBadConfig(t *testing.T) {
	_, err := runLinter(context.Background(), []byte("x"), json.RawMessage(`{"required_markers": "oops"}`))
	if err == nil {
		t.Fatal("expected config error")
	}
}

func TestLLMHandlerBuildsPromptAndParses(t *testing.T) {
	model := &scriptedModel{reply: `{"score": 66, "reasoning": "decent"}`}
	ev := New(model)
	res := ev.Evaluate(context.Background(), []byte("<html></html>"), card(
		domain.ScorecardTest{TestType: "llm_evaluation", Weight: 1, Config: json.RawMessage(`{"criteria":"visual polish"}`)},
	))
	if res.QualityScore != 66 {
		t.Fatalf("quality score = %v, want 66", res.QualityScore)
	}
	if !strings.Contains(model.last, "visual polish") || !strings.Contains(model.last, "<html></html>") {
		t.Fatalf("prompt missing criteria or artifact:\n%s", model.last)
	}
}

func TestLLMHandlerModelFailureIsZero(t *testing.T) {
	ev := New(&scriptedModel{err: errors.New("model down")})
	res := ev.Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "llm_evaluation", Weight: 1},
	))
	if res.QualityScore != 0 {
		t.Fatalf("quality score = %v, want 0", res.QualityScore)
	}
	if res.Details["llm_evaluation"].Error != "model down" {
		t.Fatalf("details = %+v", res.Details["llm_evaluation"])
	}
}

func TestLLMHandlerMalformedReplyStillScores(t *testing.T) {
	ev := New(&scriptedModel{reply: "looks pretty good to me"})
	res := ev.Evaluate(context.Background(), []byte("x"), card(
		domain.ScorecardTest{TestType: "llm_evaluation", Weight: 1},
	))
	if res.QualityScore != 50 {
		t.Fatalf("quality score = %v, want neutral 50", res.QualityScore)
	}
}
