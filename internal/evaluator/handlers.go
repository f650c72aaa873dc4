package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"refinery/internal/llm"
)

// linterConfig tunes the static checker. RequiredMarkers missing from the
// artifact count as errors; ForbiddenMarkers present count as warnings.
type linterConfig struct {
	RequiredMarkers  []string `json:"required_markers,omitempty"`
	ForbiddenMarkers []string `json:"forbidden_markers,omitempty"`
}

var openTagPattern = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)[^>]*>`)

// voidTags never take a closing tag.
var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

type lintIssue struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// runLinter scores an artifact from its static issue count: 10 points per
// error, 2 per warning, floored at 0. Empty input scores 100.
func runLinter(_ context.Context, artifact []byte, rawCfg json.RawMessage) (TestResult, error) {
	var cfg linterConfig
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return TestResult{}, fmt.Errorf("linter config: %w", err)
		}
	}
	if len(artifact) == 0 {
		return TestResult{Score: 100}, nil
	}
	text := string(artifact)
	var issues []lintIssue
	for _, marker := range cfg.RequiredMarkers {
		if !strings.Contains(text, marker) {
			issues = append(issues, lintIssue{Severity: "error", Message: "missing required marker " + marker})
		}
	}
	for _, marker := range cfg.ForbiddenMarkers {
		if strings.Contains(text, marker) {
			issues = append(issues, lintIssue{Severity: "warning", Message: "contains forbidden marker " + marker})
		}
	}
	issues = append(issues, tagBalanceIssues(text)...)

	var errors, warnings int
	for _, iss := range issues {
		if iss.Severity == "error" {
			errors++
		} else {
			warnings++
		}
	}
	score := llm.ClampScore(100 - float64(errors)*10 - float64(warnings)*2)
	details, _ := json.Marshal(map[string]any{
		"errors":   errors,
		"warnings": warnings,
		"issues":   issues,
	})
	return TestResult{Score: score, Details: details}, nil
}

// tagBalanceIssues flags HTML elements whose open and close counts diverge.
func tagBalanceIssues(text string) []lintIssue {
	opens := map[string]int{}
	for _, m := range openTagPattern.FindAllStringSubmatch(text, -1) {
		full, name := m[0], strings.ToLower(m[1])
		if voidTags[name] || strings.HasSuffix(full, "/>") {
			continue
		}
		opens[name]++
	}
	closePattern := regexp.MustCompile(`</([a-zA-Z][a-zA-Z0-9]*)\s*>`)
	closes := map[string]int{}
	for _, m := range closePattern.FindAllStringSubmatch(text, -1) {
		closes[strings.ToLower(m[1])]++
	}
	var issues []lintIssue
	for name, n := range opens {
		if closes[name] != n {
			issues = append(issues, lintIssue{Severity: "error", Message: fmt.Sprintf("unbalanced <%s>: %d open, %d close", name, n, closes[name])})
		}
	}
	return issues
}

// llmConfig holds the rubric text an llm_evaluation test asks the model to
// apply.
type llmConfig struct {
	Criteria string `json:"criteria,omitempty"`
}

type llmHandler struct {
	model llm.Client
}

// Run asks the model to judge the artifact and parses the reply with layered
// fallbacks. A model failure is reported as an error result by the caller; a
// malformed reply still yields a score.
func (h *llmHandler) Run(ctx context.Context, artifact []byte, rawCfg json.RawMessage) (TestResult, error) {
	if h.model == nil {
		return TestResult{}, fmt.Errorf("no model client configured")
	}
	var cfg llmConfig
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &cfg); err != nil {
			return TestResult{}, fmt.Errorf("llm_evaluation config: %w", err)
		}
	}
	prompt := buildJudgePrompt(string(artifact), cfg.Criteria)
	completion, err := h.model.Complete(ctx, prompt)
	if err != nil {
		return TestResult{}, err
	}
	j := llm.ParseJudgement(completion.Text)
	details, _ := json.Marshal(j)
	return TestResult{Score: j.Score, Details: details}, nil
}

func buildJudgePrompt(artifact, criteria string) string {
	var b strings.Builder
	b.WriteString("You are grading a generated artifact.\n")
	if criteria != "" {
		b.WriteString("Criteria:\n")
		b.WriteString(criteria)
		b.WriteString("\n")
	}
	b.WriteString("Respond with JSON only: {\"score\": <0-100>, \"reasoning\": \"...\", \"strengths\": [...], \"improvements\": [...]}\n\n")
	b.WriteString("ARTIFACT:\n")
	b.WriteString(artifact)
	return b.String()
}
