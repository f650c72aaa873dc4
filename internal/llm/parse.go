package llm

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Judgement is the structured verdict an evaluation prompt asks the model for.
type Judgement struct {
	Score        float64  `json:"score"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Strengths    []string `json:"strengths,omitempty"`
	Improvements []string `json:"improvements,omitempty"`
	// ParseError records which fallback produced the score, if any.
	ParseError string `json:"parse_error,omitempty"`
}

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	scorePattern = regexp.MustCompile(`(?i)score\s*:\s*(\d+(?:\.\d+)?)`)
)

// ParseJudgement extracts a Judgement from a model reply with layered
// fallbacks: strict JSON after stripping fenced code blocks, then a regex for
// "score: N", then a neutral 50 with a parse_error annotation. It never fails;
// a malformed reply must not sink a wave.
func ParseJudgement(text string) Judgement {
	candidate := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	var j Judgement
	if err := json.Unmarshal([]byte(candidate), &j); err == nil {
		j.Score = ClampScore(j.Score)
		return j
	}
	// Some models wrap the object in prose; try the first {...} span.
	if start, end := strings.Index(candidate, "{"), strings.LastIndex(candidate, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &j); err == nil {
			j.Score = ClampScore(j.Score)
			return j
		}
	}
	if m := scorePattern.FindStringSubmatch(text); m != nil {
		score, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return Judgement{Score: ClampScore(score), ParseError: "regex fallback"}
		}
	}
	return Judgement{Score: 50, ParseError: "unparseable model reply"}
}

// ClampScore bounds a score to [0, 100].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
