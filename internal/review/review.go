// Package review implements the post-promotion DiffReviewer: a fire-and-
// forget quality pass that never blocks the merge pipeline. It is grounded
// on original_source/diff_reviewer.py's REVIEW_RESULT marker contract and
// its cascading parse strategies, adapted to the WorkUnit/ReviewRecord
// domain and run through the same vcsgit.CommandRunner interface the
// green-branch manager uses for every other external process.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"missionctl/internal/model"
	"missionctl/internal/vcsgit"
)

const reviewResultMarker = "REVIEW_RESULT:"

var (
	markerRegex = regexp.MustCompile(`(?i)[*` + "`" + `_~]*REVIEW[_\s-]*RESULT[*` + "`" + `_~]*\s*:\s*`)
	braceRegex  = regexp.MustCompile(`\{`)
	ansiRegex   = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	alignmentProse   = regexp.MustCompile(`(?i)alignment[^0-9]*(\d{1,2})`)
	approachProse    = regexp.MustCompile(`(?i)approach[^0-9]*(\d{1,2})`)
	testQualityProse = regexp.MustCompile(`(?i)test[_ ]?quality[^0-9]*(\d{1,2})`)
)

var reviewKeys = map[string]struct{}{"alignment": {}, "approach": {}, "test_quality": {}}

// Config controls whether and how the reviewer invokes its scoring command.
type Config struct {
	Enabled bool
	Command string
	Args    []string
	Timeout time.Duration
}

// Reviewer scores merged diffs via an external command and parses its
// REVIEW_RESULT block.
type Reviewer struct {
	runner vcsgit.CommandRunner
	cfg    Config
}

// New creates a Reviewer. A nil runner uses the real exec.Command-backed one.
func New(runner vcsgit.CommandRunner, cfg Config) *Reviewer {
	if runner == nil {
		runner = vcsgit.NewExecRunner()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Reviewer{runner: runner, cfg: cfg}
}

// ReviewUnit scores unit's diff and returns a ReviewRecord. It never returns
// an error: a disabled reviewer, an empty diff, a command failure, or an
// unparseable response all yield a ReviewRecord with Parsed=false rather
// than blocking the caller.
func (r *Reviewer) ReviewUnit(ctx context.Context, unit model.WorkUnit, diff, objective string) model.ReviewRecord {
	record := model.ReviewRecord{UnitID: unit.ID}
	if !r.cfg.Enabled || strings.TrimSpace(diff) == "" {
		return record
	}

	prompt := buildPrompt(unit, diff, objective)
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, r.cfg.Args...), prompt)
	output, err := r.runner.Run(runCtx, "", r.cfg.Command, args...)
	if err != nil {
		record.Notes = truncate(err.Error(), 500)
		return record
	}

	data, ok := parseReviewOutput(output)
	if !ok {
		record.Notes = truncate(output, 500)
		return record
	}

	record.Alignment = clampScore(data["alignment"])
	record.Approach = clampScore(data["approach"])
	record.Tests = clampScore(data["test_quality"])
	if rationale, ok := data["rationale"].(string); ok {
		record.Notes = truncate(rationale, 500)
	}
	record.Parsed = true
	return record
}

func buildPrompt(unit model.WorkUnit, diff, objective string) string {
	criteria := ""
	if len(unit.AcceptanceCriteria) > 0 {
		criteria = "\nAcceptance Criteria: " + strings.Join(unit.AcceptanceCriteria, "; ") + "\n"
	}
	return fmt.Sprintf(`You are a code reviewer evaluating a merged work unit's diff.

## Mission Objective
%s

## Work Unit
Description: %s
%s
## Git Diff
%s

## Instructions

Score each dimension 1-10: alignment, approach, test_quality. Then give a
1-2 sentence rationale.

You MUST end your response with a REVIEW_RESULT line:

REVIEW_RESULT:{"alignment": 7, "approach": 8, "test_quality": 6, "rationale": "summary"}

IMPORTANT: the REVIEW_RESULT line must be the LAST line of your output.`,
		objective, unit.Description, criteria, truncate(diff, 8000))
}

func parseReviewOutput(output string) (map[string]interface{}, bool) {
	if strings.TrimSpace(output) == "" {
		return nil, false
	}
	cleaned := ansiRegex.ReplaceAllString(output, "")

	// Strategy 1: tolerant marker regex, then first balanced JSON object.
	if loc := markerRegex.FindStringIndex(cleaned); loc != nil {
		if data, ok := extractFirstJSONObject(cleaned[loc[1]:]); ok && isReviewDict(data) {
			return data, true
		}
	}

	// Strategy 2: exact marker, last occurrence.
	if idx := strings.LastIndex(cleaned, reviewResultMarker); idx != -1 {
		if data, ok := extractFirstJSONObject(cleaned[idx+len(reviewResultMarker):]); ok && isReviewDict(data) {
			return data, true
		}
	}

	// Strategy 3: any JSON object in the output carrying review keys.
	if data, ok := extractFirstJSONObject(cleaned); ok && isReviewDict(data) {
		return data, true
	}
	lines := strings.Split(cleaned, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if data, ok := extractFirstJSONObject(lines[i]); ok && isReviewDict(data) {
			return data, true
		}
	}

	// Strategy 4: pull individual scores out of prose.
	if data, ok := extractScoresFromProse(cleaned); ok {
		return data, true
	}

	return nil, false
}

func extractScoresFromProse(text string) (map[string]interface{}, bool) {
	scores := map[string]interface{}{}
	if m := alignmentProse.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			scores["alignment"] = float64(v)
		}
	}
	if m := approachProse.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			scores["approach"] = float64(v)
		}
	}
	if m := testQualityProse.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			scores["test_quality"] = float64(v)
		}
	}
	if !isReviewDict(scores) {
		return nil, false
	}
	return scores, true
}

// extractFirstJSONObject scans s for the first brace-balanced {...} object
// and decodes it as JSON, tolerating surrounding prose. Needed because
// Go's regexp (RE2) cannot express recursive brace matching.
func extractFirstJSONObject(s string) (map[string]interface{}, bool) {
	start := braceRegex.FindStringIndex(s)
	if start == nil {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start[0]; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := s[start[0] : i+1]
				var data map[string]interface{}
				if err := json.Unmarshal([]byte(candidate), &data); err != nil {
					return nil, false
				}
				return data, true
			}
		}
	}
	return nil, false
}

func isReviewDict(data map[string]interface{}) bool {
	for key := range reviewKeys {
		if _, ok := data[key]; ok {
			return true
		}
	}
	return false
}

func clampScore(v interface{}) int {
	var n int
	switch t := v.(type) {
	case float64:
		n = int(t)
	case int:
		n = t
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 5
		}
		n = parsed
	default:
		return 5
	}
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
