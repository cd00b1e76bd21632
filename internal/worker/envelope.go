package worker

import (
	"encoding/json"
	"regexp"
	"strings"

	"missionctl/internal/model"
)

const resultMarker = "MC_RESULT:"

var braceRegex = regexp.MustCompile(`\{`)

// ParseResultEnvelope extracts the MC_RESULT block a worker subprocess
// writes to stdout and decodes it into a ResultEnvelope. An unparseable or
// missing marker yields ErrorParseFailure rather than an error: per the
// worker envelope contract, a malformed envelope never crashes the
// controller.
func ParseResultEnvelope(raw string) model.ResultEnvelope {
	idx := strings.LastIndex(raw, resultMarker)
	if idx == -1 {
		return model.ResultEnvelope{
			ErrorKind: model.ErrorParseFailure,
			Summary:   "no MC_RESULT marker in worker output",
			RawStdout: raw,
		}
	}

	data, ok := extractFirstJSONObject(raw[idx+len(resultMarker):])
	if !ok {
		return model.ResultEnvelope{
			ErrorKind: model.ErrorParseFailure,
			Summary:   "malformed MC_RESULT JSON",
			RawStdout: raw,
		}
	}

	env := model.ResultEnvelope{RawStdout: raw}
	env.Summary, _ = data["summary"].(string)
	env.BranchRef, _ = data["branch_ref"].(string)
	env.CostUSD = toFloat(data["cost_usd"])
	env.Tokens = int(toFloat(data["tokens"]))
	env.FilesChanged = toStringSlice(data["files_changed"])
	env.Discoveries = toStringSlice(data["discoveries"])
	env.ContextItems = toStringSlice(data["context_items"])

	status, _ := data["status"].(string)
	switch status {
	case "success", "":
		env.ExitStatus = 0
		env.ErrorKind = model.ErrorNone
	default:
		env.ExitStatus = 1
		env.ErrorKind = model.ErrorContent
		if kind, ok := data["error_kind"].(string); ok && kind != "" {
			env.ErrorKind = model.ErrorKind(kind)
		}
	}

	if raw, ok := data["mc_result"].(map[string]interface{}); ok {
		env.MCResult = toStringMap(raw)
	} else {
		env.MCResult = toStringMap(data)
	}

	return env
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			out[k] = string(b)
		}
	}
	return out
}

// extractFirstJSONObject scans s for the first brace-balanced {...} object.
// Duplicated from internal/review rather than shared: it is a short string
// scanner, not a dependency worth factoring two packages together over.
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
