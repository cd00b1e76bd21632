package controller

import (
	"strings"

	"missionctl/internal/model"
)

// defaultDiscoveryCharCap bounds the concatenated discovery text handed to
// the planner as replan context, mirroring round_controller.py's
// _curate_discoveries max_chars default.
const defaultDiscoveryCharCap = 4000

// curateDiscoveries deduplicates context items by content and greedily
// concatenates them up to charCap, dropping whatever doesn't fit. This
// matches _curate_discoveries's own strategy: simple ordered truncation,
// not smart summarization — the planner is expected to re-derive priority
// from what survives.
func curateDiscoveries(items []model.ContextItem, charCap int) []string {
	if charCap <= 0 {
		charCap = defaultDiscoveryCharCap
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	used := 0
	for _, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			continue
		}
		if _, dup := seen[content]; dup {
			continue
		}
		if used+len(content) > charCap {
			break
		}
		seen[content] = struct{}{}
		out = append(out, content)
		used += len(content)
	}
	return out
}
