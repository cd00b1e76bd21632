package controller

import (
	"math"

	"missionctl/internal/model"
)

// AmbitionScore rates a candidate epoch plan on a 0-1 scale, matching
// config.Continuous.MinAmbitionScore's contract (its shipped default of 0.1
// only makes sense against a normalized score). The heuristic itself is
// grounded on the original controller's _score_ambition: unit count, files
// touched, specialist-tag diversity, and a proxy for priority (dependency
// fan-out), rescaled from that function's clamped 1-10 range down to [0,1]
// so an empty plan scores 0 instead of the Python original's floor of 1.
func AmbitionScore(units []model.WorkUnit) float64 {
	if len(units) == 0 {
		return 0
	}

	filesTouched := map[string]struct{}{}
	tags := map[string]struct{}{}
	fanOut := 0
	for _, u := range units {
		for _, f := range u.FilesHint {
			filesTouched[f] = struct{}{}
		}
		if u.SpecialistTag != "" {
			tags[u.SpecialistTag] = struct{}{}
		}
		fanOut += len(u.DependsOn)
	}

	countScore := clamp01(float64(len(units)) / 8)
	fileScore := clamp01(float64(len(filesTouched)) / 12)
	diversityScore := clamp01(float64(len(tags)) / math.Max(1, float64(len(units))))
	priorityScore := clamp01(float64(fanOut) / float64(2*len(units)))

	// Weighted the same order _score_ambition applies its signals: scope
	// (count/files) carries the most weight, diversity and dependency
	// structure refine it.
	return clamp01(0.35*countScore + 0.25*fileScore + 0.25*diversityScore + 0.15*priorityScore)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
