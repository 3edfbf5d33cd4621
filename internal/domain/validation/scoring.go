package validation

import "math"

// aspectWeights expresses how much each aspect contributes to the scores.
// They sum to 1.
var aspectWeights = map[Aspect]float64{
	AspectStructural:   0.25,
	AspectTerminology:  0.20,
	AspectProfile:      0.15,
	AspectReference:    0.15,
	AspectBusinessRule: 0.15,
	AspectMetadata:     0.10,
}

// Weight returns the scoring weight of aspect a.
func Weight(a Aspect) float64 { return aspectWeights[a] }

// Scores summarizes an outcome.
//
//	completeness = w(completed) / w(enabled)
//	validity     = w(completed and valid) / w(enabled)
//	confidence   = completeness * (1 - 0.5 * w(degraded) / w(enabled))
//
// A result counts as completed whether it was computed or served from cache.
type Scores struct {
	Validity     float64
	Completeness float64
	Confidence   float64
}

func ComputeScores(enabled []Aspect, results []AspectResult) Scores {
	var total float64
	for _, a := range enabled {
		total += aspectWeights[a]
	}
	if total == 0 {
		return Scores{}
	}

	var executed, valid, degraded float64
	for _, r := range results {
		w := aspectWeights[r.Aspect]
		if r.Status != StatusCompleted {
			continue
		}
		executed += w
		if r.IsValid {
			valid += w
		}
		if r.Degraded {
			degraded += w
		}
	}

	completeness := executed / total
	confidence := completeness * (1 - 0.5*degraded/total)
	return Scores{
		Validity:     round4(valid / total),
		Completeness: round4(completeness),
		Confidence:   round4(math.Max(0, math.Min(1, confidence))),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
