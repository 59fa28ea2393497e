// Package rerank holds the re-ranking policies applied after the
// metadata join.
//
// Every policy is an explicit, monotone combination of the similarity
// score with metadata signals: for a fixed item, a higher similarity
// never produces a lower final score. That keeps re-ranking testable and
// rules out hidden heuristic tuning.
package rerank

import (
	"fmt"
	"math"
	"time"

	"github.com/quiverhq/quiverd/internal/config"
	"github.com/quiverhq/quiverd/internal/metastore"
)

// Policy names accepted by FromConfig.
const (
	PolicyPureSimilarity = "pure_similarity"
	PolicyRecencyBoosted = "recency_boosted"
	PolicyTagWeighted    = "tag_weighted"
)

// Policy computes the final ranking score for one candidate.
type Policy interface {
	// Name returns the policy identifier for logs and config.
	Name() string

	// Score combines the similarity score with metadata signals.
	// now anchors time-dependent policies so a single request scores
	// every candidate against the same instant.
	Score(similarity float64, md metastore.Metadata, now time.Time) float64
}

// FromConfig builds the configured policy. Config validation has already
// checked the parameter ranges; this only dispatches.
func FromConfig(cfg config.RerankConfig) (Policy, error) {
	switch cfg.Policy {
	case PolicyPureSimilarity, "":
		return PureSimilarity{}, nil
	case PolicyRecencyBoosted:
		return RecencyBoosted{
			HalfLife: cfg.HalfLife.Duration(),
			Weight:   cfg.Weight,
		}, nil
	case PolicyTagWeighted:
		return TagWeighted{Weights: cfg.TagWeights}, nil
	default:
		return nil, fmt.Errorf("unknown rerank policy %q", cfg.Policy)
	}
}

// PureSimilarity ranks by the raw similarity score.
type PureSimilarity struct{}

func (PureSimilarity) Name() string { return PolicyPureSimilarity }

func (PureSimilarity) Score(similarity float64, _ metastore.Metadata, _ time.Time) float64 {
	return similarity
}

// RecencyBoosted blends similarity with an exponential freshness decay:
//
//	score = (1-w)*similarity + w*2^(-age/half_life)
//
// A brand-new item gets the full boost; one half-life later the boost is
// halved. Weight < 1 keeps the blend monotone in similarity.
type RecencyBoosted struct {
	HalfLife time.Duration
	Weight   float64
}

func (RecencyBoosted) Name() string { return PolicyRecencyBoosted }

func (p RecencyBoosted) Score(similarity float64, md metastore.Metadata, now time.Time) float64 {
	freshness := 1.0
	if !md.CreatedAt.IsZero() && p.HalfLife > 0 {
		age := now.Sub(md.CreatedAt)
		if age > 0 {
			freshness = math.Exp2(-age.Hours() / p.HalfLife.Hours())
		}
	}
	return (1-p.Weight)*similarity + p.Weight*freshness
}

// TagWeighted adds a fixed boost for each configured tag the item
// carries. Boosts are additive on top of similarity, so the combination
// stays monotone.
type TagWeighted struct {
	Weights map[string]float64
}

func (TagWeighted) Name() string { return PolicyTagWeighted }

func (p TagWeighted) Score(similarity float64, md metastore.Metadata, _ time.Time) float64 {
	score := similarity
	for _, tag := range md.Tags {
		score += p.Weights[tag]
	}
	return score
}
