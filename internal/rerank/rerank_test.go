package rerank

import (
	"testing"
	"time"

	"github.com/quiverhq/quiverd/internal/config"
	"github.com/quiverhq/quiverd/internal/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConfig(t *testing.T) {
	t.Run("default is pure similarity", func(t *testing.T) {
		p, err := FromConfig(config.RerankConfig{})
		require.NoError(t, err)
		assert.Equal(t, PolicyPureSimilarity, p.Name())
	})

	t.Run("recency boosted", func(t *testing.T) {
		p, err := FromConfig(config.RerankConfig{
			Policy:   PolicyRecencyBoosted,
			HalfLife: config.Duration(180 * 24 * time.Hour),
			Weight:   0.2,
		})
		require.NoError(t, err)
		assert.Equal(t, PolicyRecencyBoosted, p.Name())
	})

	t.Run("tag weighted", func(t *testing.T) {
		p, err := FromConfig(config.RerankConfig{
			Policy:     PolicyTagWeighted,
			TagWeights: map[string]float64{"pinned": 0.1},
		})
		require.NoError(t, err)
		assert.Equal(t, PolicyTagWeighted, p.Name())
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, err := FromConfig(config.RerankConfig{Policy: "magic"})
		require.Error(t, err)
	})
}

func TestPureSimilarity(t *testing.T) {
	p := PureSimilarity{}
	md := metastore.Metadata{Tags: []string{"anything"}, CreatedAt: time.Now()}
	assert.Equal(t, 0.7, p.Score(0.7, md, time.Now()))
}

func TestRecencyBoosted(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 30 * 24 * time.Hour
	p := RecencyBoosted{HalfLife: halfLife, Weight: 0.2}

	t.Run("fresh item gets full boost", func(t *testing.T) {
		md := metastore.Metadata{CreatedAt: now}
		assert.InDelta(t, 0.8*0.5+0.2*1.0, p.Score(0.5, md, now), 1e-9)
	})

	t.Run("one half-life halves the boost", func(t *testing.T) {
		md := metastore.Metadata{CreatedAt: now.Add(-halfLife)}
		assert.InDelta(t, 0.8*0.5+0.2*0.5, p.Score(0.5, md, now), 1e-9)
	})

	t.Run("newer beats older at equal similarity", func(t *testing.T) {
		newer := metastore.Metadata{CreatedAt: now.Add(-24 * time.Hour)}
		older := metastore.Metadata{CreatedAt: now.Add(-365 * 24 * time.Hour)}
		assert.Greater(t, p.Score(0.5, newer, now), p.Score(0.5, older, now))
	})

	t.Run("zero timestamp gets neutral boost", func(t *testing.T) {
		md := metastore.Metadata{}
		assert.InDelta(t, 0.8*0.5+0.2*1.0, p.Score(0.5, md, now), 1e-9)
	})

	t.Run("monotone in similarity", func(t *testing.T) {
		md := metastore.Metadata{CreatedAt: now.Add(-90 * 24 * time.Hour)}
		assert.Greater(t, p.Score(0.9, md, now), p.Score(0.1, md, now))
	})
}

func TestTagWeighted(t *testing.T) {
	p := TagWeighted{Weights: map[string]float64{"pinned": 0.1, "official": 0.05}}
	now := time.Now()

	t.Run("boosts stack per matching tag", func(t *testing.T) {
		md := metastore.Metadata{Tags: []string{"pinned", "official", "other"}}
		assert.InDelta(t, 0.5+0.1+0.05, p.Score(0.5, md, now), 1e-9)
	})

	t.Run("no matching tags", func(t *testing.T) {
		md := metastore.Metadata{Tags: []string{"other"}}
		assert.Equal(t, 0.5, p.Score(0.5, md, now))
	})

	t.Run("monotone in similarity", func(t *testing.T) {
		md := metastore.Metadata{Tags: []string{"pinned"}}
		assert.Greater(t, p.Score(0.9, md, now), p.Score(0.1, md, now))
	})
}
