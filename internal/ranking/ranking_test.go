package ranking

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revloop/pkg/models"
)

func finding(id, role string, sev models.Severity, conf float64) models.Finding {
	return models.Finding{
		ID:         id,
		Role:       role,
		Severity:   sev,
		Confidence: conf,
		FilePath:   "internal/server/handler.go",
		StartLine:  42,
		EndLine:    45,
		Title:      "unchecked error return",
		IssueKey:   "unchecked-error",
		Evidence:   "err is discarded on line 43",
	}
}

func TestDedupeMergesSameFingerprint(t *testing.T) {
	a := finding("f1", "correctness", models.SeverityMedium, 0.6)
	b := finding("f2", "security", models.SeverityHigh, 0.9)
	b.Title = "unchecked error return allows auth bypass"

	merged := Dedupe([]models.Finding{a, b})
	require.Len(t, merged, 1)

	got := merged[0]
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, []string{"correctness", "security"}, got.SupportingRoles)
	assert.Equal(t, "unchecked error return allows auth bypass", got.Title)
	assert.Equal(t, "f1", got.ID)
}

func TestDedupeEqualLengthTitlesMergeOrderIndependently(t *testing.T) {
	a := finding("f1", "correctness", models.SeverityMedium, 0.6)
	b := finding("f2", "security", models.SeverityMedium, 0.6)
	a.Title = "handler ignores err"
	b.Title = "error is discarded."
	require.Equal(t, len(a.Title), len(b.Title))

	first := Dedupe([]models.Finding{a, b})
	second := Dedupe([]models.Finding{b, a})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "error is discarded.", first[0].Title)
	assert.Equal(t, first[0].Title, second[0].Title)
}

func TestDedupeDistinctKeysStaySeparate(t *testing.T) {
	a := finding("f1", "correctness", models.SeverityMedium, 0.6)
	b := finding("f2", "correctness", models.SeverityMedium, 0.6)
	b.FilePath = "internal/server/other.go"

	merged := Dedupe([]models.Finding{a, b})
	assert.Len(t, merged, 2)
}

func TestDedupeKeyNormalizesPathAndIssueKey(t *testing.T) {
	a := finding("f1", "correctness", models.SeverityLow, 0.5)
	b := a
	b.FilePath = "./internal/server/handler.go"
	b.IssueKey = "  Unchecked-Error "

	assert.Equal(t, DedupeKey(a), DedupeKey(b))
}

func TestScoreIsDeterministic(t *testing.T) {
	f := finding("f1", "security", models.SeverityHigh, 0.9)
	f.SupportingRoles = []string{"correctness", "security"}

	first := Score(f)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Score(f))
	}
	// 3*10 + 0.9*8 + 2*5 + 0.9
	assert.Equal(t, 48.1, first)
}

func TestScoreClampsConfidence(t *testing.T) {
	f := finding("f1", "correctness", models.SeverityLow, math.NaN())
	f.SupportingRoles = []string{"correctness"}
	assert.Equal(t, 10+0.0+5+0.6, Score(f))

	f.Confidence = 9.5
	assert.Equal(t, 10+8.0+5+0.6, Score(f))
}

func TestSeverityDominatesConfidence(t *testing.T) {
	a := finding("a", "correctness", models.SeverityCritical, 0.55)
	b := finding("b", "correctness", models.SeverityMedium, 0.95)
	b.FilePath = "cmd/main.go"

	ranked := Rank([]models.Finding{b, a})
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].ID)
	// severity 4*10 + confidence 0.55*8 = 44.4, plus one supporting role
	// and the correctness bonus.
	assert.Equal(t, 50.0, ranked[0].Score)
}

func TestRankIsOrderIndependent(t *testing.T) {
	base := []models.Finding{
		finding("f1", "correctness", models.SeverityMedium, 0.6),
		finding("f2", "security", models.SeverityHigh, 0.9),
		func() models.Finding {
			f := finding("f3", "maintainability", models.SeverityLow, 0.4)
			f.FilePath = "pkg/util/strings.go"
			f.IssueKey = "naming"
			return f
		}(),
		func() models.Finding {
			f := finding("f4", "security", models.SeverityCritical, 0.8)
			f.FilePath = "internal/auth/token.go"
			f.IssueKey = "hardcoded-secret"
			return f
		}(),
	}

	want := Rank(base)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Finding(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := Rank(shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rank output changed with input order (-want +got):\n%s", diff)
		}
	}
}

func TestRankTieBreaks(t *testing.T) {
	a := finding("aaa", "correctness", models.SeverityMedium, 0.6)
	b := finding("bbb", "correctness", models.SeverityMedium, 0.6)
	b.FilePath = "other/file.go"

	ranked := Rank([]models.Finding{b, a})
	require.Len(t, ranked, 2)
	assert.Equal(t, "aaa", ranked[0].ID)
}
