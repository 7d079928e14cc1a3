// Package ranking merges and orders review findings across personas.
// Everything here is pure: identical inputs produce identical outputs
// regardless of input order, so re-rendering a report is idempotent.
package ranking

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/revloop/pkg/models"
)

// Weights applied by Score. Severity dominates confidence so that a
// critical/low-confidence finding still outranks a medium/high-confidence
// one.
const (
	severityWeight   = 10.0
	confidenceWeight = 8.0
	supportWeight    = 5.0
)

var roleBonus = map[string]float64{
	"correctness":     0.6,
	"security":        0.9,
	"maintainability": 0.5,
}

// DedupeKey computes the content fingerprint used to merge duplicate
// findings across personas: normalized file path + line range + normalized
// issue key.
func DedupeKey(f models.Finding) string {
	path := strings.TrimPrefix(strings.TrimSpace(f.FilePath), "./")
	key := strings.ToLower(strings.TrimSpace(f.IssueKey))
	raw := path + "|" + strconv.Itoa(f.StartLine) + "|" + strconv.Itoa(f.EndLine) + "|" + key
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}

// Dedupe groups findings by fingerprint and merges each group into one
// record: severity and confidence take the maximum, supporting roles take
// the union, the longer title wins, evidence accumulates.
func Dedupe(findings []models.Finding) []models.Finding {
	groups := make(map[string]*models.Finding)
	order := make([]string, 0, len(findings))

	for _, f := range findings {
		f.Confidence = clamp01(f.Confidence)
		key := DedupeKey(f)
		existing, ok := groups[key]
		if !ok {
			merged := f
			merged.SupportingRoles = []string{f.Role}
			groups[key] = &merged
			order = append(order, key)
			continue
		}

		if f.Severity.Rank() > existing.Severity.Rank() {
			existing.Severity = f.Severity
		}
		// The merged role is the highest-bonus contributor, ties broken
		// lexically, so scoring never depends on arrival order.
		if roleBonus[f.Role] > roleBonus[existing.Role] ||
			(roleBonus[f.Role] == roleBonus[existing.Role] && f.Role < existing.Role) {
			existing.Role = f.Role
		}
		if f.Confidence > existing.Confidence {
			existing.Confidence = f.Confidence
		}
		if len(f.Title) > len(existing.Title) ||
			(len(f.Title) == len(existing.Title) && f.Title < existing.Title) {
			existing.Title = f.Title
		}
		if f.Evidence != "" && !strings.Contains(existing.Evidence, f.Evidence) {
			if existing.Evidence != "" {
				existing.Evidence += "\n"
			}
			existing.Evidence += f.Evidence
		}
		existing.SupportingRoles = addRole(existing.SupportingRoles, f.Role)
		// Keep the lexically smallest id so merged output is stable no
		// matter which duplicate arrived first.
		if f.ID < existing.ID {
			existing.ID = f.ID
		}
	}

	// Sort keys so output does not depend on input order; Rank re-sorts by
	// score anyway.
	sort.Strings(order)
	out := make([]models.Finding, 0, len(order))
	for _, key := range order {
		g := groups[key]
		sort.Strings(g.SupportingRoles)
		out = append(out, *g)
	}
	return out
}

// Score computes the deterministic priority score for one merged finding,
// rounded to 4 decimal places.
func Score(f models.Finding) float64 {
	s := float64(f.Severity.Rank())*severityWeight +
		clamp01(f.Confidence)*confidenceWeight +
		float64(len(f.SupportingRoles))*supportWeight +
		roleBonus[f.Role]
	return math.Round(s*10000) / 10000
}

// Rank dedupes, scores, and sorts findings: descending score, ties broken
// by descending confidence, remaining ties by ascending finding id.
func Rank(findings []models.Finding) []models.Finding {
	merged := Dedupe(findings)
	for i := range merged {
		merged[i].Score = Score(merged[i])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
	return merged
}

func addRole(roles []string, role string) []string {
	for _, r := range roles {
		if r == role {
			return roles
		}
	}
	return append(roles, role)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
