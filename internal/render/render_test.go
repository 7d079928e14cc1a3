package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/revloop/pkg/models"
)

func sampleRun() models.Run {
	return models.Run{ID: "run-1", HeadSHA: "abcdef1234567890"}
}

func TestReviewCommentEmptyFindings(t *testing.T) {
	body := ReviewComment(sampleRun(), nil, nil)
	assert.Contains(t, body, "No actionable issues found")
	assert.Contains(t, body, "run-1")
}

func TestReviewCommentListsFindingsInOrder(t *testing.T) {
	findings := []models.Finding{
		{ID: "f1", Title: "first", Severity: models.SeverityCritical, FilePath: "a.go", StartLine: 1, EndLine: 1, SupportingRoles: []string{"security"}},
		{ID: "f2", Title: "second", Severity: models.SeverityLow, FilePath: "b.go", StartLine: 2, EndLine: 4, SupportingRoles: []string{"correctness", "maintainability"}},
	}
	body := ReviewComment(sampleRun(), findings, nil)
	assert.Contains(t, body, "2 finding(s)")
	assert.Less(t, strings.Index(body, "first"), strings.Index(body, "second"))
	assert.Contains(t, body, "b.go:2-4")
	assert.Contains(t, body, "/codex explain f1")
}

func TestReviewCommentIncludesPatchSuggestion(t *testing.T) {
	findings := []models.Finding{
		{ID: "f1", Title: "bug", Severity: models.SeverityHigh, FilePath: "a.go", StartLine: 3, EndLine: 3},
	}
	patches := map[string]models.Patch{
		"f1": {
			FindingID: "f1",
			Status:    models.PatchReady,
			Suggestions: []models.SuggestionBlock{
				{FilePath: "a.go", StartLine: 3, EndLine: 3, Body: "fixed := true"},
			},
			RiskNotes: "low risk",
		},
	}
	body := ReviewComment(sampleRun(), findings, patches)
	assert.Contains(t, body, "```suggestion\nfixed := true\n```")
	assert.Contains(t, body, "low risk")
}

func TestPatchSectionNoSuggestion(t *testing.T) {
	section := PatchSection(models.Patch{Status: models.PatchNoSuggestion})
	assert.Contains(t, section, "no usable suggestion")
}

func TestExplainComment(t *testing.T) {
	body := ExplainComment(models.Finding{
		ID: "f9", Title: "race condition", Severity: models.SeverityHigh,
		Confidence: 0.85, FilePath: "w.go", StartLine: 10, EndLine: 12,
		IssueKey: "data-race", SupportingRoles: []string{"correctness"},
		Evidence: "counter incremented without lock",
	})
	assert.Contains(t, body, "race condition")
	assert.Contains(t, body, "w.go:10-12")
	assert.Contains(t, body, "0.85")
	assert.Contains(t, body, "counter incremented without lock")
}

func TestFailureCommentNamesRun(t *testing.T) {
	body := FailureComment("run-7", assert.AnError)
	assert.Contains(t, body, "run-7")
	assert.Contains(t, body, assert.AnError.Error())
}
