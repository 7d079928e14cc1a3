// Package render produces the Markdown bodies revloop posts to GitHub.
package render

import (
	"fmt"
	"strings"

	"github.com/revloop/pkg/models"
)

var severityGlyph = map[models.Severity]string{
	models.SeverityCritical: "🛑",
	models.SeverityHigh:     "🔴",
	models.SeverityMedium:   "🟠",
	models.SeverityLow:      "🟡",
}

// ReviewComment renders the consolidated report for one run: ranked
// findings plus any generated patches.
func ReviewComment(run models.Run, findings []models.Finding, patches map[string]models.Patch) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Revloop review — `%s`\n\n", shortSHA(run.HeadSHA))

	if len(findings) == 0 {
		b.WriteString("No actionable issues found. 🎉\n")
		fmt.Fprintf(&b, "\n<sub>run `%s` · `/codex rerun` to re-review</sub>\n", run.ID)
		return b.String()
	}

	fmt.Fprintf(&b, "%d finding(s), ranked by priority:\n\n", len(findings))
	b.WriteString("| # | Severity | Finding | Location | Personas |\n")
	b.WriteString("|---|----------|---------|----------|----------|\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "| %d | %s %s | %s (`%s`) | `%s` | %s |\n",
			i+1, severityGlyph[f.Severity], f.Severity, f.Title, f.ID,
			location(f), strings.Join(f.SupportingRoles, ", "))
	}
	b.WriteString("\n")

	for _, f := range findings {
		fmt.Fprintf(&b, "<details>\n<summary>%s %s — <code>%s</code></summary>\n\n", severityGlyph[f.Severity], f.Title, location(f))
		if f.Evidence != "" {
			fmt.Fprintf(&b, "%s\n\n", f.Evidence)
		}
		if patch, ok := patches[f.ID]; ok {
			b.WriteString(PatchSection(patch))
		}
		fmt.Fprintf(&b, "`/codex explain %s` · `/codex patch %s`\n\n</details>\n\n", f.ID, f.ID)
	}

	fmt.Fprintf(&b, "<sub>run `%s` · `/codex rerun` to re-review · `/codex stop` to cancel</sub>\n", run.ID)
	return b.String()
}

// PatchSection renders one patch's suggestion blocks as GitHub suggestion
// fences, or its status when no suggestion was produced.
func PatchSection(patch models.Patch) string {
	var b strings.Builder
	if patch.Status == models.PatchNoSuggestion || len(patch.Suggestions) == 0 {
		b.WriteString("_A fix was attempted but produced no usable suggestion; rerun or fix manually._\n\n")
		return b.String()
	}
	b.WriteString("**Proposed fix:**\n\n")
	for _, s := range patch.Suggestions {
		fmt.Fprintf(&b, "`%s` line %d:\n\n", s.FilePath, s.StartLine)
		fmt.Fprintf(&b, "```suggestion\n%s\n```\n\n", s.Body)
	}
	if patch.RiskNotes != "" {
		fmt.Fprintf(&b, "_Risk notes:_ %s\n\n", patch.RiskNotes)
	}
	return b.String()
}

// ExplainComment renders the fixed-format explanation for one finding.
func ExplainComment(f models.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s %s\n\n", severityGlyph[f.Severity], f.Title)
	fmt.Fprintf(&b, "- **Finding:** `%s`\n", f.ID)
	fmt.Fprintf(&b, "- **Location:** `%s`\n", location(f))
	fmt.Fprintf(&b, "- **Severity:** %s (confidence %.2f)\n", f.Severity, f.Confidence)
	fmt.Fprintf(&b, "- **Category:** `%s`\n", f.IssueKey)
	if len(f.SupportingRoles) > 0 {
		fmt.Fprintf(&b, "- **Flagged by:** %s\n", strings.Join(f.SupportingRoles, ", "))
	}
	if f.Evidence != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Evidence)
	}
	return b.String()
}

// PatchComment renders a republished existing patch for one finding.
func PatchComment(findingID string, patch models.Patch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Patch for `%s`\n\n", findingID)
	b.WriteString(PatchSection(patch))
	return b.String()
}

// NotFoundComment tells the requester that the referenced run or finding
// does not exist.
func NotFoundComment(what, id string) string {
	return fmt.Sprintf("Could not find %s `%s` — it may belong to an older run. Use `/codex rerun` to produce fresh findings.", what, id)
}

// NoPatchComment tells the requester that no patch exists yet.
func NoPatchComment(findingID string) string {
	return fmt.Sprintf("No patch has been generated for `%s` yet. Use `/codex rerun` to regenerate findings and patches.", findingID)
}

// FailureComment names the run and error so a failing run is never silent.
func FailureComment(runID string, err error) string {
	return fmt.Sprintf("⚠️ Review run `%s` failed: %v\n\nUse `/codex rerun` to retry.", runID, err)
}

func location(f models.Finding) string {
	if f.StartLine == f.EndLine {
		return fmt.Sprintf("%s:%d", f.FilePath, f.StartLine)
	}
	return fmt.Sprintf("%s:%d-%d", f.FilePath, f.StartLine, f.EndLine)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
