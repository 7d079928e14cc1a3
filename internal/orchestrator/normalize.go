package orchestrator

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/revloop/internal/ranking"
	"github.com/revloop/pkg/models"
)

// rawFinding is the loosely-typed shape the agent emits from the
// normalization turn.
type rawFinding struct {
	Title      string  `json:"title"`
	FilePath   string  `json:"file_path"`
	StartLine  float64 `json:"start_line"`
	EndLine    float64 `json:"end_line"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
	IssueKey   string  `json:"issue_key"`
	Evidence   string  `json:"evidence"`
}

// parseFindings turns the agent's normalization message into findings for
// one persona. Malformed output is an expected condition, not a run
// failure: after a repair attempt, anything still unparseable yields zero
// findings. Entries missing title, file path, or issue key are dropped;
// confidence is clamped, lines floored to >= 1 with end >= start.
func parseFindings(message, role string) []models.Finding {
	payload := extractJSON(message)
	if payload == "" {
		return nil
	}

	var raws []rawFinding
	if err := json.Unmarshal([]byte(payload), &raws); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &raws) != nil {
			log.Warn().Str("role", role).Err(err).Msg("normalization output unparseable, recording zero findings")
			return nil
		}
	}

	findings := make([]models.Finding, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw.Title) == "" ||
			strings.TrimSpace(raw.FilePath) == "" ||
			strings.TrimSpace(raw.IssueKey) == "" {
			continue
		}

		start := int(math.Floor(raw.StartLine))
		if start < 1 {
			start = 1
		}
		end := int(math.Floor(raw.EndLine))
		if end < start {
			end = start
		}

		f := models.Finding{
			Role:       role,
			Severity:   normalizeSeverity(raw.Severity),
			Confidence: clamp01(raw.Confidence),
			FilePath:   strings.TrimSpace(raw.FilePath),
			StartLine:  start,
			EndLine:    end,
			Title:      strings.TrimSpace(raw.Title),
			IssueKey:   strings.TrimSpace(raw.IssueKey),
			Evidence:   strings.TrimSpace(raw.Evidence),
		}
		// Stable id derived from the fingerprint: duplicates across
		// personas converge on the same id before merging.
		f.ID = "f_" + ranking.DedupeKey(f)
		findings = append(findings, f)
	}
	return findings
}

// parseRiskNotes reads the patch turn's {"risk_notes": ...} message,
// falling back to a generic note when the agent did not emit valid JSON.
func parseRiskNotes(message string) string {
	const fallback = "No risk assessment provided by the agent."

	payload := extractJSON(message)
	if payload == "" {
		return fallback
	}

	var out struct {
		RiskNotes string `json:"risk_notes"`
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &out) != nil {
			return fallback
		}
	}
	if strings.TrimSpace(out.RiskNotes) == "" {
		return fallback
	}
	return strings.TrimSpace(out.RiskNotes)
}

// extractJSON strips Markdown fences and surrounding prose, returning the
// first JSON value in the message.
func extractJSON(message string) string {
	s := strings.TrimSpace(message)
	if s == "" {
		return ""
	}

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

func normalizeSeverity(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return models.SeverityCritical
	case "high":
		return models.SeverityHigh
	case "medium":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
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
