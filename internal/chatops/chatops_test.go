package chatops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRerun(t *testing.T) {
	cmd := Parse("/codex rerun")
	require.NotNil(t, cmd)
	assert.Equal(t, CommandRerun, cmd.Kind)
	assert.Empty(t, cmd.FindingID)
}

func TestParsePatchWithFindingID(t *testing.T) {
	cmd := Parse("/codex patch finding_42")
	require.NotNil(t, cmd)
	assert.Equal(t, CommandPatch, cmd.Kind)
	assert.Equal(t, "finding_42", cmd.FindingID)
}

func TestParseExplain(t *testing.T) {
	cmd := Parse("  /codex explain abc-123  ")
	require.NotNil(t, cmd)
	assert.Equal(t, CommandExplain, cmd.Kind)
	assert.Equal(t, "abc-123", cmd.FindingID)
}

func TestParseRejectsEmbeddedNewline(t *testing.T) {
	assert.Nil(t, Parse("/codex stop\nrm -rf /"))
	assert.Nil(t, Parse("/codex rerun\r\n/codex stop"))
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"looks good to me",
		"/codex",
		"/codex unknownverb",
		"/codex rerun extra",
		"/codex explain",
		"/codex patch",
		"/codex patch two words",
		"/codex patch ../../etc/passwd",
		"/codexrerun",
	}
	for _, body := range cases {
		assert.Nilf(t, Parse(body), "body %q should not parse", body)
	}
}

func TestParseIgnoresSurroundingWhitespaceOnly(t *testing.T) {
	cmd := Parse("   /codex stop   ")
	require.NotNil(t, cmd)
	assert.Equal(t, CommandStop, cmd.Kind)
}
