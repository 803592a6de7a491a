package narrative_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/vdm/internal/narrative"
)

func TestBuild_TurnConsolidatesActionsAndCoalesces(t *testing.T) {
	p := narrative.DefaultPrompts()
	prompt := p.Build(narrative.Request{
		Kind: narrative.KindTurn,
		History: []narrative.ContextMessage{
			{AuthorID: "narrator", AuthorName: "Dungeon Master", Content: "A door looms.", Narrator: true},
			{AuthorID: "alice", AuthorName: "Alice", Content: "I listen at the door"},
			{AuthorID: "bob", AuthorName: "Bob", Content: "  "},
		},
		Actions: []narrative.Action{
			{PlayerID: "alice", PlayerName: "Alice", Text: "draw sword"},
			{PlayerID: "bob", PlayerName: "Bob", Text: "open the door"},
		},
	})

	assert.Equal(t, p.System, prompt.System)
	require.Len(t, prompt.Turns, 3)
	assert.Equal(t, narrative.RoleUser, prompt.Turns[0].Role, "leading assistant turn is preceded by a user turn")
	assert.Equal(t, narrative.RoleAssistant, prompt.Turns[1].Role)
	assert.Equal(t, "A door looms.", prompt.Turns[1].Content)

	last := prompt.Turns[2]
	assert.Equal(t, narrative.RoleUser, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "[Alice]: I listen at the door\n\nHere are the actions"))
	assert.Contains(t, last.Content, "[Alice]: draw sword\n[Bob]: open the door\n")
	assert.True(t, strings.HasSuffix(last.Content, p.TurnInstruction))
}

func TestBuild_OpeningAndRecapUseTheirPrompts(t *testing.T) {
	p := narrative.DefaultPrompts()

	opening := p.Build(narrative.Request{Kind: narrative.KindOpening})
	assert.Equal(t, p.Setup, opening.System)
	require.Len(t, opening.Turns, 1)
	assert.Equal(t, p.OpeningRequest, opening.Turns[0].Content)

	recap := p.Build(narrative.Request{
		Kind:    narrative.KindRecap,
		History: []narrative.ContextMessage{{AuthorName: "Alice", Content: "We rest."}},
	})
	assert.Equal(t, p.Resume, recap.System)
	require.Len(t, recap.Turns, 1)
	assert.Equal(t, "[Alice]: We rest.\n\n"+p.RecapRequest, recap.Turns[0].Content)
}

func TestLoadPrompts_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system: Be terse.\nfallback_opening: Darkness.\n"), 0o600))

	p, err := narrative.LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", p.System)
	assert.Equal(t, "Darkness.", p.FallbackOpening)
	assert.Equal(t, narrative.DefaultPrompts().Setup, p.Setup)
}

func TestLoadPrompts_Errors(t *testing.T) {
	_, err := narrative.LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system: \"\"\nsetup: \"\"\n"), 0o600))
	_, err = narrative.LoadPrompts(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system must not be empty")
	assert.Contains(t, err.Error(), "setup must not be empty")
}
