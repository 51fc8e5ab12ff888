package agent

import (
	"fmt"
	"strings"
	"time"

	"scribe/internal/config"
	"scribe/internal/types"
)

// basePersona anchors the system prompt. Composition order is fixed:
// persona, then folder instructions root to leaf (advisory before
// mandatory), then the tool catalog, then runtime context, then retrieved
// notes.
const basePersona = `You are scribe, an assistant working inside a personal markdown knowledge base.
Answer from the vault when it has the answer; search before claiming it does not.
When you change a note, write the complete new content. Never invent vault paths.`

// promptScene carries the runtime facts the model needs to ground its
// answers: where it is, when it is, and what it is running on.
type promptScene struct {
	Date      time.Time
	VaultRoot string
	NoteCount int
	Model     string
}

// composeSystemPrompt builds the system prompt for one run.
func composeSystemPrompt(chain []config.FolderConfig, tools []types.ToolDefinition, scene promptScene, context []types.ScoredChunk) string {
	var b strings.Builder
	b.WriteString(basePersona)

	writeInstructions(&b, chain, false)
	writeInstructions(&b, chain, true)

	if len(tools) > 0 {
		b.WriteString("\n\nTools available to you:")
		for _, td := range tools {
			kind := "read-only"
			if td.Mutating {
				kind = "mutating"
			}
			fmt.Fprintf(&b, "\n- %s (%s): %s", td.Name, kind, td.Description)
		}
	}

	fmt.Fprintf(&b, "\n\nToday is %s. The vault at %s has %d notes indexed. You are running as %s.",
		scene.Date.Format("Monday, 2 January 2006"), scene.VaultRoot, scene.NoteCount, scene.Model)

	if len(context) > 0 {
		b.WriteString("\n\nRelevant notes retrieved for this request:")
		for _, c := range context {
			fmt.Fprintf(&b, "\n\n--- %s ---\n%s", c.Path, c.Text)
		}
	}
	return b.String()
}

// writeInstructions appends the folder instruction chain root to leaf,
// filtered to one precedence tier. Mandatory rules come after advisory
// guidance so they read as overriding it.
func writeInstructions(b *strings.Builder, chain []config.FolderConfig, mandatory bool) {
	for _, fc := range chain {
		if fc.Mandatory != mandatory || strings.TrimSpace(fc.Instructions) == "" {
			continue
		}
		label := "Guidance"
		if fc.Mandatory {
			label = "Rules"
		}
		where := fc.Folder
		if where == "" {
			where = "vault root"
		}
		fmt.Fprintf(b, "\n\n%s from %s:\n%s", label, where, strings.TrimSpace(fc.Instructions))
	}
}
