// Package brief renders the Context Brief (spec.md §4.9): a pure function
// of (working set, ledger tail, memory search results) to a deterministic
// markdown string. No example repo renders markdown, so this is a small
// standard-library pure function — a template engine would be overkill for
// seven fixed, unconditionally-ordered sections.
package brief

import (
	"fmt"
	"strings"

	"github.com/agentrun/contextd/pkg/types"
)

// Render produces the fixed-order markdown brief. ledgerTail and
// memoryResults may be nil; their sections are omitted entirely in that
// case rather than printed empty, so the output stays stable as callers
// opt in to more context.
func Render(ws *types.WorkingSet, ledgerTail []types.LedgerEvent, memoryResults []types.MemoryItem) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", ws.RunID)

	b.WriteString("## Objective\n\n")
	b.WriteString(ws.Objective)
	b.WriteString("\n\n")

	b.WriteString("## Acceptance Criteria\n\n")
	if len(ws.AcceptanceCriteria) == 0 {
		b.WriteString("_none_\n\n")
	} else {
		for _, c := range ws.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Constraints\n\n")
	if len(ws.Constraints) == 0 {
		b.WriteString("_none_\n\n")
	} else {
		for _, c := range ws.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Current Stage\n\n")
	fmt.Fprintf(&b, "%s\n\n", ws.CurrentStage)
	b.WriteString("**Next action:** ")
	b.WriteString(ws.NextAction)
	b.WriteString("\n\n")

	b.WriteString("## Pinned Context\n\n")
	renderItems(&b, ws.PinnedContext)

	b.WriteString("## Sliding Context\n\n")
	renderItems(&b, ws.SlidingContext)

	if len(ledgerTail) > 0 {
		b.WriteString("## Recent Ledger\n\n")
		for _, ev := range ledgerTail {
			fmt.Fprintf(&b, "- `%d` %s\n", ev.SequenceID, ev.EventType)
		}
		b.WriteString("\n")
	}

	if len(memoryResults) > 0 {
		b.WriteString("## Long-Term Memory\n\n")
		for _, m := range memoryResults {
			fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", m.Type, m.Content, m.Confidence)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func renderItems(b *strings.Builder, items []types.ContextItem) {
	if len(items) == 0 {
		b.WriteString("_none_\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- `%s` (priority %d): %s\n", item.ID, item.Priority, item.Content)
	}
	b.WriteString("\n")
}
