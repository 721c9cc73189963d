package agent

import (
	"fmt"
	"strings"
)

// systemPrompt builds the instruction block sent on every backend call.
// It is stable for a given checkout so the API can cache it across turns.
func systemPrompt(repoPath, branch, commit string) string {
	var b strings.Builder
	b.WriteString(`You are a codebase analysis assistant. You answer questions about a software repository by reading its code through the tools available to you.

Guidelines:
- Ground every claim in code you have actually read through the tools. Never guess at file contents.
- Prefer targeted lookups (symbol search, file reads of specific ranges) over broad scans.
- Cite the relevant file paths (and symbols where useful) in your answer.
- If the question cannot be answered from this repository, say so plainly.
- Keep answers concise and concrete; quote short code excerpts only when they carry the answer.`)
	b.WriteString("\n\nRepository under analysis:\n")
	fmt.Fprintf(&b, "- checkout path: %s\n", repoPath)
	if branch != "" {
		fmt.Fprintf(&b, "- branch: %s\n", branch)
	}
	if commit != "" {
		fmt.Fprintf(&b, "- commit: %s\n", commit)
	}
	return b.String()
}

// roundsWarning is appended to a tool-result turn when the loop nears its
// iteration cap so the model wraps up instead of exploring further.
func roundsWarning(remaining int) string {
	return fmt.Sprintf("Note: only %d round(s) remain before this conversation is cut off. Finalize your answer with the information gathered so far instead of making further tool calls unless strictly necessary.", remaining)
}
