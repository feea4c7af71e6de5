package scheduler

import (
	"strings"

	"github.com/ajfrai/agent-queue/internal/store"
)

// buildSessionPrompt composes the agent CLI prompt from the task, its prior
// comment history (so a requeued, reviewer-rejected task sees the
// feedback), and fixed git/testing instructions.
func buildSessionPrompt(task *store.Task, comments []*store.Comment) string {
	var parts []string
	parts = append(parts, task.Title, task.Description)

	if len(comments) > 0 {
		var b strings.Builder
		b.WriteString("---\n## Comment history\n")
		for _, c := range comments {
			b.WriteString("[" + c.Author + "]: " + c.Content + "\n")
		}
		b.WriteString("\nThis task was previously attempted. A reviewer sent it back. " +
			"Address the feedback in the comments above, then continue.")
		parts = append(parts, b.String())
	}

	parts = append(parts, ""+
		"---\n"+
		"## Git rules\n"+
		"You are already on a dedicated branch in an isolated worktree. "+
		"Do NOT run git checkout, git branch, git commit, git push, "+
		"gh pr create, or any other git/gh commands. "+
		"The harness that launched you handles all git operations — "+
		"branching, committing, pushing, and PR creation happen automatically "+
		"after your session ends. Just write code, edit files, and run tests.")

	parts = append(parts, ""+
		"---\n"+
		"IMPORTANT: When you finish, end your response with a section titled "+
		"'## How to test' that explains step-by-step how to verify your changes work. "+
		"Include specific commands to run, URLs to visit, or steps to check. "+
		"A human will review before marking this task complete.")

	return strings.Join(parts, "\n\n")
}
