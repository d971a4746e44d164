package policy

import (
	"fmt"
	"strings"
)

// Prompt renders the rule summary injected into every reasoning request.
func (r Rules) Prompt() string {
	var b strings.Builder
	b.WriteString("INVARIANT RULES - YOU MUST FOLLOW THESE AT ALL TIMES\n\n")

	b.WriteString("GIT RULES:\n")
	fmt.Fprintf(&b, "- Work on branch '%s' or feature branches matching: %s\n", r.Git.WorkingBranch, strings.Join(r.Git.AllowedBranchPatterns, ", "))
	fmt.Fprintf(&b, "- NEVER touch these branches: %s\n", strings.Join(r.Git.ProtectedBranches, ", "))
	blocked := r.Git.BlockedOperations
	if len(blocked) > 5 {
		blocked = blocked[:5]
	}
	fmt.Fprintf(&b, "- NEVER use: %s\n", strings.Join(blocked, ", "))
	b.WriteString("- Run tests before committing\n\n")

	b.WriteString("FILE RULES:\n")
	fmt.Fprintf(&b, "- You can ONLY write to: %s\n", strings.Join(r.Files.WritablePaths, ", "))
	fmt.Fprintf(&b, "- These are READ-ONLY: %s\n", strings.Join(r.Files.ReadOnlyPaths, ", "))
	fmt.Fprintf(&b, "- NEVER modify: %s\n", strings.Join(r.Files.ProtectedFiles, ", "))
	fmt.Fprintf(&b, "- Max file size: %dKB\n", r.Files.MaxFileSize/1024)
	if r.Files.ScanSecrets {
		b.WriteString("- NEVER write credentials, tokens or keys into files\n")
	}
	b.WriteString("\n")

	b.WriteString("EFFICIENCY RULES:\n")
	fmt.Fprintf(&b, "- Max %d tool calls per request\n\n", r.Execution.MaxToolCallsPerRequest)

	b.WriteString("COMMIT FORMAT:\n")
	b.WriteString("- Use format: [type] message (e.g., [feat] Add search filter)\n")
	fmt.Fprintf(&b, "- Types: %s\n\n", strings.Join(r.Quality.CommitTags, ", "))

	b.WriteString("Violating these rules will result in your action being BLOCKED.\n")
	return b.String()
}
