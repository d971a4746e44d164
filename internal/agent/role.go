package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

// switchable are the roles an agent may take on for a while.
var switchable = map[domain.Role]bool{
	domain.RoleDeveloper: true,
	domain.RoleQA:        true,
	domain.RoleManager:   true,
	domain.RoleProduct:   true,
	domain.RoleScrum:     true,
}

var focus = map[domain.Role]string{
	domain.RoleManager: `PRIMARY FOCUS (manager role):
- Assign work based on team capacity and urgency
- Review changes and give concise, actionable feedback
- Make architectural calls and unblock teammates
If development or testing is behind, do that work yourself.`,

	domain.RoleProduct: `PRIMARY FOCUS (product role):
- Turn incoming tasks into small, actionable stories
- Define acceptance criteria
- Prioritise by value and effort
Keep stories short. Write code when development needs a hand.`,

	domain.RoleScrum: `PRIMARY FOCUS (scrum role):
- Coordinate the team and surface blockers
- Track progress across the board
Keep standups short. When facilitation is light, switch to development or QA.`,

	domain.RoleDeveloper: `PRIMARY FOCUS (developer role):
- Implement features and fix bugs in one pass where possible
- Work on feature branches with atomic, well-tagged commits
- Push and prepare pull requests
Write real, working code.`,

	domain.RoleQA: `PRIMARY FOCUS (QA role):
- Test implemented features against their acceptance criteria
- Verify fixes and look for regressions
When you find a bug you can fix, fix it instead of only reporting it.`,

	domain.RoleFlex: `PRIMARY FOCUS (flex role):
- Find the current bottleneck
- Switch to the role that clears it
- Contribute where it adds the most value`,
}

const toolCatalog = `TOOLS - invoke with <tool:NAME>arg1|arg2</tool>:

Files:
- readFile: filePath
- writeFile: filePath|content
- deleteFile: filePath
- listDir: dirPath (optional, defaults to .)
- mkdir: dirPath
- exists: filePath

Git:
- gitStatus
- gitAdd: files separated by spaces or | (or .)
- gitCommit: message ([type] description)
- gitLog: count (optional, defaults to 5)
- gitBranch
- gitCreateBranch: branchName
- gitCheckout: branchName
- gitMerge: branchName
- gitDeleteBranch: branchName
- gitPull
- gitFetch
- gitPush
- gitPushNewBranch: branchName
- gitPrepareForPR: branchName|description

Checks:
- runTests`

// systemPrompt renders the persona, tool catalog and shared context for the agent's
// current role.
func (a *Agent) systemPrompt(info any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a member of a software delivery team.\n\n", a.Name)
	fmt.Fprintf(&b, "PRIMARY ROLE: %s\nCURRENT ROLE: %s\n\n", a.PrimaryRole, a.CurrentRole)
	b.WriteString("Every request counts against a small daily quota: make each one produce real output. ")
	b.WriteString("You can perform any role the team needs.\n\n")
	b.WriteString(toolCatalog)
	b.WriteString("\n\n")
	if f, ok := focus[a.CurrentRole]; ok {
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	if info != nil {
		data, err := json.MarshalIndent(info, "", "  ")
		if err == nil {
			b.WriteString("Current context:\n")
			b.Write(data)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// roleFromText picks the first role keyword found in text, in the order
// developer, qa, product, scrum.
func roleFromText(text string) (domain.Role, bool) {
	lower := strings.ToLower(text)
	for _, r := range []domain.Role{domain.RoleDeveloper, domain.RoleQA, domain.RoleProduct, domain.RoleScrum} {
		if strings.Contains(lower, string(r)) {
			return r, true
		}
	}
	return "", false
}
