package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crewline/internal/domain"
)

// FocusAreas are the self-improvement themes rotated through when no focus is
// given.
var FocusAreas = []string{
	"code quality and readability",
	"documentation",
	"error handling",
	"performance",
	"UI/UX polish",
}

func (a *Agent) thinkAndAct(ctx context.Context, sessionID, prompt string, info any) (Outcome, error) {
	plan, err := a.Think(ctx, sessionID, prompt, info)
	if err != nil {
		return Outcome{}, err
	}
	return a.Act(ctx, plan)
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// ImplementTask asks the agent to deliver a backlog task end to end.
func (a *Agent) ImplementTask(ctx context.Context, sessionID string, task domain.Task, info any) (Outcome, error) {
	prompt := fmt.Sprintf(`Implement this task:

%s

Steps:
1. Create a feature branch if needed
2. Write the code with writeFile
3. Commit and push

Do the actual implementation.`, toJSON(map[string]any{
		"id":       task.ID,
		"title":    task.Description,
		"priority": task.Priority,
	}))
	return a.thinkAndAct(ctx, sessionID, prompt, info)
}

// DeriveStories turns task descriptions into stories. A response without a
// parseable stories payload yields no stories.
func (a *Agent) DeriveStories(ctx context.Context, sessionID string, descriptions []string) ([]domain.Story, error) {
	prompt := fmt.Sprintf(`Convert these tasks into actionable stories:

- %s

For each give a clear title, what needs to be built and how we will know it is done.

Output JSON: { "stories": [{ "id", "title", "description", "criteria", "priority" }] }`,
		strings.Join(descriptions, "\n- "))
	plan, err := a.Think(ctx, sessionID, prompt, nil)
	if err != nil || plan == nil {
		return nil, err
	}
	return ExtractStories(plan.Text), nil
}

// FacilitateStandup returns the standup summary, or "" when no request could
// be made.
func (a *Agent) FacilitateStandup(ctx context.Context, sessionID string, teamStatus any) (string, error) {
	prompt := fmt.Sprintf(`Quick standup summary.

Team status:
%s

Identify blockers, who needs help and today's priority. Keep it brief.`, toJSON(teamStatus))
	plan, err := a.Think(ctx, sessionID, prompt, nil)
	if err != nil || plan == nil {
		return "", err
	}
	return plan.Text, nil
}

func (a *Agent) PerformTesting(ctx context.Context, sessionID, feature string) (Outcome, error) {
	prompt := fmt.Sprintf(`Test this feature: %s

1. Use tools to examine the code
2. Run the tests
3. If you find bugs, fix them and commit the fixes

Report: { "passed": N, "failed": N, "fixed": N }`, feature)
	return a.thinkAndAct(ctx, sessionID, prompt, nil)
}

// AdaptRole asks where the team's bottleneck is and switches into the first
// role named in the answer. The current role is returned either way.
func (a *Agent) AdaptRole(ctx context.Context, sessionID string, teamStatus any, pending int) (domain.Role, error) {
	prompt := fmt.Sprintf(`Assess team needs.

Team status:
%s

Pending work: %d tasks

Where is the bottleneck? Which role should you take: developer, qa, product or scrum?
Name the role and explain briefly.`, toJSON(teamStatus), pending)
	plan, err := a.Think(ctx, sessionID, prompt, nil)
	if err != nil || plan == nil {
		return a.CurrentRole, err
	}
	if role, ok := roleFromText(plan.Text); ok {
		a.SwitchRole(role)
	}
	return a.CurrentRole, nil
}

// Contribute works on task in the agent's current role.
func (a *Agent) Contribute(ctx context.Context, sessionID string, task domain.Task) (Outcome, error) {
	prompt := fmt.Sprintf(`Complete this task in your current role (%s):

%s

Use tools to make real progress.`, a.CurrentRole, toJSON(task))
	return a.thinkAndAct(ctx, sessionID, prompt, nil)
}

// SelfImprove spends a request on improving existing code. An empty focus
// rotates through FocusAreas.
func (a *Agent) SelfImprove(ctx context.Context, sessionID, focus string) (Outcome, error) {
	if focus == "" {
		focus = FocusAreas[a.RequestsToday%len(FocusAreas)]
	}
	prompt := fmt.Sprintf(`Improve the codebase, focus: %s

1. List the directory to see what exists
2. Read the relevant files
3. Make meaningful, low-risk improvements
4. Commit the changes`, focus)
	return a.thinkAndAct(ctx, sessionID, prompt, nil)
}

// ExtractStories pulls {"stories":[...]} out of a free-form response. Code
// fences and surrounding prose are tolerated. Stories without an id get one.
func ExtractStories(text string) []domain.Story {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var payload struct {
		Stories []domain.Story `json:"stories"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil
	}
	stories := payload.Stories[:0]
	for _, s := range payload.Stories {
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.Description) == "" {
			continue
		}
		if s.ID == "" {
			s.ID = "story-" + uuid.NewString()[:8]
		}
		stories = append(stories, s)
	}
	return stories
}
