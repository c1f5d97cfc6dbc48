package engine

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// phasePrompts are the system instructions per phase. Test-executing phases
// instruct the model to report the suite exit code on the last line so the
// executor can evaluate pass/fail.
var phasePrompts = map[core.PhaseName]string{
	core.PhasePlan:          "You are a senior engineer. Produce a concise implementation plan for the task: ordered steps, files touched, risks.",
	core.PhaseBuild:         "Implement the current plan step by step. Output the full contents of every changed file.",
	core.PhaseTest:          "Run the project's test suite against the implementation. Report results and finish with a line `exit_code=<n>`.",
	core.PhaseReview:        "Review the implementation against the plan. List defects ordered by severity, or state that none were found.",
	core.PhaseDeploy:        "Produce the deployment steps for this change and verify preconditions.",
	core.PhaseGenerateTests: "Write tests that capture the intended behavior of the task. The tests must fail against the current code.",
	core.PhaseVerifyRed:     "Run the newly generated tests against the unmodified code. Finish with a line `exit_code=<n>`.",
	core.PhaseVerifyGreen:   "Run the full test suite against the implementation. Finish with a line `exit_code=<n>`.",
	core.PhaseRefactor:      "Refactor the implementation for clarity without changing behavior. Output changed files.",
}

// buildRequest assembles the provider request for a phase from the task
// description and the transcript of completed phases.
func buildRequest(w *core.Workflow, phase core.PhaseName, transcript []phaseOutput, temperature float64, maxTokens int) core.Request {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(w.TaskDescription)
	sb.WriteString("\n")
	if w.IssueRef != "" {
		fmt.Fprintf(&sb, "Issue: %s\n", w.IssueRef)
	}
	for _, out := range transcript {
		fmt.Fprintf(&sb, "\n--- Output of %s ---\n%s\n", out.Name, out.Text)
	}

	return core.Request{
		Messages: []core.Message{
			{Role: "system", Content: phasePrompts[phase]},
			{Role: "user", Content: sb.String()},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// phaseOutput is one completed phase's response, carried forward as context.
type phaseOutput struct {
	Name core.PhaseName
	Text string
}

// estimateTokens approximates the token count of a request for the budget
// pre-check. Four characters per token is the usual rough cut.
func estimateTokens(req core.Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}
