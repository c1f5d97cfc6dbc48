package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
	"github.com/hugo-lorenzo-mato/devflow/internal/events"
	"github.com/hugo-lorenzo-mato/devflow/internal/router"
)

// runWorkflow sequences a workflow's phases. Pause is honored only at phase
// boundaries; cancellation is observed at every suspension point.
func (e *Engine) runWorkflow(ctx context.Context, sup *supervisor, w *core.Workflow, startIndex int, transcript []phaseOutput) {
	// Finalization writes outlive the run context; a cancelled workflow must
	// still commit its terminal row.
	finCtx := context.Background()

	plan := core.PlanFor(w.Kind)
	for i := startIndex; i < len(plan); i++ {
		if ctx.Err() != nil {
			e.handleInterrupt(finCtx, sup, ctx, w.ID)
			return
		}
		if sup.pauseRequested() {
			if _, err := e.transition(finCtx, w.ID, core.WorkflowStateRunning, core.WorkflowStatePaused, nil); err != nil {
				e.logger.Error("pausing workflow", "workflow_id", w.ID, "error", err)
				return
			}
			e.stashTranscript(w.ID, transcript)
			e.emit(finCtx, events.NewWorkflowPaused(w.ID, plan[i]))
			return
		}

		out, err := e.executePhase(ctx, w, plan[i], i, transcript)
		if err != nil {
			if core.IsCategory(err, core.ErrCatCancelled) {
				e.handleInterrupt(finCtx, sup, ctx, w.ID)
				return
			}
			if core.IsCategory(err, core.ErrCatInternal) {
				e.emit(finCtx, events.NewErrorOccurred(w.ID, err.Error()))
				e.finalize(finCtx, w.ID, core.WorkflowStateFailed, 1, "internal")
				return
			}
			e.finalize(finCtx, w.ID, core.WorkflowStateFailed, 1, domainMessage(err))
			return
		}
		if out != "" {
			transcript = append(transcript, phaseOutput{Name: plan[i], Text: out})
		}
	}

	e.finalize(finCtx, w.ID, core.WorkflowStateCompleted, 0, "")
}

// handleInterrupt distinguishes explicit cancellation, workflow timeout and
// process shutdown once the run context has been cancelled.
func (e *Engine) handleInterrupt(finCtx context.Context, sup *supervisor, runCtx context.Context, id core.WorkflowID) {
	sup.mu.Lock()
	reason := sup.cancelReason
	sup.mu.Unlock()

	switch {
	case reason != "":
		e.finalize(finCtx, id, core.WorkflowStateCancelled, 1, reason)
	case runCtx.Err() == context.DeadlineExceeded:
		e.finalize(finCtx, id, core.WorkflowStateFailed, 1, "timeout")
	case runCtx.Err() == nil:
		// The run context is live, so the interruption came from a narrower
		// scope such as the phase deadline.
		e.finalize(finCtx, id, core.WorkflowStateFailed, 1, "timeout")
	default:
		// Shutdown: leave the row running, the recovery scan handles it.
	}
}

// executePhase drives one phase through its attempts. It returns the final
// response text on success, or an error classified for the workflow policy.
func (e *Engine) executePhase(ctx context.Context, w *core.Workflow, name core.PhaseName, index int, transcript []phaseOutput) (string, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	defer cancel()

	finCtx := context.Background()
	phase := core.NewPhase(w.ID, name, index, e.opts.DefaultMaxAttempts)

	// A resumed workflow may already have attempt rows for this phase, for
	// example after crash recovery marked one interrupted. Numbering continues
	// where it left off.
	existing, err := e.store.ListPhases(finCtx, w.ID)
	if err != nil {
		return "", core.ErrInternal("PHASE_LIST", "listing prior attempts").WithCause(err)
	}
	for _, prior := range existing {
		if prior.Name == name && prior.Attempt >= phase.Attempt {
			phase.Attempt = prior.Attempt + 1
		}
	}

	for {
		if err := e.store.CreatePhase(finCtx, phase); err != nil {
			return "", core.ErrInternal("PHASE_INSERT", "inserting phase row").WithCause(err)
		}
		w.PhaseCount++

		now := time.Now().UTC()
		phase.State = core.PhaseStateRunning
		phase.StartedAt = &now
		if err := e.store.UpdatePhase(finCtx, phase); err != nil {
			return "", core.ErrInternal("PHASE_UPDATE", "starting phase row").WithCause(err)
		}
		e.emit(finCtx, events.NewPhaseStarted(w.ID, name, phase.Attempt))

		text, exitCode, attemptErr := e.runAttempt(phaseCtx, w, phase, transcript)

		end := time.Now().UTC()
		phase.CompletedAt = &end
		duration := end.Sub(*phase.StartedAt).Seconds()
		phase.DurationSeconds = &duration
		phase.ExitCode = &exitCode
		w.LastActivityAt = end

		if attemptErr == nil {
			phase.State = core.PhaseStateCompleted
			if err := e.persistAttempt(finCtx, w, phase); err != nil {
				return "", err
			}
			e.emit(finCtx, events.NewPhaseCompleted(w.ID, name, phase.Attempt, duration))
			return text, nil
		}

		phase.State = core.PhaseStateFailed
		phase.ErrorMessage = domainMessage(attemptErr)

		retryable := core.IsRetryable(attemptErr) &&
			!core.IsCategory(attemptErr, core.ErrCatCancelled) &&
			phase.CanRetry() &&
			phaseCtx.Err() == nil

		skipOptional := !retryable && core.OptionalPhase(name) &&
			!core.IsCategory(attemptErr, core.ErrCatCancelled)
		if skipOptional {
			phase.State = core.PhaseStateSkipped
		}

		if err := e.persistAttempt(finCtx, w, phase); err != nil {
			return "", err
		}
		e.emit(finCtx, events.NewPhaseFailed(w.ID, name, phase.Attempt, phase.ErrorMessage))

		if skipOptional {
			e.logger.Warn("optional phase skipped", "workflow_id", w.ID, "phase", name, "error", attemptErr)
			return "", nil
		}
		if !retryable {
			return "", attemptErr
		}

		hint, _ := core.RetryAfter(attemptErr)
		delay := e.retry.Delay(phase.Attempt, hint)
		e.logger.Info("retrying phase",
			"workflow_id", w.ID, "phase", name, "attempt", phase.Attempt, "backoff", delay)
		if err := e.retry.Sleep(phaseCtx, delay); err != nil {
			return "", err
		}

		w.RetryCount++
		phase = phase.NextAttempt()
	}
}

// runAttempt performs one provider invocation for a phase attempt: routing,
// budget pre-check, the call itself, usage accounting and outcome evaluation.
func (e *Engine) runAttempt(ctx context.Context, w *core.Workflow, phase *core.Phase, transcript []phaseOutput) (string, int, error) {
	decision := e.router.Route(router.Key{
		Phase:    phase.Name,
		Kind:     w.Kind,
		ModelSet: w.ModelSet,
		Tags:     w.Tags,
	})

	req := buildRequest(w, phase.Name, transcript, decision.Temperature, decision.MaxTokens)

	projected, err := e.projectedCost(decision, req)
	if err != nil {
		return "", 1, err
	}
	if err := e.tracker.Check(w.ID, projected); err != nil {
		return "", 1, err
	}

	var (
		text      string
		tokensIn  int
		tokensOut int
		costUSD   float64
		requests  int
	)

	if decision.UseConsensus {
		result, err := e.consensus.Run(ctx, decision.Consensus, req)
		if err != nil {
			return "", 1, err
		}
		text = result.Final.Text
		tokensIn, tokensOut = result.TotalTokens()
		costUSD = result.TotalCostUSD()
		requests = len(result.All)
	} else {
		client, err := e.registry.Get(decision.Provider)
		if err != nil {
			return "", 1, err
		}
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		req.Model = decision.Model
		resp, callErr := client.Execute(callCtx, req)
		cancel()
		if callErr != nil {
			return "", 1, callErr
		}
		text = resp.Text
		tokensIn = resp.TokensIn
		tokensOut = resp.TokensOut
		costUSD = resp.CostUSD
		if costUSD == 0 {
			costUSD = client.CostEstimate(tokensIn, tokensOut, resp.Model)
		}
		requests = 1
	}

	phase.LLMRequests += requests
	phase.TokensIn += tokensIn
	phase.TokensOut += tokensOut
	phase.CostUSD += costUSD
	w.CostUSD += costUSD
	w.TotalTokens += tokensIn + tokensOut

	if warn := e.tracker.Add(w.ID, costUSD, tokensIn+tokensOut); warn && w.BudgetUSD != nil {
		spent, _ := e.tracker.Totals(w.ID)
		e.emit(context.Background(), events.NewBudgetWarning(w.ID, spent, *w.BudgetUSD))
	}

	exitCode, evalErr := evaluateOutcome(phase.Name, text)
	if evalErr != nil {
		return "", exitCode, evalErr
	}
	return text, exitCode, nil
}

// persistAttempt writes the phase row and then the workflow usage totals.
func (e *Engine) persistAttempt(ctx context.Context, w *core.Workflow, phase *core.Phase) error {
	if err := e.store.UpdatePhase(ctx, phase); err != nil {
		return core.ErrInternal("PHASE_UPDATE", "persisting phase attempt").WithCause(err)
	}
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return core.ErrInternal("WORKFLOW_UPDATE", "persisting workflow usage").WithCause(err)
	}
	return nil
}

// projectedCost estimates the spend of the next call for the budget check.
func (e *Engine) projectedCost(decision router.Decision, req core.Request) (float64, error) {
	promptTokens := estimateTokens(req)
	maxOut := decision.MaxTokens
	if maxOut <= 0 {
		maxOut = 1024
	}

	if !decision.UseConsensus {
		client, err := e.registry.Get(decision.Provider)
		if err != nil {
			return 0, err
		}
		return client.CostEstimate(promptTokens, maxOut, decision.Model), nil
	}

	profile, err := e.consensus.Profile(decision.Consensus)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, part := range profile.Participants {
		client, err := e.registry.Get(part.Provider)
		if err != nil {
			return 0, err
		}
		sum += client.CostEstimate(promptTokens, maxOut, part.Model)
	}
	return sum, nil
}

// evaluateOutcome applies the per-phase result policy. Test-executing phases
// report a suite exit code in their response; verify_red inverts the usual
// pass criterion.
func evaluateOutcome(name core.PhaseName, text string) (int, error) {
	switch name {
	case core.PhaseVerifyRed:
		exit := parseExitCode(text)
		if exit == 0 {
			return 0, core.ErrExecution("RED_PHASE_PASSED", "tests unexpectedly passed in red phase")
		}
		return exit, nil
	case core.PhaseTest, core.PhaseVerifyGreen:
		exit := parseExitCode(text)
		if exit != 0 {
			return exit, core.ErrExecution("TESTS_FAILED", fmt.Sprintf("tests failed (exit %d)", exit))
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// parseExitCode extracts the trailing `exit_code=<n>` marker. A response
// without the marker reports success.
func parseExitCode(text string) int {
	const marker = "exit_code="
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return 0
	}
	rest := text[idx+len(marker):]
	end := 0
	for end < len(rest) && (rest[end] == '-' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return code
}

// domainMessage prefers the structured message over the full error chain for
// user-visible fields.
func domainMessage(err error) string {
	var dom *core.DomainError
	if errors.As(err, &dom) {
		return dom.Message
	}
	return err.Error()
}
