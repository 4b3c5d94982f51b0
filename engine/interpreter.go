package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/showrun/showrun"
	"github.com/showrun/showrun/replay"
	"github.com/showrun/showrun/snapshot"
)

// DefaultStepTimeout applies when a step declares no timeoutMs.
const DefaultStepTimeout = 30 * time.Second

// Interpreter executes one pack's flow against a RunState. Steps run
// strictly sequentially; the interpreter suspends only at browser actions,
// capture polls, HTTP replays, and sleeps.
type Interpreter struct {
	Pack   *showrun.TaskPack
	State  *RunState
	Events *showrun.EventWriter
	Logger *slog.Logger
	Tracer showrun.Tracer

	Replay    *replay.Engine
	Snapshots *snapshot.File

	// RecordSnapshots enables writing fresh snapshots for network_replay
	// steps executed in browser mode.
	RecordSnapshots bool
}

func (in *Interpreter) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Run drives the per-step loop. The context is the run's abort signal;
// step timeouts layer their own deadlines on top of it.
func (in *Interpreter) Run(ctx context.Context) error {
	for i := range in.Pack.Flow {
		step := &in.Pack.Flow[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		in.State.CurrentStepID = step.ID

		skipped, reason, err := in.shouldSkip(ctx, step)
		if err != nil {
			return in.failStep(ctx, i, step, err)
		}
		if skipped {
			in.logger().Info("step skipped", "step", step.ID, "reason", reason)
			in.Events.Emit(showrun.EventStepSkipped, map[string]any{
				"index": i + 1, "id": step.ID, "type": step.Type, "reason": reason,
			})
			continue
		}

		in.Events.Emit(showrun.EventStepStarted, map[string]any{
			"index": i + 1, "id": step.ID, "type": step.Type, "label": step.Label,
		})
		started := time.Now()

		err = in.executeWithTimeout(ctx, step)
		if err != nil {
			if step.Optional || step.OnError == showrun.OnErrorContinue {
				in.logger().Warn("step failed, continuing",
					"step", step.ID, "error", showrun.RedactError(err))
				in.Events.Emit(showrun.EventError, map[string]any{
					"id": step.ID, "error": showrun.RedactError(err), "fatal": false,
				})
				continue
			}
			if err = in.failStep(ctx, i, step, err); err != nil {
				return err
			}
			// Recovery succeeded; fall through to bookkeeping.
		}

		in.State.StepsExecuted++
		if step.Once != "" && in.State.Once != nil {
			in.State.Once.MarkExecuted(step.Once, step.ID)
		}
		in.Events.Emit(showrun.EventStepFinished, map[string]any{
			"index": i + 1, "id": step.ID, "type": step.Type,
			"durationMs": time.Since(started).Milliseconds(),
		})
	}
	return nil
}

// shouldSkip evaluates skip_if, the once cache, and HTTP-mode no-ops, in
// that order.
func (in *Interpreter) shouldSkip(ctx context.Context, step *showrun.Step) (bool, string, error) {
	if step.SkipIf != nil {
		hold, err := in.evalCondition(ctx, step.SkipIf)
		if err != nil {
			return false, "", err
		}
		if hold {
			return true, showrun.SkipReasonSkipIf, nil
		}
	}
	if step.Once != "" && in.State.Once != nil && in.State.Once.WasExecuted(step.Once, step.ID) {
		return true, showrun.SkipReasonOnce, nil
	}
	if in.State.Mode == ModeHTTP && showrun.HTTPSkippedSteps[step.Type] {
		return true, showrun.SkipReasonHTTPMode, nil
	}
	return false, "", nil
}

// executeWithTimeout layers the step deadline over the abort context and
// dispatches. sleep manages its own waiting against the abort signal only.
func (in *Interpreter) executeWithTimeout(ctx context.Context, step *showrun.Step) error {
	if step.Type == showrun.StepSleep {
		return in.stepSleep(ctx, step)
	}
	timeout := DefaultStepTimeout
	if step.TimeoutMs != nil {
		timeout = time.Duration(*step.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := in.dispatch(stepCtx, step)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &showrun.StepTimeoutError{StepID: step.ID, Timeout: timeout}
	}
	return err
}

func (in *Interpreter) dispatch(ctx context.Context, step *showrun.Step) error {
	span := in.span(ctx, step)
	defer span.End()

	var err error
	switch step.Type {
	case showrun.StepNavigate:
		err = in.stepNavigate(ctx, step)
	case showrun.StepWaitFor:
		err = in.stepWaitFor(ctx, step)
	case showrun.StepClick:
		err = in.stepClick(ctx, step)
	case showrun.StepFill:
		err = in.stepFill(ctx, step)
	case showrun.StepSelectOption:
		err = in.stepSelectOption(ctx, step)
	case showrun.StepPressKey:
		err = in.stepPressKey(ctx, step)
	case showrun.StepUploadFile:
		err = in.stepUploadFile(ctx, step)
	case showrun.StepExtractText:
		err = in.stepExtractText(ctx, step)
	case showrun.StepExtractAttribute:
		err = in.stepExtractAttribute(ctx, step)
	case showrun.StepExtractTitle:
		err = in.stepExtractTitle(ctx, step)
	case showrun.StepDomScrape:
		err = in.stepDomScrape(ctx, step)
	case showrun.StepAssert:
		err = in.stepAssert(ctx, step)
	case showrun.StepSetVar:
		err = in.stepSetVar(step)
	case showrun.StepNetworkFind:
		err = in.stepNetworkFind(ctx, step)
	case showrun.StepNetworkReplay:
		err = in.stepNetworkReplay(ctx, step)
	case showrun.StepNetworkExtract:
		err = in.stepNetworkExtract(step)
	case showrun.StepFrame:
		err = in.stepFrame(ctx, step)
	case showrun.StepNewTab:
		err = in.stepNewTab(ctx, step)
	case showrun.StepSwitchTab:
		err = in.stepSwitchTab(step)
	default:
		err = &showrun.ValidationError{Errors: []string{"unknown step type " + step.Type}}
	}
	if err != nil {
		span.Error(err)
	}
	return err
}

func (in *Interpreter) span(ctx context.Context, step *showrun.Step) showrun.Span {
	if in.Tracer == nil {
		return nopSpan{}
	}
	_, span := in.Tracer.Start(ctx, "step."+step.Type,
		showrun.StringAttr("step.id", step.ID))
	return span
}

type nopSpan struct{}

func (nopSpan) SetAttr(...showrun.SpanAttr)       {}
func (nopSpan) Event(string, ...showrun.SpanAttr) {}
func (nopSpan) Error(error)                       {}
func (nopSpan) End()                              {}

// failStep handles a fatal step error: attempt auth recovery when the
// failure looks auth-related and budget remains; otherwise the error stands.
// A nil return means recovery succeeded and the run continues.
func (in *Interpreter) failStep(ctx context.Context, index int, step *showrun.Step, stepErr error) error {
	m := in.State.Monitor
	if m == nil || !m.Enabled() {
		return stepErr
	}
	failure, ok := m.LatestFailure()
	if !ok {
		return stepErr
	}
	if m.IsLoginURL(failure.URL) || (in.State.Page != nil && m.IsLoginURL(in.State.Page.URL())) {
		// Recovering a failed login with the same login would loop.
		return stepErr
	}
	if !m.TryConsumeRecovery() {
		return &showrun.AuthFailureError{StepID: step.ID, URL: failure.URL, Status: failure.Status}
	}

	in.logger().Info("auth recovery started", "step", step.ID, "failureStatus", failure.Status)
	in.Events.Emit(showrun.EventAuthRecoveryStarted, map[string]any{
		"failedStep": step.ID, "status": failure.Status,
	})

	recoverErr := in.rerunOnceSteps(ctx)
	var retryErr error
	if recoverErr == nil {
		retryErr = in.retryStep(ctx, step, m.MaxStepRetry(), m.Cooldown())
	} else {
		retryErr = recoverErr
	}

	in.Events.Emit(showrun.EventAuthRecoveryFinished, map[string]any{
		"failedStep": step.ID, "success": retryErr == nil,
	})
	if retryErr != nil {
		return &showrun.AuthFailureError{StepID: step.ID, URL: failure.URL, Status: failure.Status}
	}
	return nil
}

// rerunOnceSteps re-executes the once-tagged steps in flow order to
// re-establish auth. The once cache is bypassed on purpose.
func (in *Interpreter) rerunOnceSteps(ctx context.Context) error {
	for i := range in.Pack.Flow {
		step := &in.Pack.Flow[i]
		if step.Once == "" {
			continue
		}
		if err := in.executeWithTimeout(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) retryStep(ctx context.Context, step *showrun.Step, attempts int, cooldown time.Duration) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cooldown > 0 && attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cooldown):
			}
		}
		if err = in.executeWithTimeout(ctx, step); err == nil {
			return nil
		}
	}
	if err == nil {
		err = context.DeadlineExceeded
	}
	return err
}

// evalCondition evaluates a skip_if tree against the current page and vars.
func (in *Interpreter) evalCondition(ctx context.Context, c *showrun.Condition) (bool, error) {
	if c == nil {
		return false, nil
	}
	if len(c.All) > 0 {
		for i := range c.All {
			hold, err := in.evalCondition(ctx, &c.All[i])
			if err != nil || !hold {
				return false, err
			}
		}
		return true, nil
	}
	if len(c.Any) > 0 {
		for i := range c.Any {
			hold, err := in.evalCondition(ctx, &c.Any[i])
			if err != nil {
				return false, err
			}
			if hold {
				return true, nil
			}
		}
		return false, nil
	}

	switch {
	case c.URLIncludes != "":
		return in.State.Page != nil && containsURL(in.State.Page.URL(), c.URLIncludes), nil
	case c.URLMatches != "":
		return in.State.Page != nil && matchesURL(in.State.Page.URL(), c.URLMatches), nil
	case c.ElementVisible != nil:
		if in.State.Page == nil {
			return false, nil
		}
		res, err := Resolve(ctx, in.State.Page, &c.ElementVisible.Target, nil, nil)
		if err != nil || res.MatchedCount == 0 {
			return false, nil
		}
		visible, err := res.Locator.First().IsVisible(ctx)
		return err == nil && visible, nil
	case c.ElementExists != nil:
		if in.State.Page == nil {
			return false, nil
		}
		res, err := Resolve(ctx, in.State.Page, &c.ElementExists.Target, nil, nil)
		return err == nil && res.MatchedCount > 0, nil
	case c.VarEquals != nil:
		v, _ := in.State.Var(c.VarEquals.Name)
		return showrun.VarValueEquals(v, c.VarEquals.Value), nil
	case c.VarTruthy != "":
		v, ok := in.State.Var(c.VarTruthy)
		return showrun.VarTruthiness(v, ok), nil
	case c.VarFalsy != "":
		v, ok := in.State.Var(c.VarFalsy)
		return !showrun.VarTruthiness(v, ok), nil
	}
	return false, nil
}
