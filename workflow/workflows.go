package workflow

import (
	"context"

	"github.com/deepnoodle-ai/forge/slogger"
)

// RouteLinear follows the validator of the linear variant. It proceeds to
// the executor once validation passed or the retries are spent, so the
// builder runs at most MaxRetries+1 times.
func RouteLinear(s *LinearState) Stage {
	if s.ValidationPassed {
		return StageExecutor
	}
	if s.RetryCount-1 >= s.MaxRetries {
		return StageExecutor
	}
	return StageBuilder
}

// exhausted reports whether a gate may no longer send the run back.
func (s *TwoGateState) exhausted(category RetryCategory) bool {
	return s.Retries[category] >= s.MaxRetries || s.TotalRetries() >= s.GlobalRetryCap
}

// RouteAfterValidation follows the static gate. A gate that failed without
// a verdict, e.g. by panicking, does not send the run back.
func RouteAfterValidation(s *TwoGateState) Stage {
	if s.ValidationPassed || s.SentBack != RetryValidation || s.exhausted(RetryValidation) {
		return StageChecker
	}
	return StageBuilder
}

// RouteAfterCheck follows the runtime gate.
func RouteAfterCheck(s *TwoGateState) Stage {
	if s.RuntimePassed || s.SentBack != RetryRuntime || s.exhausted(RetryRuntime) {
		return End
	}
	return StageBuilder
}

func (d Deps) normalized() *Deps {
	d.Settings = d.Settings.withDefaults()
	d.Logger = slogger.OrDefault(d.Logger)
	return &d
}

// NewLinearGraph returns planner, builder, validator and executor, with the
// validator routing back to the builder while retries remain.
func NewLinearGraph(deps Deps) *Graph[*LinearState] {
	d := deps.normalized()
	return NewGraph[*LinearState](StagePlanner).
		WithEvents(d.Events).
		WithLogger(d.Logger).
		AddStage(StagePlanner, func(ctx context.Context, s *LinearState) (*Update, error) {
			return d.plan(ctx, s.Base())
		}).
		AddStage(StageBuilder, func(ctx context.Context, s *LinearState) (*Update, error) {
			return d.build(ctx, s.Base(), buildPass{attempt: s.RetryCount + 1, issues: s.CurrentIssues})
		}).
		AddStage(StageValidator, func(ctx context.Context, s *LinearState) (*Update, error) {
			return d.validatePage(ctx, s.Base())
		}).
		AddStage(StageExecutor, func(ctx context.Context, s *LinearState) (*Update, error) {
			return d.execute(ctx, s.Base())
		}).
		AddEdge(StagePlanner, StageBuilder).
		AddEdge(StageBuilder, StageValidator).
		AddConditionalEdge(StageValidator, RouteLinear).
		AddEdge(StageExecutor, End)
}

// NewTwoGateGraph returns planner, builder, a static validator and a runtime
// checker. Each gate sends the run back to the builder on its own budget.
func NewTwoGateGraph(deps Deps) *Graph[*TwoGateState] {
	d := deps.normalized()
	return NewGraph[*TwoGateState](StagePlanner).
		WithEvents(d.Events).
		WithLogger(d.Logger).
		AddStage(StagePlanner, func(ctx context.Context, s *TwoGateState) (*Update, error) {
			return d.plan(ctx, s.Base())
		}).
		AddStage(StageBuilder, func(ctx context.Context, s *TwoGateState) (*Update, error) {
			// The retry of a pending send-back is counted after this pass.
			pass := buildPass{attempt: s.TotalRetries() + 1}
			if s.SentBack != "" {
				pass.attempt++
				pass.validationErrors = s.CurrentErrors[RetryValidation]
				pass.runtimeErrors = s.CurrentErrors[RetryRuntime]
			}
			return d.build(ctx, s.Base(), pass)
		}).
		AddStage(StageValidator, func(ctx context.Context, s *TwoGateState) (*Update, error) {
			return d.validateCode(ctx, s.Base())
		}).
		AddStage(StageChecker, func(ctx context.Context, s *TwoGateState) (*Update, error) {
			return d.check(ctx, s.Base())
		}).
		AddEdge(StagePlanner, StageBuilder).
		AddEdge(StageBuilder, StageValidator).
		AddConditionalEdge(StageValidator, RouteAfterValidation).
		AddConditionalEdge(StageChecker, RouteAfterCheck)
}
