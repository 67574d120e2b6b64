package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/slogger"
)

// DefaultMaxTransitions bounds the number of stage executions in one run.
const DefaultMaxTransitions = 100

// ErrTooManyTransitions is returned when a graph keeps cycling.
var ErrTooManyTransitions = errors.New("workflow exceeded the maximum number of stage transitions")

// StageFunc runs one stage against the current state and returns the
// partial update to merge. A returned error is recorded like a panic: the
// run continues with an error entry in the log.
type StageFunc[S State] func(ctx context.Context, state S) (*Update, error)

// Route picks the stage that follows another. It must be pure and total.
type Route[S State] func(state S) Stage

// Graph is a directed graph of stages over a run state type.
type Graph[S State] struct {
	start          Stage
	stages         map[Stage]StageFunc[S]
	edges          map[Stage]Route[S]
	maxTransitions int
	events         *forge.Emitter
	logger         slogger.Logger
}

func NewGraph[S State](start Stage) *Graph[S] {
	return &Graph[S]{
		start:          start,
		stages:         map[Stage]StageFunc[S]{},
		edges:          map[Stage]Route[S]{},
		maxTransitions: DefaultMaxTransitions,
		logger:         slogger.NewDevNullLogger(),
	}
}

// AddStage registers a stage.
func (g *Graph[S]) AddStage(name Stage, fn StageFunc[S]) *Graph[S] {
	g.stages[name] = fn
	return g
}

// AddEdge adds an unconditional edge.
func (g *Graph[S]) AddEdge(from, to Stage) *Graph[S] {
	g.edges[from] = func(S) Stage { return to }
	return g
}

// AddConditionalEdge routes from a stage using a decision function.
func (g *Graph[S]) AddConditionalEdge(from Stage, route Route[S]) *Graph[S] {
	g.edges[from] = route
	return g
}

// WithEvents sets the emitter used to report stage failures.
func (g *Graph[S]) WithEvents(events *forge.Emitter) *Graph[S] {
	g.events = events
	return g
}

func (g *Graph[S]) WithLogger(logger slogger.Logger) *Graph[S] {
	g.logger = slogger.OrDefault(logger)
	return g
}

// Start returns the start stage.
func (g *Graph[S]) Start() Stage {
	return g.start
}

// Names returns the names of all stages in the graph.
func (g *Graph[S]) Names() []Stage {
	names := make([]Stage, 0, len(g.stages))
	for name := range g.stages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (g *Graph[S]) Validate() error {
	if len(g.stages) == 0 {
		return fmt.Errorf("graph must have at least one stage")
	}
	if _, ok := g.stages[g.start]; !ok {
		return fmt.Errorf("start stage %q not found", g.start)
	}
	for name := range g.stages {
		if _, ok := g.edges[name]; !ok {
			return fmt.Errorf("stage %q has no outgoing edge", name)
		}
	}
	return nil
}

// Run executes stages sequentially from the start stage until a route
// returns End. Stage errors and panics never escape: they become error
// entries in the log. Cancellation is checked between stages.
func (g *Graph[S]) Run(ctx context.Context, state S) error {
	if err := g.Validate(); err != nil {
		return err
	}
	current := g.start
	for transitions := 0; current != End; transitions++ {
		if transitions >= g.maxTransitions {
			return ErrTooManyTransitions
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fn, ok := g.stages[current]
		if !ok {
			return fmt.Errorf("stage %q not found", current)
		}
		g.logger.Debug("running stage", "stage", current)
		update := g.invoke(ctx, current, fn, state)
		state.apply(update)
		current = g.edges[current](state)
	}
	return nil
}

func (g *Graph[S]) invoke(ctx context.Context, name Stage, fn StageFunc[S], state S) (update *Update) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("stage panicked", "stage", name, "error", fmt.Sprint(r), "stack", string(debug.Stack()))
			update = g.fail(ctx, name, fmt.Errorf("panic: %v", r))
		}
	}()
	update, err := fn(ctx, state)
	if err != nil {
		return g.fail(ctx, name, err)
	}
	if update == nil {
		update = &Update{CurrentNode: name}
	}
	return update
}

func (g *Graph[S]) fail(ctx context.Context, name Stage, err error) *Update {
	update := failure(name, err)
	g.logger.Error("stage failed", "stage", name, "error", err)
	g.events.Send(ctx, stageErrorEvent(name), *update.ErrorMessage, map[string]any{"stage": string(name)})
	return update
}

func stageErrorEvent(name Stage) forge.EventKind {
	switch name {
	case StagePlanner:
		return forge.EventPlannerError
	case StageBuilder:
		return forge.EventBuilderError
	}
	return forge.EventStageError
}
