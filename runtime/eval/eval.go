// Package eval runs a task over a dataset with one traced session per
// datapoint and scores each output with evaluators.
package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"goa.design/goa-trace/runtime/event"
	"goa.design/goa-trace/runtime/telemetry"
	"goa.design/goa-trace/runtime/tracer"
)

type (
	// Datapoint is one row of a dataset.
	Datapoint struct {
		// Inputs are passed to the task and recorded as session and span inputs.
		Inputs map[string]any
		// GroundTruth is the expected output handed to evaluators.
		GroundTruth map[string]any
		// Metadata is merged into the session metadata.
		Metadata map[string]any
	}

	// Task computes the output of one datapoint.
	Task func(ctx context.Context, inputs map[string]any) (any, error)

	// Evaluator scores a task output. Its result is recorded as the session
	// metric named Name.
	Evaluator struct {
		Name string
		Fn   func(ctx context.Context, output any, dp Datapoint) (any, error)
	}

	// Experiment describes an evaluation run.
	Experiment struct {
		Name       string
		Dataset    []Datapoint
		Task       Task
		Evaluators []Evaluator
		// Concurrency bounds the number of datapoints processed at once.
		// Defaults to 1.
		Concurrency int
	}

	// DatapointResult is the outcome of one datapoint.
	DatapointResult struct {
		Index     int
		SessionID string
		Output    any
		// Err is the task error, if any. Evaluators are skipped when set.
		Err error
		// Metrics holds the evaluator results keyed by evaluator name.
		Metrics map[string]any
	}

	// Result is the outcome of Run. Datapoints are in dataset order.
	Result struct {
		RunID      string
		Name       string
		Datapoints []DatapointResult
	}

	// Option configures Run.
	Option func(*options)

	options struct {
		logger telemetry.Logger
		newID  func() string
	}
)

var (
	// ErrNoTask is returned when the experiment has no task.
	ErrNoTask = errors.New("eval: experiment has no task")
	// ErrNoTracer is returned when Run is called with a nil tracer.
	ErrNoTracer = errors.New("eval: tracer is required")
)

// WithLogger sets the logger used to report task and evaluator failures.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) Option {
	return func(o *options) { o.newID = func() string { return id } }
}

// Failed returns the number of datapoints whose task failed.
func (r *Result) Failed() int {
	n := 0
	for _, dp := range r.Datapoints {
		if dp.Err != nil {
			n++
		}
	}
	return n
}

// Run processes every datapoint of exp. Task and evaluator failures are
// recorded per datapoint and never abort the run. Run returns an error only
// when the experiment is invalid or ctx is canceled; in the latter case the
// result holds the datapoints processed so far. The tracer is flushed before
// Run returns.
func Run(ctx context.Context, tr *tracer.Tracer, exp Experiment, opts ...Option) (*Result, error) {
	if tr == nil {
		return nil, ErrNoTracer
	}
	if exp.Task == nil {
		return nil, ErrNoTask
	}
	o := options{logger: telemetry.NewClueLogger(), newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	limit := exp.Concurrency
	if limit <= 0 {
		limit = 1
	}
	res := &Result{
		RunID:      o.newID(),
		Name:       exp.Name,
		Datapoints: make([]DatapointResult, len(exp.Dataset)),
	}
	r := runner{exp: exp, runID: res.RunID, tracer: tr, logger: o.logger}

	var g errgroup.Group
	g.SetLimit(limit)
	processed := make([]bool, len(exp.Dataset))
	for i := range exp.Dataset {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res.Datapoints[i] = r.datapoint(ctx, i)
			processed[i] = true
			return nil
		})
	}
	_ = g.Wait()

	if err := tr.Flush(ctx); err != nil {
		return trim(res, processed), err
	}
	if err := ctx.Err(); err != nil {
		return trim(res, processed), err
	}
	o.logger.Info(ctx, "evaluation run complete", "run_id", res.RunID, "datapoints", len(res.Datapoints), "failed", res.Failed())
	return res, nil
}

type runner struct {
	exp    Experiment
	runID  string
	tracer *tracer.Tracer
	logger telemetry.Logger
}

func (r runner) datapoint(ctx context.Context, i int) DatapointResult {
	dp := r.exp.Dataset[i]
	name := r.exp.Name
	if name == "" {
		name = "evaluation"
	}
	sctx, sess := r.tracer.StartSession(ctx, fmt.Sprintf("%s #%d", name, i),
		tracer.WithSessionMetadata(dp.Metadata),
		tracer.WithSessionMetadata(map[string]any{"run_id": r.runID, "datapoint_index": i}),
		tracer.WithSessionInputs(dp.Inputs),
	)
	defer func() {
		// Close only flushes; its error is ctx's.
		_ = sess.Close(context.WithoutCancel(ctx))
	}()

	out := DatapointResult{Index: i, SessionID: sess.ID()}
	out.Output, out.Err = tracer.Call(sctx, "task", func(ctx context.Context) (any, error) {
		return r.exp.Task(ctx, dp.Inputs)
	}, tracer.WithInputs(dp.Inputs))
	if out.Err != nil {
		r.logger.Warn(ctx, "task failed", "run_id", r.runID, "datapoint_index", i, "err", out.Err)
		sess.Enrich(tracer.SetMetadata(map[string]any{"error": out.Err.Error()}))
		return out
	}

	out.Metrics = make(map[string]any, len(r.exp.Evaluators))
	for _, ev := range r.exp.Evaluators {
		if ev.Fn == nil {
			continue
		}
		score, err := tracer.Call(sctx, ev.Name, func(ctx context.Context) (any, error) {
			return ev.Fn(ctx, out.Output, dp)
		}, tracer.WithEventType(event.EventTypeTool), tracer.WithMetadata(map[string]any{"evaluator": true}))
		if err != nil {
			r.logger.Warn(ctx, "evaluator failed", "run_id", r.runID, "datapoint_index", i, "evaluator", ev.Name, "err", err)
			continue
		}
		out.Metrics[ev.Name] = score
	}
	if len(out.Metrics) > 0 {
		sess.Enrich(tracer.SetMetrics(out.Metrics))
	}
	if dp.GroundTruth != nil {
		sess.Enrich(tracer.SetFeedback(map[string]any{"ground_truth": dp.GroundTruth}))
	}
	return out
}

// trim keeps the datapoints that were processed before cancellation.
func trim(res *Result, processed []bool) *Result {
	kept := res.Datapoints[:0]
	for i, dp := range res.Datapoints {
		if processed[i] {
			kept = append(kept, dp)
		}
	}
	res.Datapoints = kept
	return res
}
