package queue

import (
	"context"

	"github.com/clawdeploy/clawd/internal/alert"
	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/store"
	"github.com/clawdeploy/clawd/internal/tools"
	"github.com/clawdeploy/clawd/internal/trace"
)

// ToolRunner executes tasks through the lifecycle operation registry,
// recording each run as a trace and feeding the finished trace to the
// alerting engine.
type ToolRunner struct {
	registry *tools.Registry
	traceDir string
	alerts   *alert.Engine
	exporter trace.Exporter
}

// NewToolRunner wires a ToolRunner. exporter may be nil.
func NewToolRunner(registry *tools.Registry, traceDir string, alerts *alert.Engine, exporter trace.Exporter) *ToolRunner {
	return &ToolRunner{registry: registry, traceDir: traceDir, alerts: alerts, exporter: exporter}
}

// Run executes the task's operation. The task itself is one tool span
// within a single-turn trace; the trace is saved and evaluated for
// alerts regardless of the task outcome.
func (r *ToolRunner) Run(ctx context.Context, task *store.Task) (any, string, error) {
	tracer := trace.New(trace.Options{
		SessionID: task.ID,
		UserID:    task.UserID,
		TaskType:  task.Type,
		Dir:       r.traceDir,
		Exporter:  r.exporter,
	})

	tracer.Process(trace.TurnStart{})
	tracer.Process(trace.ToolExecutionStart{
		ToolCallID: task.ID,
		ToolName:   task.Type,
	})

	result, err := r.registry.Execute(ctx, task.Type, task.UserID, task.Params)

	tracer.Process(trace.ToolExecutionEnd{ToolCallID: task.ID, IsError: err != nil})
	tracer.Process(trace.TurnEnd{})
	tracer.Process(trace.AgentEnd{})

	if _, saveErr := tracer.Save(); saveErr != nil {
		log.Warn("saving trace failed", "trace_id", tracer.TraceID(), "error", saveErr)
	}
	r.alerts.Evaluate(tracer.Finalize())

	return result, tracer.TraceID(), err
}
