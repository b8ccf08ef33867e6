// Package trace records agent runs as span trees. The tracer is a
// reducer over an ordered event stream: each event either opens or
// closes a span, accumulates usage totals, or stamps the trace end.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdeploy/clawd/internal/log"
)

// Span types.
const (
	SpanGeneration    = "generation"
	SpanToolExecution = "tool_execution"
	SpanCompaction    = "compaction"
	SpanRetry         = "retry"
)

// Span is one timed node in a trace.
type Span struct {
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	StartedAt    int64          `json:"startedAt"`
	EndedAt      *int64         `json:"endedAt,omitempty"`
	Attributes   map[string]any `json:"attributes"`
}

// Tokens accumulates token usage over a trace.
type Tokens struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	CacheRead int `json:"cacheRead"`
}

// Trace is the immutable record of one agent run.
type Trace struct {
	TraceID     string  `json:"traceId"`
	SessionID   string  `json:"sessionId"`
	UserID      string  `json:"userId,omitempty"`
	TaskType    string  `json:"taskType,omitempty"`
	StartedAt   int64   `json:"startedAt"`
	EndedAt     *int64  `json:"endedAt,omitempty"`
	Spans       []*Span `json:"spans"`
	TotalCost   float64 `json:"totalCost"`
	TotalTokens Tokens  `json:"totalTokens"`
	Success     bool    `json:"success"`
	Error       string  `json:"error,omitempty"`
}

// Duration returns the trace wall-clock duration. An unfinished trace
// measures up to now.
func (t *Trace) Duration() time.Duration {
	end := time.Now().UnixMilli()
	if t.EndedAt != nil {
		end = *t.EndedAt
	}
	return time.Duration(end-t.StartedAt) * time.Millisecond
}

// Usage is the token and cost accounting attached to an assistant
// message.
type Usage struct {
	Input     int
	Output    int
	CacheRead int
	Cost      float64
}

// Event is one element of the agent event stream. The set of events is
// closed; the reducer ignores nothing it can receive.
type Event interface{ traceEvent() }

// TurnStart opens a generation span which becomes the parent of
// subsequent tool spans.
type TurnStart struct{}

// TurnEnd closes the current generation span.
type TurnEnd struct{}

// MessageEnd carries the finished message. Only assistant messages
// contribute usage and attributes.
type MessageEnd struct {
	Role         string
	Model        string
	Provider     string
	StopReason   string
	ErrorMessage string
	Usage        *Usage
}

// ToolExecutionStart opens a tool span keyed by the tool call id.
type ToolExecutionStart struct {
	ToolCallID string
	ToolName   string
	Args       map[string]any
}

// ToolExecutionEnd closes the tool span with the same call id.
type ToolExecutionEnd struct {
	ToolCallID string
	IsError    bool
}

// AutoRetryStart appends a standalone retry span.
type AutoRetryStart struct {
	Attempt      int
	MaxAttempts  int
	ErrorMessage string
}

// AutoCompactionStart appends a standalone compaction span.
type AutoCompactionStart struct{}

// AgentEnd stamps the trace end time.
type AgentEnd struct{}

func (TurnStart) traceEvent()           {}
func (TurnEnd) traceEvent()             {}
func (MessageEnd) traceEvent()          {}
func (ToolExecutionStart) traceEvent()  {}
func (ToolExecutionEnd) traceEvent()    {}
func (AutoRetryStart) traceEvent()      {}
func (AutoCompactionStart) traceEvent() {}
func (AgentEnd) traceEvent()            {}

// Exporter receives finished spans for shipment to an external
// observability backend. Failures must be swallowed by the
// implementation; exporting never affects the trace itself.
type Exporter interface {
	RecordSpan(span *Span)
	Flush()
}

type nopExporter struct{}

func (nopExporter) RecordSpan(*Span) {}
func (nopExporter) Flush()           {}

// Options configure a Tracer.
type Options struct {
	SessionID string
	UserID    string
	TaskType  string
	// Dir is where Save writes trace files.
	Dir string
	// Exporter ships spans externally; nil disables exporting.
	Exporter Exporter
}

// Tracer reduces an event stream into a Trace.
type Tracer struct {
	trace    *Trace
	dir      string
	exporter Exporter

	currentTurn *Span
	toolSpans   map[string]*Span

	now func() time.Time
}

// New returns a Tracer for a fresh trace.
func New(opts Options) *Tracer {
	now := time.Now
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session_%d", now().UnixMilli())
	}
	return &Tracer{
		trace: &Trace{
			TraceID:   "trace_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			SessionID: sessionID,
			UserID:    opts.UserID,
			TaskType:  opts.TaskType,
			StartedAt: now().UnixMilli(),
			Spans:     []*Span{},
			Success:   true,
		},
		dir:       opts.Dir,
		exporter:  orNop(opts.Exporter),
		toolSpans: make(map[string]*Span),
		now:       now,
	}
}

func orNop(e Exporter) Exporter {
	if e == nil {
		return nopExporter{}
	}
	return e
}

func newSpanID() string {
	return "span_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// TraceID returns the trace's id.
func (tr *Tracer) TraceID() string {
	return tr.trace.TraceID
}

// Process folds one event into the trace.
func (tr *Tracer) Process(event Event) {
	switch ev := event.(type) {
	case TurnStart:
		span := &Span{
			SpanID:     newSpanID(),
			Type:       SpanGeneration,
			Name:       "agent_turn",
			StartedAt:  tr.now().UnixMilli(),
			Attributes: map[string]any{},
		}
		tr.trace.Spans = append(tr.trace.Spans, span)
		tr.currentTurn = span

	case TurnEnd:
		if tr.currentTurn != nil {
			end := tr.now().UnixMilli()
			tr.currentTurn.EndedAt = &end
			tr.exporter.RecordSpan(tr.currentTurn)
		}

	case MessageEnd:
		if ev.Role != "assistant" {
			return
		}
		if ev.Usage != nil {
			tr.trace.TotalCost += ev.Usage.Cost
			tr.trace.TotalTokens.Input += ev.Usage.Input
			tr.trace.TotalTokens.Output += ev.Usage.Output
			tr.trace.TotalTokens.CacheRead += ev.Usage.CacheRead
		}
		if tr.currentTurn != nil {
			attrs := tr.currentTurn.Attributes
			attrs["model"] = ev.Model
			attrs["provider"] = ev.Provider
			attrs["stopReason"] = ev.StopReason
			if ev.Usage != nil {
				attrs["inputTokens"] = ev.Usage.Input
				attrs["outputTokens"] = ev.Usage.Output
				attrs["cacheReadTokens"] = ev.Usage.CacheRead
				attrs["cost"] = ev.Usage.Cost
			}
			if ev.ErrorMessage != "" {
				attrs["errorMessage"] = ev.ErrorMessage
			}
		}
		if ev.StopReason == "error" {
			tr.trace.Success = false
			tr.trace.Error = ev.ErrorMessage
			if tr.trace.Error == "" {
				tr.trace.Error = "assistant generation failed"
			}
		}

	case ToolExecutionStart:
		span := &Span{
			SpanID:     newSpanID(),
			Type:       SpanToolExecution,
			Name:       ev.ToolName,
			StartedAt:  tr.now().UnixMilli(),
			Attributes: map[string]any{"args": ev.Args},
		}
		if tr.currentTurn != nil {
			span.ParentSpanID = tr.currentTurn.SpanID
		}
		tr.trace.Spans = append(tr.trace.Spans, span)
		// Keyed by call id, not position: ends may arrive out of
		// order when tools run concurrently.
		tr.toolSpans[ev.ToolCallID] = span

	case ToolExecutionEnd:
		span, ok := tr.toolSpans[ev.ToolCallID]
		if !ok {
			return
		}
		delete(tr.toolSpans, ev.ToolCallID)
		end := tr.now().UnixMilli()
		span.EndedAt = &end
		span.Attributes["durationMs"] = end - span.StartedAt
		span.Attributes["isError"] = ev.IsError
		if ev.IsError {
			tr.trace.Success = false
		}
		tr.exporter.RecordSpan(span)

	case AutoRetryStart:
		tr.trace.Spans = append(tr.trace.Spans, &Span{
			SpanID:    newSpanID(),
			Type:      SpanRetry,
			Name:      fmt.Sprintf("retry_attempt_%d", ev.Attempt),
			StartedAt: tr.now().UnixMilli(),
			Attributes: map[string]any{
				"attempt":      ev.Attempt,
				"maxAttempts":  ev.MaxAttempts,
				"errorMessage": ev.ErrorMessage,
			},
		})

	case AutoCompactionStart:
		tr.trace.Spans = append(tr.trace.Spans, &Span{
			SpanID:     newSpanID(),
			Type:       SpanCompaction,
			Name:       "auto_compaction",
			StartedAt:  tr.now().UnixMilli(),
			Attributes: map[string]any{},
		})

	case AgentEnd:
		end := tr.now().UnixMilli()
		tr.trace.EndedAt = &end
	}
}

// Finalize stamps the end time if the stream never delivered one and
// returns the trace. Calling it again does not move the end time.
func (tr *Tracer) Finalize() *Trace {
	if tr.trace.EndedAt == nil {
		end := tr.now().UnixMilli()
		tr.trace.EndedAt = &end
	}
	tr.exporter.Flush()
	return tr.trace
}

// Save finalizes the trace and writes it as JSON keyed by trace id,
// returning the file path.
func (tr *Tracer) Save() (string, error) {
	trace := tr.Finalize()

	if err := os.MkdirAll(tr.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating trace dir: %w", err)
	}
	path := filepath.Join(tr.dir, trace.TraceID+".json")

	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing trace: %w", err)
	}

	log.Info("trace saved", "trace_id", trace.TraceID, "path", path)
	return path, nil
}
