// Package alert evaluates finished traces against a fixed rule set
// and appends triggered alerts to a durable log. Rules are
// independent: one rule failing to evaluate or persist never blocks
// the others.
package alert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clawdeploy/clawd/internal/log"
	"github.com/clawdeploy/clawd/internal/trace"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Rule thresholds.
const (
	costCeiling     = 0.5
	turnCeiling     = 15
	toolErrorRatio  = 0.3
	durationCeiling = 2 * time.Minute
)

// Alert is one triggered rule occurrence.
type Alert struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"traceId"`
	Rule      string `json:"rule"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

type rule struct {
	name      string
	severity  string
	condition func(*trace.Trace) bool
	message   func(*trace.Trace) string
}

var rules = []rule{
	{
		name:     "high_cost",
		severity: SeverityCritical,
		condition: func(t *trace.Trace) bool {
			return t.TotalCost > costCeiling
		},
		message: func(t *trace.Trace) string {
			return fmt.Sprintf("Trace %s cost $%.3f (limit $%.2f)", t.TraceID, t.TotalCost, costCeiling)
		},
	},
	{
		name:     "high_turn_count",
		severity: SeverityWarning,
		condition: func(t *trace.Trace) bool {
			return countSpans(t, trace.SpanGeneration) > turnCeiling
		},
		message: func(t *trace.Trace) string {
			return fmt.Sprintf("Trace %s used %d turns - possible loop", t.TraceID, countSpans(t, trace.SpanGeneration))
		},
	},
	{
		name:     "tool_error_rate",
		severity: SeverityWarning,
		condition: func(t *trace.Trace) bool {
			tools, errors := toolErrorCounts(t)
			return tools > 0 && float64(errors)/float64(tools) > toolErrorRatio
		},
		message: func(t *trace.Trace) string {
			tools, errors := toolErrorCounts(t)
			return fmt.Sprintf("Trace %s had %d/%d tool errors (>30%%)", t.TraceID, errors, tools)
		},
	},
	{
		name:     "slow_execution",
		severity: SeverityWarning,
		condition: func(t *trace.Trace) bool {
			return t.Duration() > durationCeiling
		},
		message: func(t *trace.Trace) string {
			return fmt.Sprintf("Trace %s took %.1fs (>2min)", t.TraceID, t.Duration().Seconds())
		},
	},
}

func countSpans(t *trace.Trace, spanType string) int {
	n := 0
	for _, s := range t.Spans {
		if s.Type == spanType {
			n++
		}
	}
	return n
}

func toolErrorCounts(t *trace.Trace) (tools, errors int) {
	for _, s := range t.Spans {
		if s.Type != trace.SpanToolExecution {
			continue
		}
		tools++
		if isErr, ok := s.Attributes["isError"].(bool); ok && isErr {
			errors++
		}
	}
	return tools, errors
}

// Engine appends triggered alerts to a jsonl file.
type Engine struct {
	path string
}

// NewEngine returns an Engine writing alerts at path.
func NewEngine(path string) *Engine {
	return &Engine{path: path}
}

// Evaluate runs every rule against the trace and returns the alerts
// that triggered. Persistence failures are logged per alert and do
// not stop evaluation of the remaining rules.
func (e *Engine) Evaluate(t *trace.Trace) []Alert {
	var triggered []Alert
	for _, r := range rules {
		if !r.condition(t) {
			continue
		}
		a := Alert{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			TraceID:   t.TraceID,
			Rule:      r.name,
			Severity:  r.severity,
			Message:   r.message(t),
		}
		triggered = append(triggered, a)

		log.Warn("alert triggered", "rule", a.Rule, "severity", a.Severity, "trace_id", a.TraceID, "message", a.Message)
		if err := e.append(a); err != nil {
			log.Error("persisting alert failed", "rule", a.Rule, "error", err)
		}
	}
	return triggered
}

func (e *Engine) append(a Alert) error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("creating alert dir: %w", err)
	}
	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening alert log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending alert: %w", err)
	}
	return nil
}
