package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clawdeploy/clawd/internal/log"
)

// ReportParams are the mandatory end-of-run signal an autonomous task
// reports with.
type ReportParams struct {
	Success bool           `json:"success"`
	Action  string         `json:"action"`
	Data    map[string]any `json:"data,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

// Report is the persisted artifact: the params stamped with the
// report time.
type Report struct {
	ReportParams
	Timestamp string `json:"timestamp"`
}

func (r *Registry) reportResult(_ context.Context, _ string, raw json.RawMessage) (any, error) {
	params, err := decode[ReportParams](raw)
	if err != nil {
		return nil, err
	}
	if params.Action == "" {
		return nil, fmt.Errorf("action is required")
	}

	report := Report{
		ReportParams: params,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	log.Info("task result reported", "action", report.Action, "success", report.Success)

	// The report is the signal, the file is the archive: persistence
	// failure never fails the reporting call.
	if err := appendReport(r.reportPath, report); err != nil {
		log.Warn("persisting report failed", "error", err)
	}
	return report, nil
}

func appendReport(path string, report Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening report log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending report: %w", err)
	}
	return nil
}
