// Package report assembles the final metadata.json document for a build
// from the result ledger and the metadata store.
package report

import (
	"fmt"
	"time"

	"github.com/lucasnoah/buildbot/internal/fsutil"
	"github.com/lucasnoah/buildbot/internal/results"
	"github.com/lucasnoah/buildbot/internal/stage"
)

// Document materializes the report for a build. finalStatus is "passed"
// or "failed"; pass "" for a build still in flight, which leaves the
// finish time empty. dashboardURL, when set, is a format string producing
// a per-stage log link from the stage name.
func Document(build *stage.Context, dashboardURL, finalStatus, summary string) map[string]interface{} {
	now := time.Now()
	start := build.Results.StartTime()

	status := finalStatus
	finish := now.Format(time.RFC3339)
	if status == "" {
		status = "running"
		finish = ""
	}

	doc := build.Metadata.ToDocument()
	doc["status"] = map[string]interface{}{
		"current-time": now.Format(time.RFC3339),
		"status":       status,
		"summary":      summary,
	}
	doc["time"] = map[string]interface{}{
		"start":    start.Format(time.RFC3339),
		"finish":   finish,
		"duration": now.Sub(start).String(),
	}

	entries := []interface{}{}
	for _, e := range build.Results.Snapshot() {
		// Forgiven outcomes count as passed in the final report; the
		// summary still carries the failure text.
		st := "passed"
		if e.Outcome == results.Failed {
			st = "failed"
		}
		entry := map[string]interface{}{
			"name":        e.Name,
			"status":      st,
			"summary":     e.Summary,
			"duration":    e.Duration.String(),
			"board":       e.Board,
			"description": e.Description,
		}
		if dashboardURL != "" {
			entry["log"] = fmt.Sprintf(dashboardURL, e.Name)
		}
		entries = append(entries, entry)
	}
	doc["results"] = entries
	return doc
}

// Write persists a report document atomically.
func Write(path string, doc map[string]interface{}) error {
	if err := fsutil.WriteJSON(path, doc); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
