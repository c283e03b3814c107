package db

import (
	"fmt"

	"github.com/lucasnoah/buildbot/internal/results"
)

// LogBuildEvent records a lifecycle event (started, sync, reexec,
// finished, ...) for a build.
func (d *DB) LogBuildEvent(buildID, event, stage, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO build_events (build_id, event, stage, detail) VALUES (?, ?, ?, ?)`,
		buildID, event, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("log build event %q: %w", event, err)
	}
	return nil
}

// LogStageResult mirrors one ledger entry into the database.
func (d *DB) LogStageResult(buildID string, res results.StageResult) error {
	_, err := d.conn.Exec(
		`INSERT INTO stage_results (build_id, stage, outcome, summary, duration_ms, board)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		buildID, res.Name, string(res.Outcome), res.Summary, res.Duration.Milliseconds(), res.Board,
	)
	if err != nil {
		return fmt.Errorf("log stage result %q: %w", res.Name, err)
	}
	return nil
}

// StageResultRow is one persisted stage result.
type StageResultRow struct {
	BuildID    string
	Stage      string
	Outcome    string
	Summary    string
	DurationMs int64
	Board      string
	Timestamp  string
}

// StageResults returns the persisted results for a build in insert order.
func (d *DB) StageResults(buildID string) ([]StageResultRow, error) {
	rows, err := d.conn.Query(
		`SELECT build_id, stage, outcome, summary, duration_ms, board, timestamp
		 FROM stage_results WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var out []StageResultRow
	for rows.Next() {
		var r StageResultRow
		if err := rows.Scan(&r.BuildID, &r.Stage, &r.Outcome, &r.Summary, &r.DurationMs, &r.Board, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BuildEventRow is one persisted build lifecycle event.
type BuildEventRow struct {
	BuildID   string
	Event     string
	Stage     string
	Detail    string
	Timestamp string
}

// BuildEvents returns the lifecycle events for a build in insert order.
func (d *DB) BuildEvents(buildID string) ([]BuildEventRow, error) {
	rows, err := d.conn.Query(
		`SELECT build_id, event, COALESCE(stage, ''), COALESCE(detail, ''), timestamp
		 FROM build_events WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query build events: %w", err)
	}
	defer rows.Close()

	var out []BuildEventRow
	for rows.Next() {
		var r BuildEventRow
		if err := rows.Scan(&r.BuildID, &r.Event, &r.Stage, &r.Detail, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan build event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
