package indexdb

import (
	"context"
	"database/sql"
)

// RunRow summarizes one indexed run.
type RunRow struct {
	RunID      string
	Codec      string
	Policy     string
	Contexts   int
	Training   bool
	StartedAt  string
	EndedAt    string
	Ticks      int
	OKTicks    int
	Timeouts   int
	RewardSum  float64
	Episodes   int
	MeanReturn float64
}

// ListRuns returns the most recent runs first. Rows still queued in the
// writer are not visible until committed.
func (s *SQLiteIndex) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.codec, r.policy, r.contexts, r.training, r.started_at, r.ended_at,
			(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id),
			(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id AND t.outcome = 'ok'),
			(SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id AND t.outcome = 'timeout'),
			(SELECT COALESCE(SUM(t.reward_sum), 0) FROM ticks t WHERE t.run_id = r.run_id),
			(SELECT COUNT(*) FROM episodes e WHERE e.run_id = r.run_id),
			(SELECT COALESCE(AVG(e.return), 0) FROM episodes e WHERE e.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			r        RunRow
			training int
			ended    sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Codec, &r.Policy, &r.Contexts, &training, &r.StartedAt, &ended,
			&r.Ticks, &r.OKTicks, &r.Timeouts, &r.RewardSum, &r.Episodes, &r.MeanReturn); err != nil {
			return nil, err
		}
		r.Training = training != 0
		r.EndedAt = ended.String
		out = append(out, r)
	}
	return out, rows.Err()
}
