package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []connector.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 11
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, r.WorkflowID, r.OrganizationID,
			r.Provider, r.Model, r.TokensUsed, r.CostUSD,
			r.ExecutionID, r.NodeID, r.TS.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, user_id, workflow_id, org_id, provider, model,
		 tokens_used, cost_usd, execution_id, node_id, ts)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListUsageSince returns every record with ts >= since, oldest first. The
// budget manager reloads its windows from this on startup and on resync.
func (s *Store) ListUsageSince(ctx context.Context, since time.Time) ([]connector.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, workflow_id, org_id, provider, model,
		 tokens_used, cost_usd, execution_id, node_id, ts
		 FROM usage_records WHERE ts >= ? ORDER BY ts`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsage(rows)
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f connector.UsageFilter) ([]connector.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, user_id, workflow_id, org_id, provider, model,
		tokens_used, cost_usd, execution_id, node_id, ts
		FROM usage_records` + where + ` ORDER BY ts DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsage(rows)
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f connector.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

// SumUsageCost returns the total accumulated cost for an organization.
func (s *Store) SumUsageCost(ctx context.Context, orgID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE org_id = ?`, orgID,
	).Scan(&total)
	return total, err
}

// DeleteUsageBefore drops records older than cutoff and reports how many
// left. The retention sweep calls this daily.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE ts < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func collectUsage(rows *sql.Rows) ([]connector.UsageRecord, error) {
	var out []connector.UsageRecord
	for rows.Next() {
		var r connector.UsageRecord
		var ts string
		err := rows.Scan(
			&r.ID, &r.UserID, &r.WorkflowID, &r.OrganizationID,
			&r.Provider, &r.Model, &r.TokensUsed, &r.CostUSD,
			&r.ExecutionID, &r.NodeID, &ts,
		)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, ts); e == nil {
			r.TS = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func usageWhere(f connector.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.OrganizationID != "" {
		clauses = append(clauses, "org_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
