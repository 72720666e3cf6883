package ledger

import (
	"context"
	"fmt"
	"time"
)

// Roles of a remote object within a job.
const (
	RoleUpload = "upload"
	RoleResult = "result"
)

// Object is a remote key recorded before it could exist in the bucket.
type Object struct {
	Key       string
	JobID     string
	Role      string
	CreatedAt time.Time
}

// JobRecord is the summary of a finished job.
type JobRecord struct {
	ID         string    `json:"id"`
	CaptureKey string    `json:"capture_key,omitempty"`
	ResultKey  string    `json:"result_key,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Track marks key as pending deletion. Tracking a key again makes it pending again.
func (l *Ledger) Track(ctx context.Context, jobID, key, role string) error {
	_, err := l.executor(ctx).ExecContext(ctx, `
		INSERT INTO remote_objects (key, job_id, role, created_at, deleted_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
			job_id = excluded.job_id,
			role = excluded.role,
			created_at = excluded.created_at,
			deleted_at = NULL
	`, key, jobID, role, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("track %s: %w", key, err)
	}
	return nil
}

// Resolve marks key as deleted. Unknown keys are ignored.
func (l *Ledger) Resolve(ctx context.Context, key string) error {
	_, err := l.executor(ctx).ExecContext(ctx,
		"UPDATE remote_objects SET deleted_at = ? WHERE key = ? AND deleted_at IS NULL",
		time.Now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", key, err)
	}
	return nil
}

// Pending lists keys not yet resolved, oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]Object, error) {
	rows, err := l.executor(ctx).QueryContext(ctx, `
		SELECT key, job_id, role, created_at
		FROM remote_objects
		WHERE deleted_at IS NULL
		ORDER BY created_at, key
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending objects: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var o Object
		var created int64
		if err := rows.Scan(&o.Key, &o.JobID, &o.Role, &created); err != nil {
			return nil, fmt.Errorf("scan pending object: %w", err)
		}
		o.CreatedAt = time.UnixMilli(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordJob writes or replaces the summary of a job.
func (l *Ledger) RecordJob(ctx context.Context, r JobRecord) error {
	_, err := l.executor(ctx).ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (id, capture_key, result_key, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.CaptureKey, r.ResultKey, r.Outcome, r.Error, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record job %s: %w", r.ID, err)
	}
	return nil
}

// Finish resolves the deleted keys and records the job in one transaction.
func (l *Ledger) Finish(ctx context.Context, r JobRecord, deleted []string) error {
	return l.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, key := range deleted {
			if err := l.Resolve(ctx, key); err != nil {
				return err
			}
		}
		return l.RecordJob(ctx, r)
	})
}

// RecentJobs returns up to limit jobs, most recent first.
func (l *Ledger) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.executor(ctx).QueryContext(ctx, `
		SELECT id, capture_key, result_key, outcome, error, started_at, finished_at
		FROM jobs
		ORDER BY finished_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	out := []JobRecord{}
	for rows.Next() {
		var r JobRecord
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.CaptureKey, &r.ResultKey, &r.Outcome, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
