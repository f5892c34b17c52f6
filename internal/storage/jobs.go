package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 3
	maxBackoff         = 5 * time.Minute
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// EnqueueJob inserts a pending job. A zero RunAfter means now; a zero
// MaxAttempts means three.
func (s *Store) EnqueueJob(job Job) error {
	_, err := s.insertJob(job, false)
	return err
}

// EnqueueJobIfIdle inserts job unless a job of the same type is already
// pending or running. The check and the insert are one statement. It
// reports whether job was inserted.
func (s *Store) EnqueueJobIfIdle(job Job) (bool, error) {
	return s.insertJob(job, true)
}

func (s *Store) insertJob(job Job, ifIdle bool) (bool, error) {
	now := time.Now()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}

	query := `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		SELECT ?, ?, ?, 'pending', 0, ?, ?, ?, ?`
	args := []any{job.ID, job.Type, job.PayloadJSON, maxAttempts, formatTime(runAfter), formatTime(now), formatTime(now)}
	if ifIdle {
		query += `
		WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE type = ? AND status IN ('pending', 'running'))`
		args = append(args, job.Type)
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return n == 1, nil
}

// ClaimNextJob atomically moves the oldest due pending job of one of the
// given types to running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())

	args := []any{now, now}
	for _, t := range types {
		args = append(args, t)
	}
	query := `UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential delay (2s, 4s, ... capped at five minutes) until max_attempts
// is reached, then stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff(attempts))), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func backoff(attempts int) time.Duration {
	if attempts >= 9 {
		return maxBackoff
	}
	return min(time.Second<<attempts, maxBackoff)
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// PendingJobs counts jobs of the given type that are pending or running.
func (s *Store) PendingJobs(jobType string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND status IN ('pending', 'running')`, jobType).Scan(&n)
	return n, err
}

func scanJob(sc scanner) (Job, error) {
	var (
		j                              Job
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	if err := sc.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		t, err := time.Parse(time.RFC3339, f.src)
		if err != nil {
			return Job{}, fmt.Errorf("parsing timestamp of job %s: %w", j.ID, err)
		}
		*f.dst = t
	}
	return j, nil
}
