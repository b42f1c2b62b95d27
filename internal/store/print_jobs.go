package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kds-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const printJobColumns = `id, establishment_id, printer_id, ref_type, ref_id, job_type, template_code, payload,
	status, attempts, last_error, idempotency_key, next_attempt_at, leased_until, created_at, updated_at`

func insertPrintJob(ctx context.Context, tx *sqlx.Tx, j *models.PrintJob) error {
	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO print_jobs (`+printJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		j.ID, j.EstablishmentID, j.PrinterID, j.RefType, j.RefID, j.JobType, j.TemplateCode, payload,
		j.Status, j.Attempts, j.LastError, j.IdempotencyKey, j.NextAttemptAt, j.LeasedUntil, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue print job %s: %w", j.IdempotencyKey, err)
	}
	return nil
}

// LeaseNextPrintJob claims the oldest dispatchable job of a printer (FOR UPDATE SKIP LOCKED).
// Returns nil when nothing is eligible.
func (s *Store) LeaseNextPrintJob(ctx context.Context, printerID string, now, leaseUntil time.Time, maxAttempts int) (*models.PrintJob, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var job models.PrintJob
	err = tx.GetContext(ctx, &job, `
		SELECT `+printJobColumns+` FROM print_jobs
		WHERE printer_id = $1
		  AND (status = 'QUEUED' OR (status = 'FAILED' AND attempts < $2))
		  AND next_attempt_at <= $3
		ORDER BY next_attempt_at, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		printerID, maxAttempts, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock print job: %w", err)
	}

	job.Status = models.PrintStatusPrinting
	job.Attempts++
	job.LeasedUntil = &leaseUntil
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		"UPDATE print_jobs SET status = $1, attempts = $2, leased_until = $3, updated_at = $4 WHERE id = $5",
		job.Status, job.Attempts, job.LeasedUntil, job.UpdatedAt, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease print job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetPrintJob retrieves a print job by ID
func (s *Store) GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error) {
	var job models.PrintJob
	err := s.db.GetContext(ctx, &job, "SELECT "+printJobColumns+" FROM print_jobs WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("print job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FinishPrintJob records a dispatch outcome for a job that is currently PRINTING
func (s *Store) FinishPrintJob(ctx context.Context, job *models.PrintJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE print_jobs SET status = $1, last_error = $2, next_attempt_at = $3, leased_until = NULL, updated_at = $4
		WHERE id = $5 AND status = 'PRINTING'`,
		job.Status, job.LastError, job.NextAttemptAt, job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update print job: %w", err)
	}
	return expectOneRow(res, "print job", job.ID)
}

// ReapExpiredPrintJobs fails PRINTING jobs whose lease ran out and returns them
func (s *Store) ReapExpiredPrintJobs(ctx context.Context, now time.Time) ([]models.PrintJob, error) {
	var jobs []models.PrintJob
	err := s.db.SelectContext(ctx, &jobs, `
		UPDATE print_jobs SET status = 'FAILED', last_error = 'lease expired', leased_until = NULL,
			next_attempt_at = $1, updated_at = $1
		WHERE status = 'PRINTING' AND leased_until < $1
		RETURNING `+printJobColumns,
		now)
	return jobs, err
}
