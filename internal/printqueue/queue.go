package printqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kds-service/internal/models"
	"kds-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// JobStore persists print jobs
type JobStore interface {
	LeaseNextPrintJob(ctx context.Context, printerID string, now, leaseUntil time.Time, maxAttempts int) (*models.PrintJob, error)
	GetPrintJob(ctx context.Context, id string) (*models.PrintJob, error)
	FinishPrintJob(ctx context.Context, job *models.PrintJob) error
	ReapExpiredPrintJobs(ctx context.Context, now time.Time) ([]models.PrintJob, error)
	AppendEvents(ctx context.Context, events ...models.Event) error
}

// Options tunes dispatch retries
type Options struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	LeaseTimeout time.Duration
}

// DefaultOptions returns the stock retry policy
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  5,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   time.Minute,
		LeaseTimeout: 30 * time.Second,
	}
}

// Queue dispatches print jobs to printers and records their outcome
type Queue struct {
	store  JobStore
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a print queue over store
func NewQueue(store JobStore, opts Options) *Queue {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = def.LeaseTimeout
	}
	return &Queue{
		store:  store,
		opts:   opts,
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

// Backoff returns the wait before the next attempt after attempt failures, capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// DequeueNext leases the next job for printerID. Returns nil when there is nothing to print.
func (q *Queue) DequeueNext(ctx context.Context, printerID string) (*models.PrintJob, error) {
	ctx, span := util.StartSpan(ctx, "Queue.DequeueNext", attribute.String("printer_id", printerID))
	defer span.End()

	if printerID == "" {
		return nil, fmt.Errorf("%w: printer id is required", models.ErrValidation)
	}

	now := q.now()
	job, err := q.store.LeaseNextPrintJob(ctx, printerID, now, now.Add(q.opts.LeaseTimeout), q.opts.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue print job: %w", err)
	}
	if job != nil {
		q.logger.Debug("Print job leased",
			zap.String("job_id", job.ID),
			zap.String("printer_id", printerID),
			zap.Int("attempt", job.Attempts))
	}
	return job, nil
}

// ReportResult records the printer's outcome for a leased job
func (q *Queue) ReportResult(ctx context.Context, jobID string, success bool, errMsg string) (*models.PrintJob, error) {
	ctx, span := util.StartSpan(ctx, "Queue.ReportResult", attribute.String("job_id", jobID))
	defer span.End()

	job, err := q.store.GetPrintJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.PrintStatusPrinting {
		return nil, fmt.Errorf("print job %s is %s: %w", jobID, job.Status, models.ErrConflict)
	}

	now := q.now()
	job.UpdatedAt = now
	job.LeasedUntil = nil

	if success {
		job.Status = models.PrintStatusDone
		job.LastError = nil
		if err := q.store.FinishPrintJob(ctx, job); err != nil {
			return nil, err
		}
		util.PrintResultsTotal.WithLabelValues("done").Inc()
		return job, nil
	}

	if errMsg == "" {
		errMsg = "printer reported failure"
	}
	job.Status = models.PrintStatusFailed
	job.LastError = &errMsg
	job.NextAttemptAt = now.Add(Backoff(job.Attempts, q.opts.BaseBackoff, q.opts.MaxBackoff))
	if err := q.store.FinishPrintJob(ctx, job); err != nil {
		return nil, err
	}

	if job.Attempts >= q.opts.MaxAttempts {
		util.PrintResultsTotal.WithLabelValues("exhausted").Inc()
		q.recordFailure(ctx, job, now)
	} else {
		util.PrintResultsTotal.WithLabelValues("retry").Inc()
		q.logger.Warn("Print job failed, will retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Time("next_attempt_at", job.NextAttemptAt),
			zap.String("error", errMsg))
	}
	return job, nil
}

// ReapExpired returns jobs whose lease ran out to the retry pool
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.now()
	jobs, err := q.store.ReapExpiredPrintJobs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reap print jobs: %w", err)
	}
	for i := range jobs {
		util.PrintResultsTotal.WithLabelValues("lease_expired").Inc()
		if jobs[i].Attempts >= q.opts.MaxAttempts {
			q.recordFailure(ctx, &jobs[i], now)
		}
	}
	return len(jobs), nil
}

type deliveryFailure struct {
	Channel   string `json:"channel"`
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type"`
	PrinterID string `json:"printer_id"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

func (q *Queue) recordFailure(ctx context.Context, job *models.PrintJob, now time.Time) {
	payload := deliveryFailure{
		Channel:   "print",
		JobID:     job.ID,
		JobType:   job.JobType,
		PrinterID: job.PrinterID,
		Attempts:  job.Attempts,
	}
	if job.LastError != nil {
		payload.Error = *job.LastError
	}
	raw, _ := json.Marshal(payload)

	evt := models.Event{
		EstablishmentID: job.EstablishmentID,
		EventType:       models.EventDeliveryFailure,
		Payload:         raw,
		ActorType:       models.ActorSystem,
		CreatedAt:       now,
	}
	if job.RefType == models.RefTicket {
		ref := job.RefID
		evt.TicketID = &ref
	}

	if err := q.store.AppendEvents(ctx, evt); err != nil {
		q.logger.Error("Failed to record print delivery failure",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.logger.Error("Print job exhausted retries",
		zap.String("job_id", job.ID),
		zap.String("printer_id", job.PrinterID),
		zap.Int("attempts", job.Attempts))
}
