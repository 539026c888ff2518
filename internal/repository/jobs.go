package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

var jobColumns = []string{
	"id", "source_path", "content_hash", "status", "error_kind", "error_message",
	"ocr_engine", "model", "token_count", "started_at", "finished_at",
}

// CreateJob inserts job, assigning an ID and start time when unset.
func (s *Store) CreateJob(ctx context.Context, job *entity.ExtractJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = string(constants.JobStatusRunning)
	}
	var finished sql.NullString
	if job.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*job.FinishedAt), Valid: true}
	}
	ins := s.builder().Insert(tableJob).
		Columns(jobColumns...).
		Values(job.ID.String(), job.SourcePath, job.ContentHash, job.Status,
			nullString(job.ErrorKind), nullString(job.ErrorMessage),
			job.OCREngine, job.Model, job.TokenCount, formatTime(job.StartedAt), finished)
	if _, err := exec(ctx, s.drv, ins); err != nil {
		s.logger.Error("repository.job.create_failed", "job_id", job.ID, "error", err)
		return err
	}
	s.logger.Debug("repository.job.created", "job_id", job.ID, "source", job.SourcePath)
	return nil
}

// JobUpdate carries the optional columns of a status transition.
type JobUpdate struct {
	ErrorKind    string
	ErrorMessage string
	OCREngine    string
	Model        string
	TokenCount   int
	Finished     bool
}

// UpdateJobStatus moves a job to status and sets the non-zero fields of upd.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status constants.JobStatus, upd JobUpdate) error {
	u := s.builder().Update(tableJob).Set("status", string(status))
	if upd.ErrorKind != "" {
		u.Set("error_kind", upd.ErrorKind)
	}
	if upd.ErrorMessage != "" {
		u.Set("error_message", upd.ErrorMessage)
	}
	if upd.OCREngine != "" {
		u.Set("ocr_engine", upd.OCREngine)
	}
	if upd.Model != "" {
		u.Set("model", upd.Model)
	}
	if upd.TokenCount > 0 {
		u.Set("token_count", upd.TokenCount)
	}
	if upd.Finished {
		u.Set("finished_at", formatTime(time.Now()))
	}
	u.Where(entsql.EQ("id", id.String()))

	res, err := exec(ctx, s.drv, u)
	if err != nil {
		s.logger.Error("repository.job.update_failed", "job_id", id, "status", status, "error", err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: job %s", common.ErrNotFound, id)
	}
	s.logger.Debug("repository.job.updated", "job_id", id, "status", status)
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*entity.ExtractJob, error) {
	sel := s.builder().Select(jobColumns...).From(s.builder().Table(tableJob)).
		Where(entsql.EQ("id", id.String()))
	var out *entity.ExtractJob
	err := query(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		j, err := scanJob(rows)
		out = j
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: job %s", common.ErrNotFound, id)
	}
	return out, nil
}

func scanJob(rows *entsql.Rows) (*entity.ExtractJob, error) {
	var (
		j               entity.ExtractJob
		id, started     string
		errKind, errMsg sql.NullString
		finished        sql.NullString
	)
	if err := rows.Scan(&id, &j.SourcePath, &j.ContentHash, &j.Status, &errKind, &errMsg,
		&j.OCREngine, &j.Model, &j.TokenCount, &started, &finished); err != nil {
		return nil, err
	}
	var err error
	if j.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		j.FinishedAt = &t
	}
	j.ErrorKind, j.ErrorMessage = strPtr(errKind), strPtr(errMsg)
	return &j, nil
}
