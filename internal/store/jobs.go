package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"drivein/internal/models"
)

type CreateJobInput struct {
	Type       string
	Lane       models.JobLane
	Payload    map[string]any
	RetryUntil *string
}

func jobFromRow(row jobRow) (models.Job, error) {
	job := models.Job{
		ID:         row.ID,
		Type:       row.Type,
		Lane:       models.JobLane(row.Lane),
		Status:     models.JobStatus(row.Status),
		Payload:    make(map[string]any),
		Attempt:    row.Attempt,
		RetryUntil: row.RetryUntil,
		Error:      row.Error,
		ErrorKind:  row.ErrorKind,
		CreatedAt:  row.CreatedAt,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
	if err := json.Unmarshal([]byte(row.PayloadJSON), &job.Payload); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (s *Store) CreateJob(ctx context.Context, in CreateJobInput) (models.Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := ulid.Make().String()

	lane := in.Lane
	if lane == "" {
		lane = models.JobLaneMaintenance
	}
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return models.Job{}, err
	}

	row := jobRow{
		ID:          id,
		Type:        in.Type,
		Lane:        string(lane),
		Status:      string(models.JobStatusQueued),
		PayloadJSON: string(payloadJSON),
		RetryUntil:  in.RetryUntil,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Job{}, err
	}

	return models.Job{
		ID:         id,
		Type:       in.Type,
		Lane:       lane,
		Status:     models.JobStatusQueued,
		Payload:    in.Payload,
		RetryUntil: in.RetryUntil,
		CreatedAt:  now,
	}, nil
}

type JobFilter struct {
	Status    *models.JobStatus
	Type      *string
	ErrorKind *string
	Limit     int
	Cursor    *string
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) (models.JobsListResponse, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := s.db.WithContext(ctx).Model(&jobRow{})
	if f.Status != nil {
		query = query.Where("status = ?", string(*f.Status))
	}
	if f.Type != nil && *f.Type != "" {
		query = query.Where("type = ?", *f.Type)
	}
	if f.ErrorKind != nil {
		kind := strings.TrimSpace(*f.ErrorKind)
		if kind != "" {
			query = query.Where("error_kind = ?", kind)
		}
	}
	if f.Cursor != nil && *f.Cursor != "" {
		query = query.Where("id < ?", *f.Cursor)
	}

	var rows []jobRow
	if err := query.
		Order("id DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return models.JobsListResponse{}, err
	}

	resp := models.JobsListResponse{Items: make([]models.Job, 0)}
	for i, row := range rows {
		if i >= limit {
			last := resp.Items[len(resp.Items)-1].ID
			resp.NextCursor = &last
			break
		}
		job, err := jobFromRow(row)
		if err != nil {
			return models.JobsListResponse{}, err
		}
		resp.Items = append(resp.Items, job)
	}
	return resp, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (models.Job, bool, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).
		Where("id = ?", jobID).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, err
	}
	job, err := jobFromRow(row)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, startedAt, finishedAt *string, errMsg *string, errorKind *string) error {
	updates := map[string]any{
		"status":     string(status),
		"error":      errMsg,
		"error_kind": errorKind,
	}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if finishedAt != nil {
		updates["finished_at"] = *finishedAt
	}

	return s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ?", jobID).
		Updates(updates).Error
}

// RequeueJob returns a job to the queue for another attempt, keeping
// its payload and deadline.
func (s *Store) RequeueJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      string(models.JobStatusQueued),
			"attempt":     gorm.Expr("attempt + 1"),
			"started_at":  nil,
			"finished_at": nil,
		}).Error
}

func (s *Store) ListJobIDsByStatus(ctx context.Context, status models.JobStatus) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Select("id").
		Where("status = ?", string(status)).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) MarkRunningJobsFailed(ctx context.Context, errorMessage string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	updates := map[string]any{
		"status":      string(models.JobStatusFailed),
		"error":       errorMessage,
		"finished_at": now,
	}
	return s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("status = ?", string(models.JobStatusRunning)).
		Updates(updates).Error
}

func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, beforeRFC3339Nano string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	ids := make([]string, 0, limit)
	if err := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Select("id").
		Where("finished_at IS NOT NULL").
		Where("finished_at < ?", beforeRFC3339Nano).
		Where("status IN ?", []string{
			string(models.JobStatusSucceeded),
			string(models.JobStatusFailed),
			string(models.JobStatusCanceled),
		}).
		Order("finished_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ids).Delete(&jobRow{}).Error
	}); err != nil {
		return nil, err
	}

	return ids, nil
}
