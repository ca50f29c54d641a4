package repositories

import (
	"context"

	"tsxstudio/internal/db"
	"tsxstudio/internal/models"
)

const renderJobColumns = `id, user_id, project_id, version_id, status, progress, output_format,
	width, height, fps, duration_in_frames, cost, output_url, storage_key, output_size_bytes,
	duration_seconds, error_message, started_at, finished_at, created_at, updated_at`

type RenderJobRepository struct {
	db db.DB
}

func NewRenderJobRepository(d db.DB) *RenderJobRepository {
	return &RenderJobRepository{db: d}
}

// Create inserts j through q, which is the admission transaction when set.
func (r *RenderJobRepository) Create(ctx context.Context, q db.Querier, j *models.RenderJob) error {
	if q == nil {
		q = r.db
	}
	c := j.Config.WithDefaults()
	return q.QueryRow(ctx, `
		INSERT INTO render_jobs (id, user_id, project_id, version_id, status, progress, output_format,
			width, height, fps, duration_in_frames, cost, output_url, storage_key, output_size_bytes,
			duration_seconds, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.ProjectID, j.VersionID, string(j.Status), j.Progress, c.Format,
		c.Width, c.Height, c.FPS, c.DurationInFrames, j.Cost, j.OutputURL, j.StorageKey, j.OutputSizeBytes,
		j.DurationSeconds, j.FinishedAt,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *RenderJobRepository) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	j, err := scanRenderJob(r.db.QueryRow(ctx, `SELECT `+renderJobColumns+` FROM render_jobs WHERE id=$1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// ListByUser returns the newest jobs first, optionally narrowed to one project.
func (r *RenderJobRepository) ListByUser(ctx context.Context, userID, projectID string, limit int) ([]models.RenderJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows pgxRows
		err  error
	)
	if projectID != "" {
		rows, err = r.db.Query(ctx, `
			SELECT `+renderJobColumns+`
			FROM render_jobs
			WHERE user_id=$1 AND project_id=$2
			ORDER BY created_at DESC
			LIMIT $3
		`, userID, projectID, limit)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT `+renderJobColumns+`
			FROM render_jobs
			WHERE user_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RenderJob, 0, limit)
	for rows.Next() {
		j, err := scanRenderJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkRunning moves a QUEUED or LOCAL_READY job to RUNNING with progress 5.
func (r *RenderJobRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='RUNNING', progress=GREATEST(progress, 5), started_at=COALESCE(started_at, now()), updated_at=now()
		WHERE id=$1 AND status NOT IN ('SUCCEEDED','FAILED')
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrTerminal(ctx, id)
	}
	return nil
}

// UpdateProgress never lowers progress, stays below 100 and only applies
// while RUNNING. It reports whether a row changed.
func (r *RenderJobRepository) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET progress=GREATEST(progress, $2), updated_at=now()
		WHERE id=$1 AND status='RUNNING'
	`, id, models.RunningProgress(progress))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RenderJobRepository) MarkSucceeded(ctx context.Context, id string, res models.RenderResult) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='SUCCEEDED', progress=100, output_url=$2, storage_key=$3, output_size_bytes=$4,
			duration_seconds=$5, error_message=NULL, finished_at=now(), updated_at=now()
		WHERE id=$1 AND status NOT IN ('SUCCEEDED','FAILED')
	`, id, nullIfEmpty(res.OutputURL), nullIfEmpty(res.StorageKey), res.OutputSizeBytes, res.DurationSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrTerminal(ctx, id)
	}
	return nil
}

func (r *RenderJobRepository) MarkFailed(ctx context.Context, id, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE render_jobs
		SET status='FAILED', error_message=$2, finished_at=now(), updated_at=now()
		WHERE id=$1 AND status NOT IN ('SUCCEEDED','FAILED')
	`, id, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrTerminal(ctx, id)
	}
	return nil
}

// LatestLocalReady finds the newest LOCAL_READY job of the user's project.
func (r *RenderJobRepository) LatestLocalReady(ctx context.Context, userID, projectID string) (*models.RenderJob, error) {
	j, err := scanRenderJob(r.db.QueryRow(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE user_id=$1 AND project_id=$2 AND status='LOCAL_READY'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, projectID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// AttachLocalResult finalizes a job rendered on the desktop.
func (r *RenderJobRepository) AttachLocalResult(ctx context.Context, id string, status models.JobStatus, res models.RenderResult) error {
	if status == models.StatusFailed {
		return r.MarkFailed(ctx, id, "Local render failed")
	}
	return r.MarkSucceeded(ctx, id, res)
}

func (r *RenderJobRepository) missOrTerminal(ctx context.Context, id string) error {
	var status string
	if err := r.db.QueryRow(ctx, `SELECT status FROM render_jobs WHERE id=$1`, id).Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return ErrJobNotFound
		}
		return err
	}
	return ErrJobTerminal
}

func scanRenderJob(row rowScanner) (*models.RenderJob, error) {
	var (
		j      models.RenderJob
		status string
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.ProjectID, &j.VersionID, &status, &j.Progress, &j.Config.Format,
		&j.Config.Width, &j.Config.Height, &j.Config.FPS, &j.Config.DurationInFrames, &j.Cost,
		&j.OutputURL, &j.StorageKey, &j.OutputSizeBytes, &j.DurationSeconds, &j.ErrorMessage,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Close()
	Next() bool
	Err() error
	Scan(dest ...any) error
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
