package repositories

import (
	"context"

	"tsxstudio/internal/db"
	"tsxstudio/internal/models"
)

const transcriptionJobColumns = `id, user_id, status, progress, file_name, storage_key, model, language,
	prompt, cost, json_output::text, duration_seconds, error_message, started_at, finished_at, created_at, updated_at`

type TranscriptionJobRepository struct {
	db db.DB
}

func NewTranscriptionJobRepository(d db.DB) *TranscriptionJobRepository {
	return &TranscriptionJobRepository{db: d}
}

func (r *TranscriptionJobRepository) Create(ctx context.Context, q db.Querier, j *models.TranscriptionJob) error {
	if q == nil {
		q = r.db
	}
	return q.QueryRow(ctx, `
		INSERT INTO transcription_jobs (id, user_id, status, progress, file_name, storage_key, model, language, prompt, cost)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, string(j.Status), j.Progress, j.FileName, j.StorageKey, j.Model, j.Language, j.Prompt, j.Cost,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *TranscriptionJobRepository) Get(ctx context.Context, id string) (*models.TranscriptionJob, error) {
	j, err := scanTranscriptionJob(r.db.QueryRow(ctx, `SELECT `+transcriptionJobColumns+` FROM transcription_jobs WHERE id=$1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

func (r *TranscriptionJobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.TranscriptionJob, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+transcriptionJobColumns+`
		FROM transcription_jobs
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.TranscriptionJob, 0, limit)
	for rows.Next() {
		j, err := scanTranscriptionJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *TranscriptionJobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM transcription_jobs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *TranscriptionJobRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transcription_jobs
		SET status='RUNNING', started_at=COALESCE(started_at, now()), updated_at=now()
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

func (r *TranscriptionJobRepository) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transcription_jobs
		SET progress=GREATEST(progress, $2), updated_at=now()
		WHERE id=$1 AND status='RUNNING'
	`, id, models.RunningProgress(progress))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSucceeded stores the normalized transcript inline.
func (r *TranscriptionJobRepository) MarkSucceeded(ctx context.Context, id string, jsonOutput []byte, durationSeconds float64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transcription_jobs
		SET status='SUCCEEDED', progress=100, json_output=$2, duration_seconds=$3,
			error_message=NULL, finished_at=now(), updated_at=now()
		WHERE id=$1 AND status NOT IN ('SUCCEEDED','FAILED')
	`, id, string(jsonOutput), durationSeconds)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrTerminal(ctx, id)
	}
	return nil
}

func (r *TranscriptionJobRepository) MarkFailed(ctx context.Context, id, message string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transcription_jobs
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

func (r *TranscriptionJobRepository) missOrTerminal(ctx context.Context, id string) error {
	var status string
	if err := r.db.QueryRow(ctx, `SELECT status FROM transcription_jobs WHERE id=$1`, id).Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return ErrJobNotFound
		}
		return err
	}
	return ErrJobTerminal
}

func scanTranscriptionJob(row rowScanner) (*models.TranscriptionJob, error) {
	var (
		j      models.TranscriptionJob
		status string
		output *string
	)
	err := row.Scan(
		&j.ID, &j.UserID, &status, &j.Progress, &j.FileName, &j.StorageKey, &j.Model, &j.Language,
		&j.Prompt, &j.Cost, &output, &j.DurationSeconds, &j.ErrorMessage,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if output != nil {
		j.JSONOutput = []byte(*output)
	}
	return &j, nil
}
