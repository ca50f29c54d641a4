package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tsxstudio/internal/db"
	"tsxstudio/internal/models"
)

var ErrProjectNotFound = errors.New("project not found")
var ErrVersionNotFound = errors.New("version not found")
var ErrVersionConflict = errors.New("concurrent version created, retry")

type ProjectRepository struct {
	db db.DB
}

func NewProjectRepository(d db.DB) *ProjectRepository {
	return &ProjectRepository{db: d}
}

// Create inserts the project and its first version together.
func (r *ProjectRepository) Create(ctx context.Context, p *models.Project, first *models.ProjectVersion) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO projects (id, user_id, name, resolution, fps, status)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING created_at, updated_at
		`, p.ID, p.UserID, p.Name, p.Resolution, p.FPS, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return err
		}
		if first == nil {
			return nil
		}

		first.ProjectID = p.ID
		first.VersionNumber = 1
		err = tx.QueryRow(ctx, `
			INSERT INTO project_versions (id, project_id, version_number, title, code)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING created_at
		`, first.ID, first.ProjectID, first.VersionNumber, first.Title, first.Code).Scan(&first.CreatedAt)
		if err != nil {
			return err
		}
		p.Versions = []models.ProjectVersion{*first}
		return nil
	})
}

func (r *ProjectRepository) List(ctx context.Context, userID string) ([]models.Project, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, resolution, fps, status, created_at, updated_at
		FROM projects
		WHERE user_id=$1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Resolution, &p.FPS, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns the project only when owned by userID.
func (r *ProjectRepository) Get(ctx context.Context, id, userID string) (*models.Project, error) {
	var p models.Project
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, resolution, fps, status, created_at, updated_at
		FROM projects
		WHERE id=$1 AND user_id=$2
	`, id, userID).Scan(&p.ID, &p.UserID, &p.Name, &p.Resolution, &p.FPS, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateVersion appends the next version number to the project.
func (r *ProjectRepository) CreateVersion(ctx context.Context, v *models.ProjectVersion) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO project_versions (id, project_id, version_number, title, code)
			SELECT $1, $2, COALESCE(MAX(version_number), 0) + 1, $3, $4
			FROM project_versions
			WHERE project_id=$2
			RETURNING version_number, created_at
		`, v.ID, v.ProjectID, v.Title, v.Code).Scan(&v.VersionNumber, &v.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return ErrVersionConflict
			}
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE projects SET updated_at=now() WHERE id=$1`, v.ProjectID)
		return err
	})
}

func (r *ProjectRepository) GetVersion(ctx context.Context, projectID, versionID string) (*models.ProjectVersion, error) {
	var v models.ProjectVersion
	err := r.db.QueryRow(ctx, `
		SELECT id, project_id, version_number, title, code, created_at
		FROM project_versions
		WHERE id=$1 AND project_id=$2
	`, versionID, projectID).Scan(&v.ID, &v.ProjectID, &v.VersionNumber, &v.Title, &v.Code, &v.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	return &v, nil
}

func (r *ProjectRepository) ListVersions(ctx context.Context, projectID string) ([]models.ProjectVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, project_id, version_number, title, code, created_at
		FROM project_versions
		WHERE project_id=$1
		ORDER BY version_number DESC
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ProjectVersion{}
	for rows.Next() {
		var v models.ProjectVersion
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.VersionNumber, &v.Title, &v.Code, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
