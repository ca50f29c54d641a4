package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/middleware"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/util"
)

const (
	defaultResolution = "1080p"
	defaultProjectFPS = 30
	initialTitle      = "Initial Draft"
)

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9]`)

type projectRequest struct {
	Name       string `json:"name"`
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
}

// CreateProject creates a project with a starter composition as version 1.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) error {
	const op = "api.project.create"
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	var req projectRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid JSON body")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return errors.ValidationField("name", "Name is required")
	}
	if req.FPS < 0 {
		return errors.ValidationField("fps", "fps must be positive")
	}
	p := &models.Project{
		ID:         util.NewID(""),
		UserID:     userID,
		Name:       name,
		Resolution: req.Resolution,
		FPS:        req.FPS,
		Status:     "Draft",
	}
	if p.Resolution == "" {
		p.Resolution = defaultResolution
	}
	if p.FPS == 0 {
		p.FPS = defaultProjectFPS
	}
	first := &models.ProjectVersion{ID: util.NewID(""), Title: initialTitle, Code: starterCode(name)}

	if err := h.projects.Create(r.Context(), p, first); err != nil {
		return errors.Wrap(err, op, "failed to create project")
	}
	h.log.FromContext(r.Context()).Info("project created", "project_id", p.ID)
	httpkit.WriteJSON(w, http.StatusCreated, p)
	return nil
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	projects, err := h.projects.List(r.Context(), userID)
	if err != nil {
		return errors.Wrap(err, "api.project.list", "failed to list projects")
	}
	if projects == nil {
		projects = []models.Project{}
	}
	httpkit.WriteJSON(w, http.StatusOK, projects)
	return nil
}

// GetProject returns the project with its versions, newest first.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "projectId")
	p, err := h.projects.Get(ctx, id, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrProjectNotFound) {
			return errors.NotFound("project", id)
		}
		return errors.Wrap(err, "api.project.get", "failed to load project")
	}
	if p.Versions, err = h.projects.ListVersions(ctx, p.ID); err != nil {
		return errors.Wrap(err, "api.project.get", "failed to load versions")
	}
	httpkit.WriteJSON(w, http.StatusOK, p)
	return nil
}

type versionRequest struct {
	Title string `json:"title,omitempty"`
	Code  string `json:"code"`
}

// CreateVersion saves new code as the project's next immutable version.
func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) error {
	const op = "api.project.version"
	ctx := r.Context()
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "projectId")
	if _, err := h.projects.Get(ctx, id, userID); err != nil {
		if errors.Is(err, repositories.ErrProjectNotFound) {
			return errors.NotFound("project", id)
		}
		return errors.Wrap(err, op, "failed to load project")
	}

	var req versionRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid JSON body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return errors.ValidationField("code", "code is required")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled version"
	}
	v := &models.ProjectVersion{ID: util.NewID(""), ProjectID: id, Title: title, Code: req.Code}
	if err := h.projects.CreateVersion(ctx, v); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return errors.Conflict("another version was saved concurrently, retry")
		}
		return errors.Wrap(err, op, "failed to save version")
	}
	httpkit.WriteJSON(w, http.StatusCreated, v)
	return nil
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	id := chi.URLParam(r, "projectId")
	if _, err := h.projects.Get(ctx, id, userID); err != nil {
		if errors.Is(err, repositories.ErrProjectNotFound) {
			return errors.NotFound("project", id)
		}
		return errors.Wrap(err, "api.project.versions", "failed to load project")
	}
	versions, err := h.projects.ListVersions(ctx, id)
	if err != nil {
		return errors.Wrap(err, "api.project.versions", "failed to list versions")
	}
	if versions == nil {
		versions = []models.ProjectVersion{}
	}
	httpkit.WriteJSON(w, http.StatusOK, versions)
	return nil
}

// componentName turns a project name into a valid component identifier.
func componentName(name string) string {
	id := nonIdent.ReplaceAllString(name, "")
	if id == "" {
		return "MyComposition"
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "Comp" + id
	}
	return id
}

func starterCode(name string) string {
	comp := componentName(name)
	return fmt.Sprintf(`import { AbsoluteFill } from "remotion";

export const %s = () => {
  return (
    <AbsoluteFill className="bg-slate-900 flex items-center justify-center">
      <h1 className="text-6xl font-bold text-white tracking-tight">%s</h1>
    </AbsoluteFill>
  );
};

export default %s;
`, comp, escapeJSXText(name), comp)
}

func escapeJSXText(s string) string {
	return strings.NewReplacer("{", "&#123;", "}", "&#125;", "<", "&lt;", ">", "&gt;").Replace(s)
}
