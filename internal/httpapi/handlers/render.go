package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tsxstudio/internal/db"
	"tsxstudio/internal/events"
	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/middleware"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/render"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/util"
)

const (
	refundAttempts  = 3
	renderListLimit = 50
	maxDimension    = 7680
	maxFPS          = 120
	maxFrames       = 120 * 60 * 60
)

var refundBackoff = queue.Backoff{Type: queue.BackoffExponential, Delay: 100 * time.Millisecond}

type renderRequest struct {
	ProjectID        string `json:"projectId"`
	VersionID        string `json:"versionId"`
	Code             string `json:"code,omitempty"`
	Format           string `json:"format,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	FPS              int    `json:"fps,omitempty"`
	DurationInFrames int    `json:"durationInFrames,omitempty"`
	Local            bool   `json:"local,omitempty"`
}

func (req renderRequest) config() (models.RenderConfig, error) {
	switch {
	case req.Width < 0 || req.Width > maxDimension:
		return models.RenderConfig{}, errors.ValidationField("width", "width out of range")
	case req.Height < 0 || req.Height > maxDimension:
		return models.RenderConfig{}, errors.ValidationField("height", "height out of range")
	case req.FPS < 0 || req.FPS > maxFPS:
		return models.RenderConfig{}, errors.ValidationField("fps", "fps out of range")
	case req.DurationInFrames < 0 || req.DurationInFrames > maxFrames:
		return models.RenderConfig{}, errors.ValidationField("durationInFrames", "durationInFrames out of range")
	}
	if req.Format != "" && req.Format != models.DefaultFormat {
		return models.RenderConfig{}, errors.ValidationField("format", "only mp4 is supported")
	}
	return models.RenderConfig{
		Width:            req.Width,
		Height:           req.Height,
		FPS:              req.FPS,
		DurationInFrames: req.DurationInFrames,
		Format:           req.Format,
	}.WithDefaults(), nil
}

// renderJobView exposes outputSizeBytes as a string; sizes can exceed what a
// JavaScript number holds exactly.
type renderJobView struct {
	models.RenderJob
	OutputSizeBytes *string `json:"outputSizeBytes"`
}

func viewRenderJob(j models.RenderJob) renderJobView {
	v := renderJobView{RenderJob: j}
	if j.OutputSizeBytes != nil {
		s := strconv.FormatInt(*j.OutputSizeBytes, 10)
		v.OutputSizeBytes = &s
	}
	return v
}

// CreateRender admits a render job, charging credits, and queues it unless
// the desktop renders it locally.
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) error {
	const op = "api.render.create"
	ctx := r.Context()

	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}

	var req renderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid JSON body")
	}
	if req.ProjectID == "" || req.VersionID == "" {
		return errors.Validation("projectId and versionId are required")
	}
	cfg, err := req.config()
	if err != nil {
		return err
	}

	version, err := h.ownedVersion(ctx, userID, req.ProjectID, req.VersionID)
	if err != nil {
		return err
	}
	code := req.Code
	if strings.TrimSpace(code) == "" {
		code = version.Code
	}

	status := models.StatusQueued
	if req.Local {
		status = models.StatusLocalReady
	}
	job := &models.RenderJob{
		ID:        util.NewID(""),
		UserID:    userID,
		ProjectID: req.ProjectID,
		VersionID: &version.ID,
		Status:    status,
		Config:    cfg,
		Cost:      cfg.Cost(),
	}

	log := h.log.FromContext(ctx).WithJobID(job.ID)
	if _, err := h.ledger.Admit(ctx, userID, job.Cost, job.ID, func(ctx context.Context, q db.Querier) error {
		return h.renders.Create(ctx, q, job)
	}); err != nil {
		if errors.IsInsufficientCredits(err) {
			h.metrics.ObserveAdmission("render", "rejected", 0)
		}
		return err
	}
	h.metrics.ObserveAdmission("render", "admitted", job.Cost)

	if !req.Local {
		payload := queue.RenderPayload{JobID: job.ID, UserID: userID, Code: code, Config: cfg}
		if _, err := h.queue.Enqueue(ctx, queue.RenderQueue, payload, nil); err != nil {
			log.Error("enqueue render failed", "error", err.Error())
			h.abandonRender(ctx, job, "Failed to queue render")
			return errors.WrapWithCode(err, errors.CodeUnavailable, op, "render queue unavailable")
		}
	}

	log.Info("render admitted", "cost", job.Cost, "status", string(job.Status))
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "status": job.Status})
	return nil
}

// abandonRender fails a job that was charged but never queued.
func (h *Handler) abandonRender(ctx context.Context, job *models.RenderJob, msg string) {
	ctx = context.WithoutCancel(ctx)
	log := h.log.FromContext(ctx).WithJobID(job.ID)
	if err := h.renders.MarkFailed(ctx, job.ID, msg); err != nil {
		log.Error("mark failed after enqueue error", "error", err.Error())
		return
	}
	_ = h.refundRetrying(ctx, job.UserID, job.ID, job.Cost)
}

// refund returns the credits of a FAILED job. The ledger books at most one
// refund per job, so a caller may repeat it until it succeeds. Errors come
// back as CodeUnavailable carrying the job id.
func (h *Handler) refund(ctx context.Context, userID, jobID string, cost int) error {
	if cost <= 0 {
		return nil
	}
	done, err := h.ledger.Refund(ctx, userID, jobID, cost)
	if err != nil {
		h.log.FromContext(ctx).Error("refund failed", "job_id", jobID, "error", err.Error())
		return errors.WrapWithCode(err, errors.CodeUnavailable, "api.refund", "refund failed, retry the request").
			WithField("jobId", jobID)
	}
	if done {
		h.metrics.ObserveRefund(cost)
	}
	return nil
}

// refundRetrying is used where no client can repeat the request: the job
// failed inside the call that admitted it.
func (h *Handler) refundRetrying(ctx context.Context, userID, jobID string, cost int) error {
	var err error
	for attempt := 1; attempt <= refundAttempts; attempt++ {
		if err = h.refund(ctx, userID, jobID, cost); err == nil {
			return nil
		}
		if attempt == refundAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(refundBackoff.After(attempt)):
		}
	}
	h.log.FromContext(ctx).Error("refund abandoned", "job_id", jobID, "cost", cost, "attempts", refundAttempts)
	return err
}

// ListRenders returns the caller's render jobs, newest first.
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	jobs, err := h.renders.ListByUser(r.Context(), userID, r.URL.Query().Get("projectId"), renderListLimit)
	if err != nil {
		return errors.Wrap(err, "api.render.list", "failed to list renders")
	}
	out := make([]renderJobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewRenderJob(j))
	}
	httpkit.WriteJSON(w, http.StatusOK, out)
	return nil
}

type renderUpdateRequest struct {
	JobID           string           `json:"jobId"`
	Progress        *int             `json:"progress,omitempty"`
	Status          models.JobStatus `json:"status,omitempty"`
	StorageKey      string           `json:"storageKey,omitempty"`
	DurationSeconds *float64         `json:"durationSeconds,omitempty"`
	OutputSizeBytes *int64           `json:"outputSizeBytes,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

// UpdateRender records progress and the final state reported by a desktop
// executor for one of the caller's jobs.
func (h *Handler) UpdateRender(w http.ResponseWriter, r *http.Request) error {
	const op = "api.render.update"
	ctx := r.Context()

	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	var req renderUpdateRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid JSON body")
	}
	if req.JobID == "" {
		return errors.ValidationField("jobId", "jobId is required")
	}

	job, err := h.ownedRender(ctx, userID, req.JobID)
	if err != nil {
		return err
	}
	if job.Status == models.StatusFailed && req.Status == models.StatusFailed {
		// A repeated failure report completes a refund that did not go through.
		if err := h.refund(ctx, userID, job.ID, job.Cost); err != nil {
			return err
		}
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
		return nil
	}
	if job.Status.IsTerminal() {
		return errors.Conflict("job already finished").WithField("status", string(job.Status))
	}

	ev := events.Event{Type: events.TypeProgress, Kind: events.KindRender, JobID: job.ID, UserID: userID}
	switch req.Status {
	case "", models.StatusRunning:
		ev.Status = models.StatusRunning
		if job.Status != models.StatusRunning {
			if err = h.renders.MarkRunning(ctx, job.ID); err != nil {
				break
			}
		}
		if req.Progress != nil {
			ev.Progress = models.RunningProgress(*req.Progress)
			_, err = h.renders.UpdateProgress(ctx, job.ID, ev.Progress)
		}
	case models.StatusSucceeded:
		res := models.RenderResult{StorageKey: req.StorageKey}
		if req.StorageKey != "" {
			res.OutputURL = h.urls.Resolve(ctx, req.StorageKey, render.DownloadPath(job.ID))
		}
		if req.OutputSizeBytes != nil {
			res.OutputSizeBytes = *req.OutputSizeBytes
		}
		if req.DurationSeconds != nil {
			res.DurationSeconds = *req.DurationSeconds
		} else {
			res.DurationSeconds = job.Config.DurationSeconds()
		}
		err = h.renders.MarkSucceeded(ctx, job.ID, res)
		ev = events.Event{Type: events.TypeStatus, Kind: events.KindRender, JobID: job.ID, UserID: userID,
			Status: models.StatusSucceeded, Progress: 100, OutputURL: res.OutputURL}
	case models.StatusFailed:
		msg := strings.TrimSpace(req.ErrorMessage)
		if msg == "" {
			msg = "Local render failed"
		}
		if err = h.renders.MarkFailed(ctx, job.ID, msg); err != nil {
			break
		}
		h.publish(ctx, events.Event{Type: events.TypeStatus, Kind: events.KindRender, JobID: job.ID, UserID: userID,
			Status: models.StatusFailed, Error: msg})
		if err := h.refund(ctx, userID, job.ID, job.Cost); err != nil {
			return err
		}
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
		return nil
	default:
		return errors.ValidationField("status", "unsupported status "+string(req.Status))
	}
	if err != nil {
		if errors.Is(err, repositories.ErrJobTerminal) {
			return errors.Conflict("job already finished")
		}
		return errors.Wrap(err, op, "failed to update render")
	}

	h.publish(ctx, ev)
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

type renderSyncRequest struct {
	ProjectID       string           `json:"projectId"`
	StorageKey      string           `json:"storageKey"`
	Status          models.JobStatus `json:"status,omitempty"`
	DurationSeconds *float64         `json:"durationSeconds,omitempty"`
	OutputSizeBytes *int64           `json:"outputSizeBytes,omitempty"`
}

// SyncRender attaches an artifact the desktop uploaded to the project's
// latest LOCAL_READY job, or records it as a new finished job.
func (h *Handler) SyncRender(w http.ResponseWriter, r *http.Request) error {
	const op = "api.render.sync"
	ctx := r.Context()

	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	var req renderSyncRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid JSON body")
	}
	if req.ProjectID == "" || req.StorageKey == "" {
		return errors.Validation("projectId and storageKey are required")
	}
	status := req.Status
	switch status {
	case "":
		status = models.StatusSucceeded
	case models.StatusSucceeded, models.StatusFailed:
	default:
		return errors.ValidationField("status", "status must be SUCCEEDED or FAILED")
	}

	res := models.RenderResult{StorageKey: req.StorageKey}
	if req.OutputSizeBytes != nil {
		res.OutputSizeBytes = *req.OutputSizeBytes
	}
	if req.DurationSeconds != nil {
		res.DurationSeconds = *req.DurationSeconds
	}

	job, err := h.renders.LatestLocalReady(ctx, userID, req.ProjectID)
	switch {
	case err == nil:
		if status == models.StatusSucceeded {
			res.OutputURL = h.urls.Resolve(ctx, req.StorageKey, render.DownloadPath(job.ID))
		}
		if err := h.renders.AttachLocalResult(ctx, job.ID, status, res); err != nil {
			if errors.Is(err, repositories.ErrJobTerminal) {
				return errors.Conflict("job already finished")
			}
			return errors.Wrap(err, op, "failed to attach result")
		}
		if status == models.StatusFailed {
			// The job is FAILED now; a retry goes through PUT /render with the job id.
			if err := h.refund(ctx, userID, job.ID, job.Cost); err != nil {
				return err
			}
		}
	case errors.Is(err, repositories.ErrJobNotFound):
		if status != models.StatusSucceeded {
			return errors.NotFound("local render", req.ProjectID)
		}
		if err := h.recordLocalRender(ctx, userID, req.ProjectID, res); err != nil {
			return err
		}
	default:
		return errors.Wrap(err, op, "failed to look up local render")
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

// recordLocalRender stores a desktop render nobody admitted through the API
// as an already finished job. It carries no cost.
func (h *Handler) recordLocalRender(ctx context.Context, userID, projectID string, res models.RenderResult) error {
	const op = "api.render.sync"
	if _, err := h.projects.Get(ctx, projectID, userID); err != nil {
		if errors.Is(err, repositories.ErrProjectNotFound) {
			return errors.NotFound("project", projectID)
		}
		return errors.Wrap(err, op, "failed to load project")
	}

	now := h.now().UTC()
	id := util.NewID("")
	url := h.urls.Resolve(ctx, res.StorageKey, render.DownloadPath(id))
	job := &models.RenderJob{
		ID:         id,
		UserID:     userID,
		ProjectID:  projectID,
		Status:     models.StatusSucceeded,
		Progress:   100,
		Config:     models.RenderConfig{}.WithDefaults(),
		OutputURL:  &url,
		StorageKey: &res.StorageKey,
		FinishedAt: &now,
	}
	if res.OutputSizeBytes > 0 {
		job.OutputSizeBytes = &res.OutputSizeBytes
	}
	if res.DurationSeconds > 0 {
		job.DurationSeconds = &res.DurationSeconds
	}
	if err := h.renders.Create(ctx, nil, job); err != nil {
		return errors.Wrap(err, op, "failed to record local render")
	}
	return nil
}

// DownloadRender streams a finished export from storage.
func (h *Handler) DownloadRender(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	job, err := h.ownedRender(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	if job.Status != models.StatusSucceeded || job.StorageKey == nil {
		return errors.New(errors.CodeBadRequest, "Render not ready")
	}

	rc, contentType, size, err := h.storage.GetObject(ctx, *job.StorageKey)
	if err != nil {
		if errors.Is(err, ports.ErrObjectNotFound) {
			return errors.NotFound("export", job.ID)
		}
		return errors.Wrap(err, "api.render.download", "failed to read export")
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.mp4"`)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.FromContext(ctx).Warn("download interrupted", "job_id", job.ID, "error", err.Error())
	}
	return nil
}

func (h *Handler) ownedRender(ctx context.Context, userID, id string) (*models.RenderJob, error) {
	job, err := h.renders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrJobNotFound) {
			return nil, errors.NotFound("render job", id)
		}
		return nil, errors.Wrap(err, "api.render.get", "failed to load render job")
	}
	if job.UserID != userID {
		return nil, errors.Forbidden("not your render job")
	}
	return job, nil
}

func (h *Handler) ownedVersion(ctx context.Context, userID, projectID, versionID string) (*models.ProjectVersion, error) {
	if _, err := h.projects.Get(ctx, projectID, userID); err != nil {
		if errors.Is(err, repositories.ErrProjectNotFound) {
			return nil, errors.NotFound("project", projectID)
		}
		return nil, errors.Wrap(err, "api.project.get", "failed to load project")
	}
	v, err := h.projects.GetVersion(ctx, projectID, versionID)
	if err != nil {
		if errors.Is(err, repositories.ErrVersionNotFound) {
			return nil, errors.NotFound("version", versionID)
		}
		return nil, errors.Wrap(err, "api.project.version", "failed to load version")
	}
	return v, nil
}
