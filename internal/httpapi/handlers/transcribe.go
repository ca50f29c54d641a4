package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"tsxstudio/internal/db"
	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/middleware"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/util"
)

const (
	transcriptionListLimit = 20
	defaultModel           = "base"
	defaultLanguageMode    = "auto"
	multipartMemory        = 32 << 20
)

var (
	allowedMediaExts = []string{".mp3", ".mp4", ".wav", ".m4a"}
	allowedModels    = []string{"tiny", "base", "small", "medium"}
)

type transcriptionJobView struct {
	models.TranscriptionJob
	JSONOutput json.RawMessage `json:"jsonOutput,omitempty"`
}

func viewTranscriptionJob(j models.TranscriptionJob) transcriptionJobView {
	v := transcriptionJobView{TranscriptionJob: j}
	if len(j.JSONOutput) > 0 {
		v.JSONOutput = json.RawMessage(j.JSONOutput)
	}
	return v
}

// CreateTranscription stores the uploaded media, admits the job and queues it.
func (h *Handler) CreateTranscription(w http.ResponseWriter, r *http.Request) error {
	const op = "api.transcribe.create"
	ctx := r.Context()

	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.Newf(errors.CodeBadRequest, "File exceeds the %d MB limit", h.maxUploadBytes>>20)
		}
		return errors.WrapWithCode(err, errors.CodeBadRequest, op, "invalid multipart body")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		return errors.ValidationField("file", "file is required")
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !lo.Contains(allowedMediaExts, ext) {
		return errors.ValidationField("file", "Invalid file type. Allowed: "+strings.Join(allowedMediaExts, ", "))
	}
	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		model = defaultModel
	}
	if !lo.Contains(allowedModels, model) {
		return errors.ValidationField("model", "model must be one of "+strings.Join(allowedModels, ", "))
	}
	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		language = defaultLanguageMode
	}

	job := &models.TranscriptionJob{
		ID:       util.NewID(""),
		UserID:   userID,
		Status:   models.StatusQueued,
		FileName: header.Filename,
		Model:    model,
		Language: language,
		Cost:     h.transcribeCost,
	}
	if prompt := strings.TrimSpace(r.FormValue("prompt")); prompt != "" {
		job.Prompt = &prompt
	}
	log := h.log.FromContext(ctx).WithJobID(job.ID)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	put, err := h.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("uploads/%s/%s%s", userID, job.ID, ext),
		ContentType: contentType,
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		return errors.Wrap(err, op, "failed to store upload")
	}
	job.StorageKey = put.ObjectKey

	if _, err := h.ledger.Admit(ctx, userID, job.Cost, job.ID, func(ctx context.Context, q db.Querier) error {
		return h.transcriptions.Create(ctx, q, job)
	}); err != nil {
		if errors.IsInsufficientCredits(err) {
			h.metrics.ObserveAdmission("transcription", "rejected", 0)
		}
		h.deleteObject(ctx, job.StorageKey)
		return err
	}
	h.metrics.ObserveAdmission("transcription", "admitted", job.Cost)

	payload := queue.TranscriptionPayload{JobID: job.ID, UserID: userID}
	if _, err := h.queue.Enqueue(ctx, queue.TranscriptionQueue, payload, nil); err != nil {
		log.Error("enqueue transcription failed", "error", err.Error())
		bg := context.WithoutCancel(ctx)
		if err := h.transcriptions.MarkFailed(bg, job.ID, "Failed to queue transcription"); err == nil {
			_ = h.refundRetrying(bg, userID, job.ID, job.Cost)
		}
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "transcription queue unavailable")
	}

	log.Info("transcription admitted", "model", model, "language", language, "size", header.Size)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "status": job.Status})
	return nil
}

func (h *Handler) ListTranscriptions(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	jobs, err := h.transcriptions.ListByUser(r.Context(), userID, transcriptionListLimit)
	if err != nil {
		return errors.Wrap(err, "api.transcribe.list", "failed to list transcriptions")
	}
	if jobs == nil {
		jobs = []models.TranscriptionJob{}
	}
	httpkit.WriteJSON(w, http.StatusOK, jobs)
	return nil
}

func (h *Handler) GetTranscription(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	job, err := h.ownedTranscription(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, viewTranscriptionJob(*job))
	return nil
}

// DeleteTranscription removes the job row and, best effort, its upload.
func (h *Handler) DeleteTranscription(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	job, err := h.ownedTranscription(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	if err := h.transcriptions.Delete(ctx, job.ID); err != nil && !errors.Is(err, repositories.ErrJobNotFound) {
		return errors.Wrap(err, "api.transcribe.delete", "failed to delete transcription")
	}
	h.deleteObject(ctx, job.StorageKey)
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
	return nil
}

// DownloadTranscription serves the normalized transcript as a JSON attachment.
func (h *Handler) DownloadTranscription(w http.ResponseWriter, r *http.Request) error {
	userID, err := middleware.UserID(r)
	if err != nil {
		return err
	}
	job, err := h.ownedTranscription(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	if job.Status != models.StatusSucceeded || len(job.JSONOutput) == 0 {
		return errors.New(errors.CodeBadRequest, "Transcription not ready")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+transcriptFileName(job.FileName)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.JSONOutput)
	return nil
}

func transcriptFileName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.NewReplacer(`"`, "", "\\", "", "/", "").Replace(base)
	if base == "" || base == "." {
		base = "transcript"
	}
	return base + "_transcript.json"
}

func (h *Handler) ownedTranscription(ctx context.Context, userID, id string) (*models.TranscriptionJob, error) {
	job, err := h.transcriptions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrJobNotFound) {
			return nil, errors.NotFound("transcription", id)
		}
		return nil, errors.Wrap(err, "api.transcribe.get", "failed to load transcription")
	}
	if job.UserID != userID {
		return nil, errors.Forbidden("not your transcription")
	}
	return job, nil
}

func (h *Handler) deleteObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	err := h.storage.DeleteObject(context.WithoutCancel(ctx), key)
	if err != nil && !errors.Is(err, ports.ErrObjectNotFound) {
		h.log.FromContext(ctx).Warn("delete object failed", "key", key, "error", err.Error())
	}
}
