package desktop

import (
	"context"
	stderrors "errors"
	"net/http"

	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/logger"
)

// Update is the body of PUT /render.
type Update struct {
	JobID           string           `json:"jobId"`
	Progress        *int             `json:"progress,omitempty"`
	Status          models.JobStatus `json:"status,omitempty"`
	StorageKey      string           `json:"storageKey,omitempty"`
	DurationSeconds *float64         `json:"durationSeconds,omitempty"`
	OutputSizeBytes *int64           `json:"outputSizeBytes,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
}

// Terminal reports whether u finishes the job.
func (u Update) Terminal() bool { return u.Status.IsTerminal() }

// Reporter sends render progress and final state for server-known jobs.
// Terminal reports that cannot be delivered are parked in the Outbox and
// replayed by Flush; progress reports are best effort.
type Reporter struct {
	client *Client
	outbox *Outbox
	log    *logger.Logger
}

func NewReporter(client *Client, outbox *Outbox, log *logger.Logger) *Reporter {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Reporter{client: client, outbox: outbox, log: log.WithComponent("reporter")}
}

func (r *Reporter) Report(ctx context.Context, u Update) error {
	err := r.client.do(ctx, http.MethodPut, "/render", u, nil)
	if err == nil {
		return nil
	}

	log := r.log.WithJobID(u.JobID)
	var apiErr *APIError
	if stderrors.As(err, &apiErr) && apiErr.Permanent() {
		log.Warn("report rejected", "status", apiErr.Status, "code", apiErr.Code, "error", apiErr.Message)
		return err
	}
	if !u.Terminal() || r.outbox == nil {
		log.Debug("progress report dropped", "error", err.Error())
		return err
	}
	if perr := r.outbox.Put(u); perr != nil {
		log.Error("outbox write failed", "error", perr.Error())
		return stderrors.Join(err, perr)
	}
	log.Info("final report queued for retry", "status", string(u.Status), "error", err.Error())
	return nil
}

// Flush replays parked reports. Delivered and permanently rejected ones are
// removed; the rest stay for the next call.
func (r *Reporter) Flush(ctx context.Context) (sent int, err error) {
	if r.outbox == nil {
		return 0, nil
	}
	pending, err := r.outbox.Pending()
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, u := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		serr := r.client.do(ctx, http.MethodPut, "/render", u, nil)
		var apiErr *APIError
		switch {
		case serr == nil:
			sent++
		case stderrors.As(serr, &apiErr) && apiErr.Permanent():
			r.log.WithJobID(u.JobID).Warn("parked report rejected, dropping", "status", apiErr.Status, "error", apiErr.Message)
		default:
			errs = append(errs, serr)
			continue
		}
		if derr := r.outbox.Delete(u.JobID); derr != nil {
			errs = append(errs, derr)
		}
	}
	return sent, stderrors.Join(errs...)
}
