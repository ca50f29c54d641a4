package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsxstudio/internal/adapters/storage/localfs"
	"tsxstudio/internal/engine"
	"tsxstudio/internal/events"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/render"
	"tsxstudio/internal/repositories"
	"tsxstudio/internal/storage"
	"tsxstudio/internal/transcript"
)

// memRenderStore mimics the SQL guards of RenderJobRepository.
type memRenderStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.RenderJob
	writes   []int
	getErr   error
	failErrs int
}

func newRenderStore(jobs ...models.RenderJob) *memRenderStore {
	s := &memRenderStore{jobs: map[string]*models.RenderJob{}}
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *memRenderStore) snapshot(id string) models.RenderJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memRenderStore) Get(_ context.Context, id string) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, repositories.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (s *memRenderStore) mutate(id string, fn func(j *models.RenderJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return repositories.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return repositories.ErrJobTerminal
	}
	fn(j)
	return nil
}

func (s *memRenderStore) MarkRunning(_ context.Context, id string) error {
	return s.mutate(id, func(j *models.RenderJob) {
		j.Status = models.StatusRunning
		j.Progress = max(j.Progress, 5)
	})
}

func (s *memRenderStore) UpdateProgress(_ context.Context, id string, p int) (bool, error) {
	err := s.mutate(id, func(j *models.RenderJob) {
		s.writes = append(s.writes, p)
		j.Progress = max(j.Progress, p)
	})
	return err == nil, err
}

func (s *memRenderStore) MarkSucceeded(_ context.Context, id string, res models.RenderResult) error {
	return s.mutate(id, func(j *models.RenderJob) {
		j.Status = models.StatusSucceeded
		j.Progress = 100
		j.OutputURL = &res.OutputURL
		j.StorageKey = &res.StorageKey
		j.OutputSizeBytes = &res.OutputSizeBytes
		j.DurationSeconds = &res.DurationSeconds
	})
}

func (s *memRenderStore) MarkFailed(_ context.Context, id, message string) error {
	return s.mutate(id, func(j *models.RenderJob) {
		j.Status = models.StatusFailed
		j.ErrorMessage = &message
	})
}

// memLedger refunds each job at most once, like the partial unique index.
type memLedger struct {
	mu       sync.Mutex
	refunded map[string]int
	calls    int
}

func (l *memLedger) Refund(_ context.Context, _ string, jobID string, cost int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.refunded == nil {
		l.refunded = map[string]int{}
	}
	if _, ok := l.refunded[jobID]; ok {
		return false, nil
	}
	l.refunded[jobID] = cost
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// fakePipeline reports the given percentages, then writes a file and delivers it.
type fakePipeline struct {
	percents []int
	err      error
	calls    int
	got      render.Request
}

func (f *fakePipeline) Run(ctx context.Context, req render.Request, onProgress func(render.Progress), deliver render.DeliverFunc) error {
	f.calls++
	f.got = req
	for _, p := range f.percents {
		onProgress(render.Progress{Stage: render.StageRendering, Percent: p})
	}
	if f.err != nil {
		return f.err
	}
	path := filepath.Join(os.TempDir(), "fake-render-"+req.JobID+".mp4")
	if err := os.WriteFile(path, []byte("mp4-data"), 0o644); err != nil {
		return err
	}
	defer os.Remove(path)
	return deliver(ctx, render.Output{Path: path, SizeBytes: 8, DurationSeconds: 10})
}

type fixture struct {
	store    *memRenderStore
	ledger   *memLedger
	events   *recorder
	pipeline *fakePipeline
	storage  *localfs.LocalFS
	metrics  *metrics.Metrics
	proc     *RenderProcessor
}

func newRenderFixture(t *testing.T, jobs ...models.RenderJob) *fixture {
	t.Helper()
	f := &fixture{
		store:    newRenderStore(jobs...),
		ledger:   &memLedger{},
		events:   &recorder{},
		pipeline: &fakePipeline{},
		storage:  localfs.New(t.TempDir()),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.proc = NewRenderProcessor(RenderDeps{
		Jobs:     f.store,
		Ledger:   f.ledger,
		Pipeline: f.pipeline,
		Storage:  f.storage,
		URLs:     storage.URLResolver{PublicBaseURL: "https://cdn.example.com"},
		Events:   f.events,
		Metrics:  f.metrics,
		Log:      logger.NewNop(),
	})
	return f
}

func renderMsg(t *testing.T, jobID string) *queue.Message {
	t.Helper()
	body, err := json.Marshal(queue.RenderPayload{JobID: jobID, UserID: "usr_1", Code: "export default () => null"})
	require.NoError(t, err)
	return &queue.Message{ID: "msg_1", Queue: queue.RenderQueue, Payload: body, Attempt: 1, Options: queue.DefaultOptions(queue.RenderQueue)}
}

func queuedRender(id string, cost int) models.RenderJob {
	return models.RenderJob{ID: id, UserID: "usr_1", ProjectID: "prj_1", Status: models.StatusQueued, Cost: cost,
		Config: models.RenderConfig{Width: 1080, Height: 1920, FPS: 30, DurationInFrames: 300}}
}

func TestRenderSucceeds(t *testing.T) {
	f := newRenderFixture(t, queuedRender("job_1", 1))
	f.pipeline.percents = []int{10, 20, 27, 55, 60, 60, 90}

	require.NoError(t, f.proc.Process(context.Background(), renderMsg(t, "job_1")))

	j := f.store.snapshot("job_1")
	assert.Equal(t, models.StatusSucceeded, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, "exports/job_1.mp4", *j.StorageKey)
	assert.Equal(t, "https://cdn.example.com/exports/job_1.mp4", *j.OutputURL)
	assert.Equal(t, int64(8), *j.OutputSizeBytes)
	assert.Equal(t, 10.0, *j.DurationSeconds)
	assert.Equal(t, []int{10, 20, 60, 90}, f.store.writes)
	assert.Equal(t, "export default () => null", f.pipeline.got.Code)

	assert.Zero(t, f.ledger.calls)
	assert.Equal(t, models.StatusSucceeded, f.events.last().Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsFinished.WithLabelValues("render", "SUCCEEDED")))

	rc, _, _, err := f.storage.GetObject(context.Background(), "exports/job_1.mp4")
	require.NoError(t, err)
	rc.Close()
}

func TestRenderFailureRefundsOnce(t *testing.T) {
	f := newRenderFixture(t, queuedRender("job_2", 2))
	f.pipeline.percents = []int{10}
	f.pipeline.err = errors.Engine("render", "spawn ffmpeg ENOENT", nil)

	require.NoError(t, f.proc.Process(context.Background(), renderMsg(t, "job_2")))

	j := f.store.snapshot("job_2")
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Equal(t, render.FFmpegHint, *j.ErrorMessage)
	assert.Equal(t, map[string]int{"job_2": 2}, f.ledger.refunded)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CreditsRefunded))

	// Redelivery of the same message: pipeline untouched, refund stays single.
	require.NoError(t, f.proc.Process(context.Background(), renderMsg(t, "job_2")))
	assert.Equal(t, 1, f.pipeline.calls)
	assert.Equal(t, 2, f.ledger.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CreditsRefunded))
	assert.Equal(t, models.StatusFailed, f.events.last().Status)
}

func TestRenderSkipsSucceededJob(t *testing.T) {
	done := queuedRender("job_3", 1)
	done.Status = models.StatusSucceeded
	f := newRenderFixture(t, done)

	require.NoError(t, f.proc.Process(context.Background(), renderMsg(t, "job_3")))
	assert.Zero(t, f.pipeline.calls)
	assert.Zero(t, f.ledger.calls)
}

func TestRenderStoreErrorIsRetryable(t *testing.T) {
	f := newRenderFixture(t, queuedRender("job_4", 1))
	f.store.getErr = assert.AnError

	assert.ErrorIs(t, f.proc.Process(context.Background(), renderMsg(t, "job_4")), assert.AnError)
	assert.Zero(t, f.pipeline.calls)
}

func TestRenderUnknownJobIsDropped(t *testing.T) {
	f := newRenderFixture(t)
	assert.NoError(t, f.proc.Process(context.Background(), renderMsg(t, "missing")))
	assert.NoError(t, f.proc.Process(context.Background(), &queue.Message{ID: "bad", Payload: json.RawMessage(`"x"`)}))
}

// Transcription

type memTranscriptionStore struct {
	mu   sync.Mutex
	jobs map[string]*models.TranscriptionJob
}

func (s *memTranscriptionStore) Get(_ context.Context, id string) (*models.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repositories.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (s *memTranscriptionStore) mutate(id string, fn func(j *models.TranscriptionJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return repositories.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return repositories.ErrJobTerminal
	}
	fn(j)
	return nil
}

func (s *memTranscriptionStore) MarkRunning(_ context.Context, id string) error {
	return s.mutate(id, func(j *models.TranscriptionJob) { j.Status = models.StatusRunning })
}

func (s *memTranscriptionStore) UpdateProgress(_ context.Context, id string, p int) (bool, error) {
	err := s.mutate(id, func(j *models.TranscriptionJob) { j.Progress = max(j.Progress, p) })
	return err == nil, err
}

func (s *memTranscriptionStore) MarkSucceeded(_ context.Context, id string, out []byte, d float64) error {
	return s.mutate(id, func(j *models.TranscriptionJob) {
		j.Status = models.StatusSucceeded
		j.Progress = 100
		j.JSONOutput = out
		j.DurationSeconds = &d
	})
}

func (s *memTranscriptionStore) MarkFailed(_ context.Context, id, message string) error {
	return s.mutate(id, func(j *models.TranscriptionJob) {
		j.Status = models.StatusFailed
		j.ErrorMessage = &message
	})
}

// fakeRecognizer writes raw as the engine output.
type fakeRecognizer struct {
	raw string
	err error
	got engine.RecognizeRequest
}

func (f *fakeRecognizer) Recognize(_ context.Context, req engine.RecognizeRequest, onProgress func(int)) error {
	f.got = req
	onProgress(40)
	if f.err != nil {
		return f.err
	}
	onProgress(100)
	return os.WriteFile(req.OutputPath, []byte(f.raw), 0o644)
}

func newTranscribeFixture(t *testing.T, cost int, rec *fakeRecognizer) (*TranscribeProcessor, *memTranscriptionStore, *memLedger) {
	t.Helper()
	st := localfs.New(t.TempDir())
	_, err := st.PutObject(context.Background(), ports.PutObjectInput{ObjectKey: "uploads/usr_1/a.mp3", Reader: strings.NewReader("ID3")})
	require.NoError(t, err)

	prompt := "custom"
	store := &memTranscriptionStore{jobs: map[string]*models.TranscriptionJob{
		"tr_1": {ID: "tr_1", UserID: "usr_1", Status: models.StatusQueued, FileName: "a.MP3",
			StorageKey: "uploads/usr_1/a.mp3", Model: "base", Language: "hinglish", Prompt: &prompt, Cost: cost},
	}}
	ledger := &memLedger{}
	p := NewTranscribeProcessor(TranscribeDeps{
		Jobs:       store,
		Ledger:     ledger,
		Recognizer: rec,
		Storage:    st,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Log:        logger.NewNop(),
		TempDir:    t.TempDir(),
	})
	return p, store, ledger
}

func transcriptionMsg(t *testing.T) *queue.Message {
	t.Helper()
	body, err := json.Marshal(queue.TranscriptionPayload{JobID: "tr_1", UserID: "usr_1"})
	require.NoError(t, err)
	return &queue.Message{ID: "msg_t", Queue: queue.TranscriptionQueue, Payload: body, Attempt: 1}
}

func TestTranscribeSucceeds(t *testing.T) {
	rec := &fakeRecognizer{raw: `{"language":"hi","language_probability":0.9,"segments":[{"start":0,"end":12,"text":"चाजजीपीटी पर फोटो अपलूट करो और वीटियो बनाओ"}]}`}
	p, store, ledger := newTranscribeFixture(t, 0, rec)

	require.NoError(t, p.Process(context.Background(), transcriptionMsg(t)))

	j := store.jobs["tr_1"]
	require.Equal(t, models.StatusSucceeded, j.Status)
	assert.Equal(t, 12.0, *j.DurationSeconds)

	var tr transcript.Transcript
	require.NoError(t, json.Unmarshal(j.JSONOutput, &tr))
	require.Len(t, tr.Segments, 3)
	assert.Equal(t, "चैटजीपीटी पर फोटो", tr.Segments[0].Text)
	assert.Equal(t, 12.0, tr.Segments[2].End)

	assert.Equal(t, "hi", rec.got.Language)
	assert.Equal(t, "custom", rec.got.Prompt)
	assert.Equal(t, "base", rec.got.Model)
	assert.Equal(t, ".mp3", filepath.Ext(rec.got.InputPath))
	_, err := os.Stat(filepath.Dir(rec.got.InputPath))
	assert.True(t, os.IsNotExist(err), "temp dir removed")
	assert.Zero(t, ledger.calls)
}

func TestTranscribeEmptyResultRefunds(t *testing.T) {
	p, store, ledger := newTranscribeFixture(t, 1, &fakeRecognizer{raw: `{"segments":[]}`})

	require.NoError(t, p.Process(context.Background(), transcriptionMsg(t)))

	j := store.jobs["tr_1"]
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Equal(t, transcript.EmptyMessage, *j.ErrorMessage)
	assert.Equal(t, map[string]int{"tr_1": 1}, ledger.refunded)
}

func TestTranscribeEngineFailureWithoutCost(t *testing.T) {
	p, store, ledger := newTranscribeFixture(t, 0, &fakeRecognizer{err: errors.Engine("whisper", "CUDA out of memory", nil)})

	require.NoError(t, p.Process(context.Background(), transcriptionMsg(t)))

	j := store.jobs["tr_1"]
	assert.Equal(t, models.StatusFailed, j.Status)
	assert.Equal(t, "CUDA out of memory", *j.ErrorMessage)
	assert.Equal(t, 40, j.Progress)
	assert.Zero(t, ledger.calls)
}

func TestRunProcessesQueuedRender(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newRenderFixture(t, queuedRender("job_9", 1))
	disp := queue.NewDispatcher(rdb, f.metrics)
	_, err := disp.Enqueue(context.Background(), queue.RenderQueue, queue.RenderPayload{JobID: "job_9", UserID: "usr_1"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Deps{RDB: rdb, Log: logger.NewNop(), Metrics: f.metrics, Render: f.proc, RenderConcurrency: 2, Name: "test"})
	}()

	require.Eventually(t, func() bool {
		return f.store.snapshot("job_9").Status == models.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(context.Background(), "tsx:queue:render-jobs:active:test-0").Result()
		m, _ := rdb.LLen(context.Background(), "tsx:queue:render-jobs:active:test-1").Result()
		return n+m == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}

	stats, err := disp.Stats(context.Background(), queue.RenderQueue)
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Failed)
}
