package httpapi

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"tsxstudio/internal/db"
	"tsxstudio/internal/ledger"
	"tsxstudio/internal/models"
	"tsxstudio/internal/pkg/errors"
	"tsxstudio/internal/ports"
	"tsxstudio/internal/queue"
	"tsxstudio/internal/repositories"
)

// tokenVerifier treats the bearer token as the user ID.
type tokenVerifier struct{}

func (tokenVerifier) Verify(token string) (string, error) {
	if token == "bad" {
		return "", errors.Unauthorized("bad token")
	}
	return token, nil
}

type fakeTokens struct{}

func (fakeTokens) Issue(userID string) (string, error) { return "tok-" + userID, nil }

type fakeLedger struct {
	mu      sync.Mutex
	balance map[string]int
	refunds map[string]int
	granted map[string]string

	// failRefunds makes that many Refund calls fail before one succeeds.
	failRefunds   int
	refundAttempt int
}

func newLedger() *fakeLedger {
	return &fakeLedger{balance: map[string]int{}, refunds: map[string]int{}, granted: map[string]string{}}
}

func (l *fakeLedger) get(userID string) int {
	b, ok := l.balance[userID]
	if !ok {
		b = ledger.FreeCredits
		l.balance[userID] = b
	}
	return b
}

func (l *fakeLedger) Admit(ctx context.Context, userID string, cost int, jobID string, create ledger.CreateFunc) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(userID)
	if b < cost {
		return b, errors.InsufficientCredits(userID, b, cost)
	}
	if err := create(ctx, nil); err != nil {
		return b, err
	}
	l.balance[userID] = b - cost
	return b - cost, nil
}

func (l *fakeLedger) Refund(_ context.Context, userID, jobID string, cost int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refundAttempt++
	if l.failRefunds > 0 {
		l.failRefunds--
		return false, errors.Internal("connection reset by peer")
	}
	if _, done := l.refunds[jobID]; done {
		return false, nil
	}
	l.refunds[jobID] = cost
	l.balance[userID] = l.get(userID) + cost
	return true, nil
}

func (l *fakeLedger) Balance(_ context.Context, userID string) (models.Entitlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.Entitlement{UserID: userID, Plan: "FREE", CreditsBalance: l.get(userID), MonthlyCredits: ledger.FreeCredits}, nil
}

func (l *fakeLedger) History(_ context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return []models.CreditTransaction{{ID: "t1", UserID: userID, Type: models.TxGrant, Amount: ledger.FreeCredits}}, nil
}

func (l *fakeLedger) SignupGrant(_ context.Context, userID, referrerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.granted[userID]; ok {
		return false, nil
	}
	l.granted[userID] = referrerID
	l.balance[userID] = ledger.FreeCredits
	if referrerID != "" {
		l.balance[userID] = ledger.ReferredSignupCredits
		l.balance[referrerID] = l.get(referrerID) + ledger.ReferrerBonus
	}
	return true, nil
}

type memProjects struct {
	projects map[string]models.Project
	versions map[string][]models.ProjectVersion
}

func newProjects() *memProjects {
	return &memProjects{projects: map[string]models.Project{}, versions: map[string][]models.ProjectVersion{}}
}

func (s *memProjects) seed(p models.Project, vs ...models.ProjectVersion) {
	s.projects[p.ID] = p
	s.versions[p.ID] = vs
}

func (s *memProjects) Create(_ context.Context, p *models.Project, first *models.ProjectVersion) error {
	s.projects[p.ID] = *p
	if first != nil {
		first.ProjectID, first.VersionNumber = p.ID, 1
		s.versions[p.ID] = []models.ProjectVersion{*first}
		p.Versions = []models.ProjectVersion{*first}
	}
	return nil
}

func (s *memProjects) List(_ context.Context, userID string) ([]models.Project, error) {
	var out []models.Project
	for _, p := range s.projects {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memProjects) Get(_ context.Context, id, userID string) (*models.Project, error) {
	p, ok := s.projects[id]
	if !ok || p.UserID != userID {
		return nil, repositories.ErrProjectNotFound
	}
	return &p, nil
}

func (s *memProjects) CreateVersion(_ context.Context, v *models.ProjectVersion) error {
	v.VersionNumber = len(s.versions[v.ProjectID]) + 1
	s.versions[v.ProjectID] = append(s.versions[v.ProjectID], *v)
	return nil
}

func (s *memProjects) GetVersion(_ context.Context, projectID, versionID string) (*models.ProjectVersion, error) {
	for _, v := range s.versions[projectID] {
		if v.ID == versionID {
			return &v, nil
		}
	}
	return nil, repositories.ErrVersionNotFound
}

func (s *memProjects) ListVersions(_ context.Context, projectID string) ([]models.ProjectVersion, error) {
	vs := append([]models.ProjectVersion(nil), s.versions[projectID]...)
	sort.Slice(vs, func(i, j int) bool { return vs[i].VersionNumber > vs[j].VersionNumber })
	return vs, nil
}

// memRenders mimics the status guards of RenderJobRepository.
type memRenders struct {
	mu    sync.Mutex
	order []string
	jobs  map[string]*models.RenderJob
	clock time.Time
}

func newRenders() *memRenders {
	return &memRenders{jobs: map[string]*models.RenderJob{}, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *memRenders) job(id string) models.RenderJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memRenders) Create(_ context.Context, _ db.Querier, j *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	j.CreatedAt, j.UpdatedAt = s.clock, s.clock
	c := *j
	s.jobs[j.ID] = &c
	s.order = append(s.order, j.ID)
	return nil
}

func (s *memRenders) Get(_ context.Context, id string) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repositories.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (s *memRenders) ListByUser(_ context.Context, userID, projectID string, limit int) ([]models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RenderJob
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		j := s.jobs[s.order[i]]
		if j.UserID == userID && (projectID == "" || j.ProjectID == projectID) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memRenders) mutate(id string, fn func(j *models.RenderJob)) error {
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

func (s *memRenders) MarkRunning(_ context.Context, id string) error {
	return s.mutate(id, func(j *models.RenderJob) { j.Status = models.StatusRunning })
}

func (s *memRenders) UpdateProgress(_ context.Context, id string, p int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	if p > j.Progress {
		j.Progress = min(p, 100)
	}
	return true, nil
}

func (s *memRenders) MarkSucceeded(_ context.Context, id string, res models.RenderResult) error {
	return s.mutate(id, func(j *models.RenderJob) {
		j.Status, j.Progress = models.StatusSucceeded, 100
		j.OutputURL, j.StorageKey = &res.OutputURL, &res.StorageKey
		j.OutputSizeBytes, j.DurationSeconds = &res.OutputSizeBytes, &res.DurationSeconds
	})
}

func (s *memRenders) MarkFailed(_ context.Context, id, msg string) error {
	return s.mutate(id, func(j *models.RenderJob) {
		j.Status, j.ErrorMessage = models.StatusFailed, &msg
	})
}

func (s *memRenders) LatestLocalReady(_ context.Context, userID, projectID string) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if j.UserID == userID && j.ProjectID == projectID && j.Status == models.StatusLocalReady {
			c := *j
			return &c, nil
		}
	}
	return nil, repositories.ErrJobNotFound
}

func (s *memRenders) AttachLocalResult(ctx context.Context, id string, status models.JobStatus, res models.RenderResult) error {
	if status == models.StatusFailed {
		return s.MarkFailed(ctx, id, "Local render failed")
	}
	return s.MarkSucceeded(ctx, id, res)
}

type memTranscriptions struct {
	mu   sync.Mutex
	jobs map[string]*models.TranscriptionJob
}

func newTranscriptions() *memTranscriptions {
	return &memTranscriptions{jobs: map[string]*models.TranscriptionJob{}}
}

func (s *memTranscriptions) Create(_ context.Context, _ db.Querier, j *models.TranscriptionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *j
	s.jobs[j.ID] = &c
	return nil
}

func (s *memTranscriptions) Get(_ context.Context, id string) (*models.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, repositories.ErrJobNotFound
	}
	c := *j
	return &c, nil
}

func (s *memTranscriptions) ListByUser(_ context.Context, userID string, limit int) ([]models.TranscriptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TranscriptionJob
	for _, j := range s.jobs {
		if j.UserID == userID && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memTranscriptions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return repositories.ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *memTranscriptions) MarkFailed(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return repositories.ErrJobNotFound
	}
	j.Status, j.ErrorMessage = models.StatusFailed, &msg
	return nil
}

type sent struct {
	queue   string
	payload any
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, payload any, _ *queue.Options) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.sent = append(q.sent, sent{queue: name, payload: payload})
	return &queue.Message{ID: "m" + string(rune('0'+len(q.sent))), Queue: name, Attempt: 1}, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStorage() *memStorage { return &memStorage{objects: map[string][]byte{}} }

func (s *memStorage) Provider() string { return "mem" }

func (s *memStorage) PutObject(_ context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[in.ObjectKey] = b
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(b))}, nil
}

func (s *memStorage) GetObject(_ context.Context, key string) (io.ReadCloser, string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, "", 0, ports.ErrObjectNotFound
	}
	ct := "application/octet-stream"
	if strings.HasSuffix(key, ".mp4") {
		ct = "video/mp4"
	}
	return io.NopCloser(bytes.NewReader(b)), ct, int64(len(b)), nil
}

func (s *memStorage) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ports.ErrObjectNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *memStorage) GetSignedURL(context.Context, string, time.Duration) (ports.SignedURLOutput, error) {
	return ports.SignedURLOutput{}, nil
}

func (s *memStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
