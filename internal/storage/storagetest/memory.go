// Package storagetest provides an in-memory store with the same semantics as
// the Postgres one, for component tests.
package storagetest

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/storage"
	"github.com/pkg/errors"
)

type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	usage map[string]*domain.ProviderUsage
	seq   int
	now   func() time.Time

	// History records every persisted (status, progress) pair per job.
	History map[string][]Snapshot
	// FailNext makes the next mutating call return this error.
	FailNext error
}

type Snapshot struct {
	Status   domain.Status
	Progress int
}

func New() *Memory {
	return &Memory{
		jobs:    map[string]*domain.Job{},
		usage:   map[string]*domain.ProviderUsage{},
		History: map[string][]Snapshot{},
		now:     time.Now,
	}
}

// SetClock overrides time.Now.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) fail() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func clone(j *domain.Job) *domain.Job {
	cp := *j
	if j.Video != nil {
		v := *j.Video
		cp.Video = &v
	}
	return &cp
}

func (m *Memory) record(j *domain.Job) {
	m.History[j.ID] = append(m.History[j.ID], Snapshot{j.Status, j.Progress})
}

func (m *Memory) Create(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if _, ok := m.jobs[j.ID]; ok {
		return domain.DuplicateJobID(j.ID)
	}
	cp := clone(j)
	cp.Status, cp.Progress = domain.Queued, 0
	// created_at strictly increases so ordering is stable in tests.
	m.seq++
	cp.CreatedAt = m.now().Add(time.Duration(m.seq) * time.Microsecond)
	cp.UpdatedAt = cp.CreatedAt
	m.jobs[j.ID] = cp
	m.record(cp)
	j.Status, j.CreatedAt = domain.Queued, cp.CreatedAt
	return nil
}

// Put stores j as is, for seeding fixtures.
func (m *Memory) Put(j *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = clone(j)
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.JobNotFound(id)
	}
	return clone(j), nil
}

func (m *Memory) Claim(_ context.Context, id string, lease time.Duration) (*domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, false, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, false, domain.JobNotFound(id)
	}
	now := m.now()
	free := j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(now)
	if !(j.Status == domain.Queued || (j.Status == domain.Processing && free)) {
		return nil, false, nil
	}
	j.Status = domain.Processing
	j.Progress = max(j.Progress, 5)
	j.Attempt++
	exp := now.Add(lease)
	j.LeaseExpiresAt = &exp
	j.UpdatedAt = now
	m.record(j)
	return clone(j), true, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status domain.Status, f storage.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	if !status.Valid() || status == domain.Queued {
		return errors.Wrapf(domain.ErrInvalidTransition, "to %s", status)
	}
	if status == domain.Completed && (f.DownloadURL == nil || f.Provider == nil || f.RemoteName == nil) {
		return errors.Wrapf(domain.ErrIncompleteResult, "job %s", id)
	}
	j, ok := m.jobs[id]
	if !ok {
		return domain.JobNotFound(id)
	}
	if !domain.CanTransition(j.Status, status) {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", j.Status, status)
	}
	j.Status = status
	if f.Progress != nil {
		if status == domain.Processing {
			j.Progress = max(j.Progress, *f.Progress)
		} else {
			j.Progress = *f.Progress
		}
	}
	set(&j.ContentID, f.ContentID)
	if f.Video != nil {
		v := *f.Video
		j.Video = &v
	}
	set(&j.DownloadURL, f.DownloadURL)
	set(&j.Provider, f.Provider)
	set(&j.RemoteName, f.RemoteName)
	set(&j.SizeBytes, f.SizeBytes)
	if status == domain.Completed {
		j.Error, j.ErrorCode = nil, nil
	} else {
		set(&j.Error, f.Error)
		set(&j.ErrorCode, f.ErrorCode)
	}
	if status.Terminal() || f.ReleaseLease {
		j.LeaseExpiresAt = nil
	}
	j.UpdatedAt = m.now()
	m.record(j)
	return nil
}

func set[T any](dst **T, v *T) {
	if v != nil {
		cp := *v
		*dst = &cp
	}
}

func (m *Memory) sorted(keep func(*domain.Job) bool, newestFirst bool) []domain.Job {
	var out []domain.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if newestFirst {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

func (m *Memory) FindByContentIdentity(_ context.Context, contentID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits := m.sorted(func(j *domain.Job) bool {
		return j.ContentID != nil && *j.ContentID == contentID && j.Status == domain.Completed &&
			!j.Expired && j.DownloadURL != nil
	}, true)
	if len(hits) == 0 {
		return nil, nil
	}
	return &hits[0], nil
}

func (m *Memory) ListPage(_ context.Context, f storage.Filter, page, size int) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(j *domain.Job) bool {
		if f.Status != nil && j.Status != *f.Status {
			return false
		}
		if f.UserID != nil && (j.UserID == nil || *j.UserID != *f.UserID) {
			return false
		}
		if f.Search != "" {
			if j.Video == nil || !strings.Contains(strings.ToLower(j.Video.Title), strings.ToLower(f.Search)) {
				return false
			}
		}
		return true
	}, true)
	start := (page - 1) * size
	if start >= len(all) {
		return []domain.Job{}, len(all), nil
	}
	return all[start:min(start+size, len(all))], len(all), nil
}

func (m *Memory) DeleteExpired(_ context.Context, olderThan time.Time, statuses []domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.CreatedAt.Before(olderThan) && slices.Contains(statuses, j.Status) &&
			(j.Status != domain.Completed || j.Expired) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.JobNotFound(id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListExpirable(_ context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(j *domain.Job) bool {
		return j.Status == domain.Completed && !j.Expired && j.CreatedAt.Before(cutoff)
	}, false)
	return out[:min(limit, len(out))], nil
}

func (m *Memory) CountReferences(_ context.Context, obj domain.StoredObject, excludeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.ID == excludeID || j.Status != domain.Completed || j.Expired {
			continue
		}
		if o, ok := j.Object(); ok && o.Provider == obj.Provider && o.RemoteName == obj.RemoteName {
			n++
		}
	}
	return n, nil
}

func (m *Memory) MarkExpired(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == domain.Completed {
		now := m.now()
		j.Expired, j.ExpiredAt, j.DownloadURL, j.UpdatedAt = true, &now, nil, now
	}
	return nil
}

func (m *Memory) ListStaleLeases(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := m.sorted(func(j *domain.Job) bool {
		return j.Status == domain.Processing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
	}, false)
	return out[:min(limit, len(out))], nil
}

func (m *Memory) ListUnqueued(_ context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(j *domain.Job) bool {
		deliverable := j.Status == domain.Queued || (j.Status == domain.Processing && j.LeaseExpiresAt == nil)
		return deliverable && j.UpdatedAt.Before(olderThan)
	}, false)
	return out[:min(limit, len(out))], nil
}

func (m *Memory) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) InitProvider(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usage[name]; !ok {
		m.usage[name] = &domain.ProviderUsage{Provider: name, LastUpdated: m.now()}
	}
	return nil
}

func (m *Memory) AdjustUsage(_ context.Context, name string, dBytes, dFiles, ceiling int64) (domain.ProviderUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return domain.ProviderUsage{}, err
	}
	u, ok := m.usage[name]
	if !ok {
		u = &domain.ProviderUsage{Provider: name}
		m.usage[name] = u
	}
	u.TotalBytes = max(u.TotalBytes+dBytes, 0)
	u.FileCount = max(u.FileCount+dFiles, 0)
	u.IsFull = u.TotalBytes >= ceiling
	if !u.IsFull {
		u.AlertSent = false
	}
	u.LastUpdated = m.now()
	return *u, nil
}

func (m *Memory) ClaimAlert(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[name]
	if !ok || !u.IsFull || u.AlertSent {
		return false, nil
	}
	u.AlertSent = true
	return true, nil
}

func (m *Memory) GetUsage(_ context.Context, name string) (domain.ProviderUsage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[name]
	if !ok {
		return domain.ProviderUsage{Provider: name}, false, nil
	}
	return *u, true, nil
}

func (m *Memory) ListUsage(_ context.Context) ([]domain.ProviderUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ProviderUsage, 0, len(m.usage))
	for _, u := range m.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Provider < out[b].Provider })
	return out, nil
}

func (m *Memory) OverwriteUsage(_ context.Context, name string, bytes, files, ceiling int64) (domain.ProviderUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[name]
	if !ok {
		u = &domain.ProviderUsage{Provider: name}
		m.usage[name] = u
	}
	u.TotalBytes, u.FileCount = bytes, files
	u.IsFull = bytes >= ceiling
	if !u.IsFull {
		u.AlertSent = false
	}
	u.LastUpdated = m.now()
	return *u, nil
}
