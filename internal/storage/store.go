package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Fields is a partial job update. Nil members leave the column unchanged.
type Fields struct {
	Progress     *int
	ContentID    *string
	Video        *domain.VideoInfo
	DownloadURL  *string
	Provider     *string
	RemoteName   *string
	SizeBytes    *int64
	Error        *string
	ErrorCode    *string
	ReleaseLease bool
}

type Filter struct {
	Status *domain.Status
	Search string
	UserID *string
}

const jobCols = `job_id, source_url, content_id, status, progress, video_info, download_url,
storage_provider, remote_name, file_size, error, error_code, user_id, attempt, max_attempts,
lease_expires_at, expired, expired_at, created_at, updated_at`

const uniqueViolation = "23505"

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j      domain.Job
		status string
		video  []byte
	)
	err := row.Scan(&j.ID, &j.URL, &j.ContentID, &status, &j.Progress, &video, &j.DownloadURL,
		&j.Provider, &j.RemoteName, &j.SizeBytes, &j.Error, &j.ErrorCode, &j.UserID, &j.Attempt,
		&j.MaxAttempts, &j.LeaseExpiresAt, &j.Expired, &j.ExpiredAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Status = domain.Status(status)
	if len(video) > 0 {
		j.Video = &domain.VideoInfo{}
		if err := json.Unmarshal(video, j.Video); err != nil {
			return j, errors.Wrap(err, "decode video_info")
		}
	}
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Job, error) { return scanJob(row) })
}

func videoJSON(v *domain.VideoInfo) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Create persists a new queued job.
func (s *Store) Create(ctx context.Context, j *domain.Job) error {
	video, err := videoJSON(j.Video)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `insert into jobs(job_id, source_url, content_id, status, progress, video_info, user_id, max_attempts)
values ($1,$2,$3,'queued',0,$4,$5,$6)`, j.ID, j.URL, j.ContentID, video, j.UserID, j.MaxAttempts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.DuplicateJobID(j.ID)
		}
		return domain.DatabaseError("create job", err)
	}
	j.Status = domain.Queued
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobCols+` from jobs where job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.JobNotFound(id)
	}
	if err != nil {
		return nil, domain.DatabaseError("get job", err)
	}
	return &j, nil
}

// Claim moves a deliverable job to processing under a fresh lease. ok is false
// when the job is terminal or another worker holds a live lease.
func (s *Store) Claim(ctx context.Context, id string, lease time.Duration) (*domain.Job, bool, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `update jobs set
    status = 'processing',
    progress = greatest(progress, 5),
    attempt = attempt + 1,
    lease_expires_at = now() + make_interval(secs => $2),
    updated_at = now()
 where job_id = $1
   and (status = 'queued' or (status = 'processing' and (lease_expires_at is null or lease_expires_at < now())))
returning `+jobCols, id, lease.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return nil, false, gerr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.DatabaseError("claim job", err)
	}
	return &j, true, nil
}

// UpdateStatus applies f and moves the job to status, provided the current
// status is an allowed predecessor. Progress never moves backwards while the
// job is processing. Terminal states drop the lease.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status, f Fields) error {
	if !status.Valid() || status == domain.Queued {
		return errors.Wrapf(domain.ErrInvalidTransition, "to %s", status)
	}
	if status == domain.Completed && (f.DownloadURL == nil || f.Provider == nil || f.RemoteName == nil) {
		return errors.Wrapf(domain.ErrIncompleteResult, "job %s", id)
	}
	video, err := videoJSON(f.Video)
	if err != nil {
		return err
	}
	preds := make([]string, 0, 2)
	for _, p := range status.Predecessors() {
		preds = append(preds, string(p))
	}

	tag, err := s.db.Exec(ctx, `update jobs set
    status = $2,
    progress = case when $2 = 'processing' then greatest(progress, coalesce($3, progress)) else coalesce($3, progress) end,
    content_id = coalesce($4, content_id),
    video_info = coalesce($5::jsonb, video_info),
    download_url = coalesce($6, download_url),
    storage_provider = coalesce($7, storage_provider),
    remote_name = coalesce($8, remote_name),
    file_size = coalesce($9, file_size),
    error = case when $2 = 'completed' then null else coalesce($10, error) end,
    error_code = case when $2 = 'completed' then null else coalesce($11, error_code) end,
    lease_expires_at = case when $2 in ('completed', 'failed') or $12 then null else lease_expires_at end,
    updated_at = now()
 where job_id = $1 and status = any($13)`,
		id, string(status), f.Progress, f.ContentID, video, f.DownloadURL, f.Provider, f.RemoteName,
		f.SizeBytes, f.Error, f.ErrorCode, f.ReleaseLease, preds)
	if err != nil {
		return domain.DatabaseError("update job", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", cur.Status, status)
}

// FindByContentIdentity returns the newest completed job for the content that
// still has a live download url, or nil.
func (s *Store) FindByContentIdentity(ctx context.Context, contentID string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobCols+` from jobs
 where content_id = $1 and status = 'completed' and not expired and download_url is not null
 order by created_at desc limit 1`, contentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.DatabaseError("find by content", err)
	}
	return &j, nil
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		conds = append(conds, fmt.Sprintf("video_info->>'title' ilike $%d", len(args)))
	}
	if f.UserID != nil {
		args = append(args, *f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " where " + strings.Join(conds, " and "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListPage returns one newest-first page (1-based) and the total match count.
func (s *Store) ListPage(ctx context.Context, f Filter, page, size int) ([]domain.Job, int, error) {
	where, args := f.where()
	var total int
	if err := s.db.QueryRow(ctx, `select count(*) from jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, domain.DatabaseError("count history", err)
	}
	args = append(args, size, (page-1)*size)
	rows, err := s.db.Query(ctx, fmt.Sprintf(`select %s from jobs%s order by created_at desc limit $%d offset $%d`,
		jobCols, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, domain.DatabaseError("list history", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, domain.DatabaseError("list history", err)
	}
	return jobs, total, nil
}

// DeleteExpired removes rows older than olderThan in one of statuses. Completed
// rows go only once expired.
func (s *Store) DeleteExpired(ctx context.Context, olderThan time.Time, statuses []domain.Status) (int64, error) {
	st := make([]string, len(statuses))
	for i, v := range statuses {
		st[i] = string(v)
	}
	tag, err := s.db.Exec(ctx, `delete from jobs
 where created_at < $1 and status = any($2) and (status <> 'completed' or expired)`, olderThan, st)
	if err != nil {
		return 0, domain.DatabaseError("delete expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `delete from jobs where job_id = $1`, id)
	if err != nil {
		return domain.DatabaseError("delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.JobNotFound(id)
	}
	return nil
}

// ListExpirable returns completed jobs created before cutoff that still hold a download url, oldest first.
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobCols+` from jobs
 where status = 'completed' and not expired and created_at < $1
 order by created_at asc limit $2`, cutoff, limit)
	if err != nil {
		return nil, domain.DatabaseError("list expirable", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, domain.DatabaseError("list expirable", err)
	}
	return jobs, nil
}

// CountReferences counts live completed jobs other than excludeID that point at obj.
func (s *Store) CountReferences(ctx context.Context, obj domain.StoredObject, excludeID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `select count(*) from jobs
 where status = 'completed' and not expired
   and storage_provider = $1 and remote_name = $2 and job_id <> $3`,
		obj.Provider, obj.RemoteName, excludeID).Scan(&n)
	if err != nil {
		return 0, domain.DatabaseError("count references", err)
	}
	return n, nil
}

// MarkExpired clears the download url of a completed job.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `update jobs
   set expired = true, expired_at = now(), download_url = null, updated_at = now()
 where job_id = $1 and status = 'completed'`, id)
	if err != nil {
		return domain.DatabaseError("mark expired", err)
	}
	return nil
}

// ListStaleLeases returns processing jobs whose worker lease ran out.
func (s *Store) ListStaleLeases(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobCols+` from jobs
 where status = 'processing' and lease_expires_at is not null and lease_expires_at < now()
 limit $1`, limit)
	if err != nil {
		return nil, domain.DatabaseError("list stale leases", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, domain.DatabaseError("list stale leases", err)
	}
	return jobs, nil
}

// ListUnqueued returns deliverable jobs nobody touched since olderThan.
func (s *Store) ListUnqueued(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobCols+` from jobs
 where (status = 'queued' or (status = 'processing' and lease_expires_at is null))
   and updated_at < $1
 order by created_at asc limit $2`, olderThan, limit)
	if err != nil {
		return nil, domain.DatabaseError("list unqueued", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, domain.DatabaseError("list unqueued", err)
	}
	return jobs, nil
}

// Touch bumps updated_at so a re-pushed job is not picked up again next tick.
func (s *Store) Touch(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `update jobs set updated_at = now() where job_id = $1`, id); err != nil {
		return domain.DatabaseError("touch job", err)
	}
	return nil
}
