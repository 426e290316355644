// Package runner drives one job from pickup to a terminal state.
package runner

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/SirClappington/shortsq/internal/coordinator"
	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/fetcher"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/storage"
	"go.uber.org/zap"
)

type Store interface {
	Claim(ctx context.Context, id string, lease time.Duration) (*domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, f storage.Fields) error
	FindByContentIdentity(ctx context.Context, contentID string) (*domain.Job, error)
}

type Fetcher interface {
	Info(ctx context.Context, url, contentID string, cookies map[string]string) (domain.VideoInfo, error)
	Download(ctx context.Context, url, contentID string, cookies map[string]string, p *fetcher.Progress) (string, error)
}

type Storage interface {
	Upload(ctx context.Context, localPath, desiredName string) (coordinator.Uploaded, error)
	RegenerateURL(ctx context.Context, remoteName, provider string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, jobID string, ev events.Event) error
}

type Queue interface {
	Enqueue(ctx context.Context, msg queue.Message, runAt time.Time) error
}

type Refresher interface {
	Trigger(ctx context.Context, reason, triggeredBy string) (bool, error)
}

type Options struct {
	Lease          time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PollInterval   time.Duration
	UploadTimeout  time.Duration
}

type Runner struct {
	store     Store
	fetch     Fetcher
	storage   Storage
	pub       Publisher
	queue     Queue
	refresher Refresher
	opts      Options
	log       *zap.Logger
}

func New(store Store, fetch Fetcher, st Storage, pub Publisher, q Queue, refresher Refresher, opts Options, log *zap.Logger) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Runner{store: store, fetch: fetch, storage: st, pub: pub, queue: q, refresher: refresher, opts: opts, log: log.Named("runner")}
}

// execution is the state of one attempt.
type execution struct {
	r   *Runner
	job *domain.Job
	msg queue.Message
	log *zap.Logger
}

// step persists an update, then publishes it. Progress only moves forward.
func (x *execution) step(ctx context.Context, progress int, f storage.Fields) error {
	p := max(x.job.Progress, progress)
	f.Progress = &p
	if err := x.r.store.UpdateStatus(ctx, x.job.ID, domain.Processing, f); err != nil {
		return err
	}
	x.job.Progress = p
	if f.Video != nil {
		x.job.Video = f.Video
	}
	x.publish(ctx)
	return nil
}

func (x *execution) publish(ctx context.Context) {
	if err := x.r.pub.Publish(ctx, x.job.ID, events.StatusEvent(x.job)); err != nil {
		x.log.Warn("publish progress", zap.Int("progress", x.job.Progress), zap.Error(err))
	}
}

// Run processes one delivery. A returned error means the message was not
// handled and the job is left for the scheduler to redeliver.
func (r *Runner) Run(ctx context.Context, msg queue.Message) error {
	log := r.log.With(zap.String("job", msg.JobID))
	job, ok, err := r.store.Claim(ctx, msg.JobID, r.opts.Lease)
	if domain.HasCode(err, domain.CodeJobNotFound) {
		log.Warn("dropping message for unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("job not claimable, skipping")
		return nil
	}
	log = log.With(zap.Int("attempt", job.Attempt))
	x := &execution{r: r, job: job, msg: msg, log: log}
	x.publish(ctx)

	if err := x.process(ctx); err != nil {
		if ctx.Err() != nil {
			log.Warn("interrupted; lease will expire", zap.Error(err))
			return ctx.Err()
		}
		x.fail(ctx, err)
	}
	return nil
}

func (x *execution) process(ctx context.Context) error {
	contentID, err := domain.ParseSource(x.job.URL)
	if err != nil {
		return err
	}
	prior, err := x.r.store.FindByContentIdentity(ctx, contentID)
	if err != nil {
		return err
	}
	if prior != nil && prior.ID != x.job.ID {
		return x.reuse(ctx, contentID, prior)
	}
	return x.fetchAndUpload(ctx, contentID)
}

// reuse completes the job from a prior completed job for the same content.
func (x *execution) reuse(ctx context.Context, contentID string, prior *domain.Job) error {
	x.log.Info("reusing stored object", zap.String("from", prior.ID), zap.String("content", contentID))
	if err := x.step(ctx, 10, storage.Fields{ContentID: &contentID, Video: prior.Video}); err != nil {
		return err
	}
	if err := x.step(ctx, 30, storage.Fields{}); err != nil {
		return err
	}
	url, err := x.r.storage.RegenerateURL(ctx, *prior.RemoteName, *prior.Provider)
	if err != nil {
		x.log.Warn("regenerate url failed, using stored one", zap.Error(err))
		url = *prior.DownloadURL
	}
	for _, p := range []int{50, 70, 90} {
		if err := x.step(ctx, p, storage.Fields{}); err != nil {
			return err
		}
	}
	obj, _ := prior.Object()
	return x.complete(ctx, coordinator.Uploaded{URL: url, Provider: obj.Provider, RemoteName: obj.RemoteName, Size: obj.Size})
}

func (x *execution) fetchAndUpload(ctx context.Context, contentID string) error {
	info, err := x.r.fetch.Info(ctx, x.job.URL, contentID, x.msg.Cookies)
	if err != nil {
		return err
	}
	if err := x.step(ctx, 10, storage.Fields{ContentID: &contentID, Video: &info}); err != nil {
		return err
	}

	path, err := x.download(ctx, contentID)
	if path != "" {
		defer func() {
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				x.log.Warn("remove local file", zap.String("path", path), zap.Error(rerr))
			}
		}()
	}
	if err != nil {
		return err
	}
	if err := x.step(ctx, 90, storage.Fields{}); err != nil {
		return err
	}
	if err := x.step(ctx, 92, storage.Fields{}); err != nil {
		return err
	}
	up, err := x.upload(ctx, path, desiredName(info, contentID))
	if err != nil {
		return err
	}
	if err := x.step(ctx, 98, storage.Fields{}); err != nil {
		return err
	}
	return x.complete(ctx, up)
}

// download runs the fetch on its own goroutine and forwards rescaled progress
// every poll interval until it finishes.
func (x *execution) download(ctx context.Context, contentID string) (string, error) {
	type result struct {
		path string
		err  error
	}
	var prog fetcher.Progress
	done := make(chan result, 1)
	go func() {
		path, err := x.r.fetch.Download(ctx, x.job.URL, contentID, x.msg.Cookies, &prog)
		done <- result{path, err}
	}()

	tick := time.NewTicker(x.r.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case res := <-done:
			return res.path, res.err
		case <-tick.C:
			if p := fetcher.Rescale(prog.Load()); p > x.job.Progress {
				if err := x.step(ctx, p, storage.Fields{}); err != nil {
					x.log.Warn("persist download progress", zap.Error(err))
				}
			}
		}
	}
}

// upload bounds the transfer by UploadTimeout. Running out of time is worth
// another attempt.
func (x *execution) upload(ctx context.Context, path, name string) (coordinator.Uploaded, error) {
	if x.r.opts.UploadTimeout <= 0 {
		return x.r.storage.Upload(ctx, path, name)
	}
	uctx, cancel := context.WithTimeout(ctx, x.r.opts.UploadTimeout)
	defer cancel()
	up, err := x.r.storage.Upload(uctx, path, name)
	if err != nil && ctx.Err() == nil && errors.Is(uctx.Err(), context.DeadlineExceeded) {
		return up, domain.Transient(err)
	}
	return up, err
}

func desiredName(info domain.VideoInfo, contentID string) string {
	if t := strings.TrimSpace(info.Title); t != "" {
		return t + ".mp4"
	}
	return contentID + ".mp4"
}

func (x *execution) complete(ctx context.Context, up coordinator.Uploaded) error {
	f := storage.Fields{
		Progress:    domain.Ptr(100),
		Video:       x.job.Video,
		DownloadURL: &up.URL,
		Provider:    &up.Provider,
		RemoteName:  &up.RemoteName,
		SizeBytes:   &up.Size,
	}
	if err := x.r.store.UpdateStatus(ctx, x.job.ID, domain.Completed, f); err != nil {
		return err
	}
	x.job.Status, x.job.Progress = domain.Completed, 100
	x.job.DownloadURL, x.job.Provider, x.job.RemoteName, x.job.SizeBytes = &up.URL, &up.Provider, &up.RemoteName, &up.Size
	x.job.Error, x.job.ErrorCode = nil, nil
	x.publish(ctx)
	x.log.Info("job completed", zap.String("provider", up.Provider), zap.String("file", up.RemoteName))
	return nil
}

func describe(err error) (*domain.Error, string) {
	e, ok := domain.AsError(err)
	if !ok {
		e = domain.Internal(err)
	}
	msg := e.Message
	if reason, ok := e.Details["reason"].(string); ok && reason != "" {
		msg += ": " + reason
	}
	return e, msg
}

// fail retries transient errors with backoff while attempts remain, and
// otherwise moves the job to failed.
func (x *execution) fail(ctx context.Context, err error) {
	e, msg := describe(err)
	code := string(e.Code)
	log := x.log.With(zap.String("code", code), zap.Error(err))

	if e.Code == domain.CodeCookiesUnavailable && x.r.refresher != nil {
		if _, rerr := x.r.refresher.Trigger(ctx, "bot_detection", x.job.ID); rerr != nil {
			log.Warn("auth refresh signal", zap.NamedError("signal_error", rerr))
		}
	}

	if e.Retryable && x.job.Attempt < x.job.MaxAttempts {
		if x.retry(ctx, msg, code) == nil {
			return
		}
	}

	log.Error("job failed")
	if uerr := x.r.store.UpdateStatus(ctx, x.job.ID, domain.Failed, storage.Fields{Error: &msg, ErrorCode: &code}); uerr != nil {
		log.Error("persist failure", zap.NamedError("persist_error", uerr))
		return
	}
	x.job.Status, x.job.Error, x.job.ErrorCode = domain.Failed, &msg, &code
	x.publish(ctx)
}

func (x *execution) retry(ctx context.Context, msg, code string) error {
	delay := Backoff(x.job.Attempt, x.r.opts.RetryBaseDelay, x.r.opts.RetryMaxDelay)
	if err := x.r.store.UpdateStatus(ctx, x.job.ID, domain.Processing, storage.Fields{
		Error: &msg, ErrorCode: &code, ReleaseLease: true,
	}); err != nil {
		x.log.Error("record retry", zap.Error(err))
		return err
	}
	next := x.msg
	next.Attempt = x.job.Attempt + 1
	if err := x.r.queue.Enqueue(ctx, next, time.Now().Add(delay)); err != nil {
		x.log.Error("requeue", zap.Error(err))
		return err
	}
	x.job.Error, x.job.ErrorCode = &msg, &code
	x.publish(ctx)
	x.log.Warn("job will retry", zap.String("code", code), zap.Duration("in", delay), zap.Int("next_attempt", next.Attempt))
	return nil
}
