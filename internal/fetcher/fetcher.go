// Package fetcher drives yt-dlp for metadata and media downloads.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/google/uuid"
	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"
)

const downloadFormat = "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"

type Options struct {
	DownloadDir  string
	Executable   string
	CookiesFile  string
	Proxy        string
	InfoTimeout  time.Duration
	FetchTimeout time.Duration
}

type Fetcher struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options, log *zap.Logger) *Fetcher {
	return &Fetcher{opts: opts, log: log.Named("fetcher")}
}

// Progress is a native 0-100 percent written by the download callback and
// read by the poller.
type Progress struct{ v atomic.Int64 }

func (p *Progress) Set(pct int) { p.v.Store(int64(min(max(pct, 0), 100))) }
func (p *Progress) Load() int   { return int(p.v.Load()) }

// Rescale maps native download percent into the 20-80 job progress band.
func Rescale(native int) int {
	native = min(max(native, 0), 100)
	return 20 + native*60/100
}

func (f *Fetcher) command(cookieFile string) *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist()
	if f.opts.Executable != "" {
		cmd.SetExecutable(f.opts.Executable)
	}
	if cookieFile != "" {
		cmd.Cookies(cookieFile).ExtractorArgs("youtube:player_client=web")
	} else {
		cmd.ExtractorArgs("youtube:player_client=android,ios")
	}
	if f.opts.Proxy != "" {
		cmd.Proxy(f.opts.Proxy)
	}
	return cmd
}

// cookies picks the server cookie file if present, else writes the per-job
// cookies to a temp file. cleanup is always safe to call.
func (f *Fetcher) cookies(jobCookies map[string]string) (path string, cleanup func(), err error) {
	cleanup = func() {}
	if f.opts.CookiesFile != "" {
		if _, err := os.Stat(f.opts.CookiesFile); err == nil {
			return f.opts.CookiesFile, cleanup, nil
		}
	}
	if len(jobCookies) == 0 {
		return "", cleanup, nil
	}
	path, err = WriteCookieFile(os.TempDir(), jobCookies)
	if err != nil {
		return "", cleanup, err
	}
	return path, func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("remove cookie file", zap.String("path", path), zap.Error(err))
		}
	}, nil
}

// WriteCookieFile writes cookies in Netscape format and returns the file path.
func WriteCookieFile(dir string, cookies map[string]string) (string, error) {
	fh, err := os.CreateTemp(dir, "yt_cookies_*.txt")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for name, value := range cookies {
		fmt.Fprintf(&b, ".youtube.com\tTRUE\t/\tTRUE\t0\t%s\t%s\n", name, value)
	}
	if _, err := fh.WriteString(b.String()); err != nil {
		fh.Close()
		os.Remove(fh.Name())
		return "", err
	}
	if err := fh.Close(); err != nil {
		os.Remove(fh.Name())
		return "", err
	}
	return fh.Name(), nil
}

type rawInfo struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail"`
	Duration  float64 `json:"duration"`
	Height    int     `json:"height"`
	FileSize  int64   `json:"filesize"`
	Approx    int64   `json:"filesize_approx"`
}

func parseInfo(stdout string) (domain.VideoInfo, error) {
	var raw rawInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &raw); err != nil {
		return domain.VideoInfo{}, fmt.Errorf("decode yt-dlp json: %w", err)
	}
	v := domain.VideoInfo{
		ID:        raw.ID,
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Duration:  int(raw.Duration),
		FileSize:  raw.FileSize,
	}
	if v.FileSize == 0 {
		v.FileSize = raw.Approx
	}
	if raw.Height > 0 {
		v.Quality = fmt.Sprintf("%dp", raw.Height)
	}
	return v, nil
}

// Info fetches metadata without downloading.
func (f *Fetcher) Info(ctx context.Context, url, contentID string, jobCookies map[string]string) (domain.VideoInfo, error) {
	cookieFile, cleanup, err := f.cookies(jobCookies)
	if err != nil {
		return domain.VideoInfo{}, domain.Transient(err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, f.opts.InfoTimeout)
	defer cancel()

	res, err := f.command(cookieFile).DumpJSON().SkipDownload().Run(ctx, url)
	if err != nil {
		return domain.VideoInfo{}, f.failure(ctx, contentID, res, err, f.opts.InfoTimeout)
	}
	return parseInfo(res.Stdout)
}

// Download fetches the media into the download dir and returns the local
// path. Native progress lands in p.
func (f *Fetcher) Download(ctx context.Context, url, contentID string, jobCookies map[string]string, p *Progress) (string, error) {
	if err := os.MkdirAll(f.opts.DownloadDir, 0o755); err != nil {
		return "", domain.Transient(err)
	}
	cookieFile, cleanup, err := f.cookies(jobCookies)
	if err != nil {
		return "", domain.Transient(err)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, f.opts.FetchTimeout)
	defer cancel()

	out := filepath.Join(f.opts.DownloadDir, fmt.Sprintf("%s_%s.mp4", contentID, strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))
	cmd := f.command(cookieFile).
		Format(downloadFormat).
		MergeOutputFormat("mp4").
		NoPart().
		Output(out)
	cmd.ProgressFunc(500*time.Millisecond, func(u ytdlp.ProgressUpdate) {
		if u.TotalBytes > 0 {
			p.Set(int(float64(u.DownloadedBytes) / float64(u.TotalBytes) * 100))
		}
	})

	res, err := cmd.Run(ctx, url)
	if err != nil {
		os.Remove(out)
		return "", f.failure(ctx, contentID, res, err, f.opts.FetchTimeout)
	}
	if _, err := os.Stat(out); err != nil {
		return "", domain.DownloadFailed("downloaded file not found")
	}
	p.Set(100)
	return out, nil
}

func (f *Fetcher) failure(ctx context.Context, contentID string, res *ytdlp.Result, err error, limit time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		f.log.Warn("yt-dlp timed out", zap.String("content", contentID), zap.Duration("limit", limit))
		return domain.DownloadTimeout(int(limit.Seconds()))
	}
	msg := err.Error()
	if res != nil && strings.TrimSpace(res.Stderr) != "" {
		msg = res.Stderr
	}
	f.log.Error("yt-dlp failed", zap.String("content", contentID), zap.String("stderr", lastLine(msg)))
	return ClassifyError(contentID, msg)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
