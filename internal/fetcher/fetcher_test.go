package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"ERROR: [youtube] abc: Sign in to confirm you're not a bot. This helps protect our community": KindAuth,
		"ERROR: unable to download video data: HTTP Error 403: Forbidden":                               KindAuth,
		"ERROR: [youtube] abc: Private video. Sign in if you've been granted access":                     KindAuth,
		"ERROR: [youtube] abc: Video unavailable":                                                        KindUnavailable,
		"ERROR: Unable to download webpage: <urlopen error timed out>":                                   KindTransient,
		"ERROR: unable to download video data: HTTP Error 503: Service Unavailable":                      KindTransient,
		"ERROR: Postprocessing: ffmpeg not found":                                                        KindGeneric,
		"": KindGeneric,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(msg), msg)
	}
}

func TestClassifyError(t *testing.T) {
	err := ClassifyError("abc12345678", "WARNING: x\nERROR: Sign in to confirm you're not a bot")
	assert.True(t, domain.HasCode(err, domain.CodeCookiesUnavailable))
	assert.False(t, domain.IsRetryable(err))

	err = ClassifyError("abc12345678", "ERROR: Video unavailable")
	e, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeVideoNotFound, e.Code)
	assert.Equal(t, "abc12345678", e.Details["videoId"])

	err = ClassifyError("abc12345678", "ERROR: connection reset by peer")
	assert.True(t, domain.HasCode(err, domain.CodeDownloadFailed))
	assert.True(t, domain.IsRetryable(err))

	err = ClassifyError("abc12345678", "ERROR: something odd")
	assert.False(t, domain.IsRetryable(err))
}

func TestRescale(t *testing.T) {
	assert.Equal(t, 20, Rescale(0))
	assert.Equal(t, 50, Rescale(50))
	assert.Equal(t, 80, Rescale(100))
	assert.Equal(t, 80, Rescale(140))
	assert.Equal(t, 20, Rescale(-3))

	prev := Rescale(0)
	for n := 1; n <= 100; n++ {
		assert.GreaterOrEqual(t, Rescale(n), prev)
		prev = Rescale(n)
	}
}

func TestProgressClamps(t *testing.T) {
	var p Progress
	p.Set(42)
	assert.Equal(t, 42, p.Load())
	p.Set(250)
	assert.Equal(t, 100, p.Load())
}

func TestWriteCookieFile(t *testing.T) {
	path, err := WriteCookieFile(t.TempDir(), map[string]string{"SID": "abc", "HSID": "def"})
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(b)
	assert.True(t, strings.HasPrefix(body, "# Netscape HTTP Cookie File\n"))
	assert.Contains(t, body, ".youtube.com\tTRUE\t/\tTRUE\t0\tSID\tabc\n")
	assert.Contains(t, body, ".youtube.com\tTRUE\t/\tTRUE\t0\tHSID\tdef\n")
}

func TestCookieCleanup(t *testing.T) {
	f := New(Options{}, zap.NewNop())

	path, cleanup, err := f.cookies(map[string]string{"SID": "x"})
	require.NoError(t, err)
	require.FileExists(t, path)
	cleanup()
	assert.NoFileExists(t, path)

	path, cleanup, err = f.cookies(nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	cleanup()

	server := t.TempDir() + "/cookies.txt"
	require.NoError(t, os.WriteFile(server, []byte("# Netscape HTTP Cookie File\n"), 0o600))
	f = New(Options{CookiesFile: server}, zap.NewNop())
	path, cleanup, err = f.cookies(map[string]string{"SID": "x"})
	require.NoError(t, err)
	assert.Equal(t, server, path)
	cleanup()
	assert.FileExists(t, server)
}

func TestParseInfo(t *testing.T) {
	v, err := parseInfo(`{"id":"abc12345678","title":"Cat","thumbnail":"https://i/t.jpg","duration":31.5,"height":720,"filesize_approx":1000}`)
	require.NoError(t, err)
	assert.Equal(t, domain.VideoInfo{
		ID: "abc12345678", Title: "Cat", Thumbnail: "https://i/t.jpg", Duration: 31, FileSize: 1000, Quality: "720p",
	}, v)

	_, err = parseInfo("not json")
	require.Error(t, err)
}

// sleepingTool is a yt-dlp stand-in that never finishes on its own.
func sleepingTool(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))
	return path
}

func TestDownloadHardTimeout(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	f := New(Options{
		DownloadDir:  t.TempDir(),
		Executable:   sleepingTool(t),
		InfoTimeout:  300 * time.Millisecond,
		FetchTimeout: 300 * time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	_, err := f.Download(context.Background(), "https://youtube.com/shorts/abc12345678", "abc12345678",
		map[string]string{"SID": "secret"}, &Progress{})
	assert.Less(t, time.Since(start), 4*time.Second)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.CodeDownloadTimeout), err.Error())
	assert.True(t, domain.IsRetryable(err))

	_, err = f.Info(context.Background(), "https://youtube.com/shorts/abc12345678", "abc12345678",
		map[string]string{"SID": "secret"})
	assert.True(t, domain.HasCode(err, domain.CodeDownloadTimeout))

	left, err := filepath.Glob(filepath.Join(tmp, "yt_cookies_*"))
	require.NoError(t, err)
	assert.Empty(t, left, "cookie file must not outlive the attempt")
}
