package fetcher

import (
	"strings"

	"github.com/SirClappington/shortsq/internal/domain"
)

type Kind int

const (
	KindGeneric Kind = iota
	KindAuth
	KindUnavailable
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	}
	return "generic"
}

// Matched against lowercased yt-dlp stderr. The wording belongs to yt-dlp and
// YouTube and changes without notice.
var (
	authPatterns = []string{
		"sign in to confirm you're not a bot",
		"sign in to confirm that you",
		"this helps protect our community",
		"confirm you're not a bot",
		"sign-in required",
		"login required",
		"please sign in",
		"age-restricted",
		"members-only",
		"private video",
		"http error 403",
		"forbidden",
		"request blocked",
	}
	unavailablePatterns = []string{
		"video unavailable",
		"this video has been removed",
		"this video is not available",
		"does not exist",
	}
	transientPatterns = []string{
		"timed out",
		"connection reset",
		"temporary failure in name resolution",
		"http error 5",
		"unable to download webpage",
		"remote end closed connection",
	}
)

// Classify sorts a yt-dlp error message. Auth wins over everything else so
// that a bot check always raises the refresh signal.
func Classify(msg string) Kind {
	m := strings.ToLower(msg)
	for _, set := range []struct {
		k Kind
		p []string
	}{{KindAuth, authPatterns}, {KindUnavailable, unavailablePatterns}, {KindTransient, transientPatterns}} {
		for _, p := range set.p {
			if strings.Contains(m, p) {
				return set.k
			}
		}
	}
	return KindGeneric
}

func ClassifyError(contentID, msg string) error {
	reason := lastLine(msg)
	switch Classify(msg) {
	case KindAuth:
		return domain.CookiesUnavailable(reason)
	case KindUnavailable:
		return domain.VideoNotFound(contentID, reason)
	case KindTransient:
		return domain.Transient(domain.DownloadFailed(reason))
	}
	return domain.DownloadFailed(reason)
}
