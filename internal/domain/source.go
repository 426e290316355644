package domain

import (
	"net/url"
	"regexp"
	"strings"
)

var contentIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseSource extracts the content identity from a source URL. The host is not
// checked; only the path shape is: /shorts/{id}, /watch?v={id}, /embed/{id},
// /v/{id}, or youtu.be/{id}.
func ParseSource(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", InvalidSourceReference(raw)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")

	var id string
	switch {
	case strings.EqualFold(u.Hostname(), "youtu.be") && len(segs) == 1:
		id = segs[0]
	case len(segs) == 2 && (segs[0] == "shorts" || segs[0] == "embed" || segs[0] == "v"):
		id = segs[1]
	case len(segs) == 1 && segs[0] == "watch":
		id = u.Query().Get("v")
	}
	if !contentIDRe.MatchString(id) {
		return "", InvalidSourceReference(raw)
	}
	return id, nil
}
