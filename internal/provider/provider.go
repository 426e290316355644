// Package provider wraps each storage backend behind one Gateway interface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// SignedURLTTL bounds the validity of every download link.
const SignedURLTTL = time.Hour

const ContentType = "video/mp4"

// ErrNotFound is returned by Stat when the object is gone.
var ErrNotFound = errors.New("object not found")

// Listing is what a backend reports about its own contents.
type Listing struct {
	Count int64
	Bytes int64
}

type Gateway interface {
	Name() string
	// Upload stores the file at localPath under remoteName and returns a signed download URL.
	Upload(ctx context.Context, localPath, remoteName string) (string, error)
	Delete(ctx context.Context, remoteName string) error
	Stat(ctx context.Context, remoteName string) (int64, error)
	SignedURL(ctx context.Context, remoteName string) (string, error)
	Usage(ctx context.Context) (Listing, error)
}

type Registry struct {
	order []string
	gws   map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	reg := &Registry{gws: map[string]Gateway{}}
	for _, g := range gws {
		if _, dup := reg.gws[g.Name()]; dup {
			continue
		}
		reg.order = append(reg.order, g.Name())
		reg.gws[g.Name()] = g
	}
	return reg
}

func (r *Registry) Get(name string) (Gateway, bool) {
	g, ok := r.gws[name]
	return g, ok
}

func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// Close releases every backend client that holds connections.
func (r *Registry) Close() error {
	var errs error
	for _, name := range r.order {
		if c, ok := r.gws[name].(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}

// Disposition makes browsers save the object under its own name.
func Disposition(remoteName string) string {
	d := mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(remoteName)})
	if d == "" {
		return fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(filepath.Base(remoteName), `"`, ""))
	}
	return d
}
