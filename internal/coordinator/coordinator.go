// Package coordinator places uploads on a provider with spare capacity and
// keeps usage accounting in step with what is actually stored.
package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/provider"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Tracker interface {
	ProvidersUnderLimit(ctx context.Context) ([]string, error)
	AddUsage(ctx context.Context, provider string, bytes int64, fileRef string) (domain.ProviderUsage, error)
	RemoveUsage(ctx context.Context, provider string, bytes int64, fileRef string) (domain.ProviderUsage, error)
}

type Uploaded struct {
	URL        string
	Provider   string
	RemoteName string
	Size       int64
}

type Coordinator struct {
	reg     *provider.Registry
	tracker Tracker
	log     *zap.Logger
	pick    func(n int) int
}

func New(reg *provider.Registry, tracker Tracker, log *zap.Logger) *Coordinator {
	return &Coordinator{reg: reg, tracker: tracker, log: log.Named("coordinator"), pick: rand.IntN}
}

// SelectProvider picks uniformly among registered providers under their ceiling.
func (c *Coordinator) SelectProvider(ctx context.Context) (string, error) {
	names, err := c.tracker.ProvidersUnderLimit(ctx)
	if err != nil {
		return "", err
	}
	candidates := names[:0:0]
	for _, n := range names {
		if _, ok := c.reg.Get(n); ok {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", domain.NoProviderAvailable()
	}
	return candidates[c.pick(len(candidates))], nil
}

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)
	separators  = strings.NewReplacer("/", "_", `\`, "_")
)

const maxStemRunes = 80

// RemoteName derives a collision-resistant object name from desired. Path
// separators inside a title are kept as underscores; letters in any script
// survive.
func RemoteName(desired string) string {
	base := separators.Replace(strings.TrimSpace(desired))
	ext := filepath.Ext(base)
	if len(ext) < 2 || len(ext) > 5 || unsafeChars.MatchString(ext[1:]) {
		// "Mr. Smith goes" has no extension
		ext = ""
	}
	stem := strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSuffix(base, ext), "_"), "_.")
	if stem == "" {
		return uuid.NewString() + ".mp4"
	}
	if ext == "" {
		ext = ".mp4"
	}
	if r := []rune(stem); len(r) > maxStemRunes {
		stem = strings.TrimRight(string(r[:maxStemRunes]), "_.")
	}
	return stem + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ext
}

// Upload stores localPath on a selected provider. Usage is recorded only for
// an object that exists; if recording fails the object is removed again.
func (c *Coordinator) Upload(ctx context.Context, localPath, desiredName string) (Uploaded, error) {
	name, err := c.SelectProvider(ctx)
	if err != nil {
		return Uploaded{}, err
	}
	gw, _ := c.reg.Get(name)

	st, err := os.Stat(localPath)
	if err != nil {
		return Uploaded{}, domain.UploadFailed(name, err.Error())
	}
	remote := RemoteName(desiredName)

	url, err := gw.Upload(ctx, localPath, remote)
	if err != nil {
		c.log.Error("upload failed", zap.String("provider", name), zap.String("file", remote), zap.Error(err))
		return Uploaded{}, domain.UploadFailed(name, err.Error())
	}
	if _, err := c.tracker.AddUsage(ctx, name, st.Size(), remote); err != nil {
		c.log.Error("usage accounting failed, removing object", zap.String("provider", name),
			zap.String("file", remote), zap.Error(err))
		if derr := gw.Delete(context.WithoutCancel(ctx), remote); derr != nil {
			c.log.Error("compensating delete failed", zap.String("provider", name),
				zap.String("file", remote), zap.Error(derr))
		}
		return Uploaded{}, domain.Transient(domain.UploadFailed(name, err.Error()))
	}
	c.log.Info("uploaded", zap.String("provider", name), zap.String("file", remote), zap.Int64("bytes", st.Size()))
	return Uploaded{URL: url, Provider: name, RemoteName: remote, Size: st.Size()}, nil
}

// Removal says what Remove did to the object.
type Removal int

const (
	Removed Removal = iota
	AlreadyGone
	RemoveFailed
)

func (r Removal) String() string {
	switch r {
	case Removed:
		return "removed"
	case AlreadyGone:
		return "already_gone"
	default:
		return "failed"
	}
}

// Remove deletes an object and releases its usage. Backend failures are
// logged and reported as RemoveFailed, never returned. When the size cannot
// be read the delete still goes ahead and the usage drift is left for
// reconciliation.
func (c *Coordinator) Remove(ctx context.Context, remoteName, providerName string) (Removal, error) {
	gw, ok := c.reg.Get(providerName)
	if !ok {
		return RemoveFailed, domain.ObjectNotFound(providerName, remoteName)
	}
	log := c.log.With(zap.String("provider", providerName), zap.String("file", remoteName))
	size, err := gw.Stat(ctx, remoteName)
	if errors.Is(err, provider.ErrNotFound) {
		log.Info("object already gone")
		return AlreadyGone, nil
	}
	sized := err == nil
	if !sized {
		log.Warn("stat before delete", zap.Error(err))
	}
	if err := gw.Delete(ctx, remoteName); err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return AlreadyGone, nil
		}
		log.Warn("delete failed", zap.Error(err))
		return RemoveFailed, nil
	}
	if !sized {
		return Removed, nil
	}
	if _, err := c.tracker.RemoveUsage(ctx, providerName, size, remoteName); err != nil {
		log.Warn("release usage", zap.Error(err))
	}
	return Removed, nil
}

// Delete is Remove without the outcome.
func (c *Coordinator) Delete(ctx context.Context, remoteName, providerName string) error {
	_, err := c.Remove(ctx, remoteName, providerName)
	return err
}

func (c *Coordinator) RegenerateURL(ctx context.Context, remoteName, providerName string) (string, error) {
	gw, ok := c.reg.Get(providerName)
	if !ok {
		return "", domain.ObjectNotFound(providerName, remoteName)
	}
	return gw.SignedURL(ctx, remoteName)
}
