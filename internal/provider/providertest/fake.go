// Package providertest has an in-memory Gateway.
package providertest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/SirClappington/shortsq/internal/provider"
)

type Fake struct {
	name string

	mu      sync.Mutex
	objects map[string]int64
	signs   int

	UploadErr error
	DeleteErr error
	StatErr   error
	SignErr   error
}

func New(name string) *Fake { return &Fake{name: name, objects: map[string]int64{}} }

func (f *Fake) Name() string { return f.name }

func (f *Fake) Upload(ctx context.Context, localPath, remoteName string) (string, error) {
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[remoteName] = st.Size()
	f.mu.Unlock()
	return f.SignedURL(ctx, remoteName)
}

// Put seeds an object without a local file.
func (f *Fake) Put(remoteName string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[remoteName] = size
}

func (f *Fake) Has(remoteName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[remoteName]
	return ok
}

func (f *Fake) Delete(_ context.Context, remoteName string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[remoteName]; !ok {
		return provider.ErrNotFound
	}
	delete(f.objects, remoteName)
	return nil
}

func (f *Fake) Stat(_ context.Context, remoteName string) (int64, error) {
	if f.StatErr != nil {
		return 0, f.StatErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.objects[remoteName]
	if !ok {
		return 0, provider.ErrNotFound
	}
	return size, nil
}

// SignedURL mints a distinct URL on every call.
func (f *Fake) SignedURL(_ context.Context, remoteName string) (string, error) {
	if f.SignErr != nil {
		return "", f.SignErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	return fmt.Sprintf("https://%s.example/%s?sig=%d", f.name, remoteName, f.signs), nil
}

func (f *Fake) Usage(context.Context) (provider.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var l provider.Listing
	for _, size := range f.objects {
		l.Count++
		l.Bytes += size
	}
	return l, nil
}
